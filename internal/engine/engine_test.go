package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	ws := domain.Workstream{
		ID: "ws-1",
		ApproverRoles: map[domain.Stage][]string{
			domain.StageL0: {"portfolio-lead", "finance-controller", "sponsor"},
			domain.StageL1: {"portfolio-lead"},
		},
	}
	if _, err := eng.CreateWorkstream(ctx, ws, "tester"); err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	for id, roles := range map[string][]string{
		"alice": {"portfolio-lead"},
		"bob":   {"finance-controller"},
		"carol": {"sponsor"},
		"dave":  {},
	} {
		if _, err := eng.EnsureAccount(ctx, domain.Account{ID: id, Roles: roles}, "tester"); err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) seedInitiative(t *testing.T, id string) domain.Initiative {
	t.Helper()
	in := domain.Initiative{
		ID:           id,
		WorkstreamID: "ws-1",
		Name:         "Initiative " + id,
		ActiveStage:  domain.StageL0,
		Version:      1,
		Stages:       domain.NewStageMap(),
		StageState:   domain.NewStateMap(),
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.CreateInitiative(env.Ctx, in); err != nil {
		t.Fatalf("seed initiative: %v", err)
	}
	return in
}

func (env testEnv) pendingRound(t *testing.T, id string, stage domain.Stage, round int) []domain.Approval {
	t.Helper()
	rows, err := env.Engine.Repo.ListStageApprovals(env.Ctx, id, stage, round)
	if err != nil {
		t.Fatalf("list round: %v", err)
	}
	return rows
}

func TestAdvanceWalksGatesInOrder(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-adv")

	expected := []domain.Stage{domain.StageL1, domain.StageL2, domain.StageL3, domain.StageL4, domain.StageL5}
	for i, want := range expected {
		out, err := env.Engine.AdvanceStage(env.Ctx, in.ID, nil, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if out.ActiveStage != want {
			t.Fatalf("advance %d: expected %s, got %s", i, want, out.ActiveStage)
		}
		if out.Version != int64(i+2) {
			t.Fatalf("advance %d: expected version %d, got %d", i, i+2, out.Version)
		}
	}
	// l5 is terminal.
	if _, err := env.Engine.AdvanceStage(env.Ctx, "init-adv", nil, "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input past l5, got %v", err)
	}
}

func TestAdvanceRejectsSkipSameAndBackward(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-seq")
	if _, err := env.Engine.AdvanceStage(env.Ctx, in.ID, nil, "tester"); err != nil {
		t.Fatalf("to l1: %v", err)
	}

	for _, target := range []domain.Stage{domain.StageL1, domain.StageL3, domain.StageL0} {
		target := target
		_, err := env.Engine.AdvanceStage(env.Ctx, in.ID, &target, "tester")
		if !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("target %s: expected ErrInvalidInput, got %v", target, err)
		}
	}

	// Failed advances left the record untouched.
	stored, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ActiveStage != domain.StageL1 || stored.Version != 2 {
		t.Fatalf("expected l1 at version 2, got %s at %d", stored.ActiveStage, stored.Version)
	}
}

func TestAdvanceMissingInitiative(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AdvanceStage(env.Ctx, "nope", nil, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitOpensRoundPerRole(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-sub")

	out, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.StageState[domain.StageL0].Status != domain.StagePending {
		t.Fatalf("expected pending, got %s", out.StageState[domain.StageL0].Status)
	}
	rows := env.pendingRound(t, in.ID, domain.StageL0, 0)
	if len(rows) != 3 {
		t.Fatalf("expected 3 approval rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Status != domain.ApprovalPending {
			t.Fatalf("expected pending row, got %s", row.Status)
		}
	}

	// Pending stages are not resubmittable.
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput on resubmit, got %v", err)
	}
}

func TestUnanimousApprovalFlipsStage(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-unanimous")
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rows := env.pendingRound(t, in.ID, domain.StageL0, 0)

	var out domain.Initiative
	var err error
	for i, row := range rows {
		out, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
			ApprovalID: row.ID,
			Decision:   domain.DecisionApprove,
			ActorID:    "tester",
		})
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		status := out.StageState[domain.StageL0].Status
		if i < len(rows)-1 && status != domain.StagePending {
			t.Fatalf("after %d of %d decisions expected pending, got %s", i+1, len(rows), status)
		}
	}
	if out.StageState[domain.StageL0].Status != domain.StageApproved {
		t.Fatalf("expected approved after unanimity, got %s", out.StageState[domain.StageL0].Status)
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-reject")
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rows := env.pendingRound(t, in.ID, domain.StageL0, 0)

	if _, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[0].ID, Decision: domain.DecisionApprove, ActorID: "tester",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	out, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[1].ID, Decision: domain.DecisionReject, Comment: "case not made", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.StageState[domain.StageL0].Status != domain.StageRejected {
		t.Fatalf("expected rejected, got %s", out.StageState[domain.StageL0].Status)
	}

	// A later approve on the remaining row cannot resurrect the stage.
	out, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[2].ID, Decision: domain.DecisionApprove, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("late approve: %v", err)
	}
	if out.StageState[domain.StageL0].Status != domain.StageRejected {
		t.Fatalf("rejection must win, got %s", out.StageState[domain.StageL0].Status)
	}
}

func TestReturnedThenResubmitStartsNewRound(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-return")
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rows := env.pendingRound(t, in.ID, domain.StageL0, 0)

	out, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[0].ID, Decision: domain.DecisionReturn, Comment: "needs financials", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	state := out.StageState[domain.StageL0]
	if state.Status != domain.StageReturned || state.Round != 0 {
		t.Fatalf("expected returned at round 0, got %s round %d", state.Status, state.Round)
	}

	out, err = env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	state = out.StageState[domain.StageL0]
	if state.Status != domain.StagePending || state.Round != 1 {
		t.Fatalf("expected pending at round 1, got %s round %d", state.Status, state.Round)
	}
	if fresh := env.pendingRound(t, in.ID, domain.StageL0, 1); len(fresh) != 3 {
		t.Fatalf("expected fresh 3-row round, got %d", len(fresh))
	}
	// Round 0 rows stay behind untouched.
	if old := env.pendingRound(t, in.ID, domain.StageL0, 0); len(old) != 3 {
		t.Fatalf("round 0 audit trail lost: %d rows", len(old))
	}
}

func TestDecideAuthorization(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-auth")
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL1, "tester"); err != nil {
		t.Fatalf("submit l1: %v", err)
	}
	rows := env.pendingRound(t, in.ID, domain.StageL1, 0)
	if len(rows) != 1 || rows[0].Role != "portfolio-lead" {
		t.Fatalf("unexpected l1 round: %+v", rows)
	}

	// Unknown account.
	_, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[0].ID, Decision: domain.DecisionApprove, AccountID: "mallory", ActorID: "mallory",
	})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown account, got %v", err)
	}

	// Known account without the role.
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[0].ID, Decision: domain.DecisionApprove, AccountID: "dave", ActorID: "dave",
	})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for roleless account, got %v", err)
	}

	// Holder of the role decides; single-role round approves immediately.
	out, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: rows[0].ID, Decision: domain.DecisionApprove, AccountID: "alice", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("decide as alice: %v", err)
	}
	if out.StageState[domain.StageL1].Status != domain.StageApproved {
		t.Fatalf("expected approved, got %s", out.StageState[domain.StageL1].Status)
	}
}

func TestDecideUnknownVerbAndMissingRow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: "whatever", Decision: domain.Decision("maybe"), ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{
		ApprovalID: "missing", Decision: domain.DecisionApprove, ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitWithoutApprovers(t *testing.T) {
	env := newTestEnv(t)
	// ws-1's matrix only covers l0 and l1.
	in := env.seedInitiative(t, "init-noroles")
	_, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL4, "tester")
	if !errors.Is(err, engine.ErrMissingApprovers) {
		t.Fatalf("expected ErrMissingApprovers, got %v", err)
	}
}

func TestSubmitWorkstreamGone(t *testing.T) {
	env := newTestEnv(t)
	in := domain.Initiative{
		ID: "init-orphan", WorkstreamID: "ws-gone", Name: "Orphan",
		ActiveStage: domain.StageL0, Version: 1,
		Stages: domain.NewStageMap(), StageState: domain.NewStateMap(),
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.CreateInitiative(env.Ctx, in); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester")
	if !errors.Is(err, engine.ErrWorkstreamNotFound) {
		t.Fatalf("expected ErrWorkstreamNotFound, got %v", err)
	}
}

func TestListApprovalTasksByAccount(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedInitiative(t, "init-queue")
	if _, err := env.Engine.SubmitStage(env.Ctx, in.ID, domain.StageL0, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tasks, err := env.Engine.ListApprovalTasks(env.Ctx, engine.ApprovalTaskFilters{Status: "pending", AccountID: "bob"})
	if err != nil {
		t.Fatalf("list for bob: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Role != "finance-controller" {
		t.Fatalf("expected bob's finance task, got %+v", tasks)
	}

	// Roleless accounts see an empty queue, not everyone's tasks.
	tasks, err = env.Engine.ListApprovalTasks(env.Ctx, engine.ApprovalTaskFilters{Status: "pending", AccountID: "dave"})
	if err != nil {
		t.Fatalf("list for dave: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue for dave, got %d", len(tasks))
	}
}

func TestCreateWorkstreamDefaultsMatrixFromConfig(t *testing.T) {
	env := newTestEnv(t)
	ws, err := env.Engine.CreateWorkstream(env.Ctx, domain.Workstream{ID: "ws-default"}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ws.ApproverRoles) != len(domain.Stages) {
		t.Fatalf("expected full default matrix, got %d stages", len(ws.ApproverRoles))
	}
	if got := ws.ApproverRoles[domain.StageL5]; len(got) != 1 || got[0] != "sponsor" {
		t.Fatalf("expected sponsor at l5, got %+v", got)
	}
}

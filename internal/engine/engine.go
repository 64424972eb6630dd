package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/notify"
	"gateline/internal/repo"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrForbidden          = errors.New("forbidden")
	ErrMissingApprovers   = errors.New("no approvers materialized for stage round")
	ErrWorkstreamNotFound = errors.New("workstream not found")
)

// AccountDirectory resolves acting accounts for authorization and display
// names. Backed by the accounts table here; any directory will do.
type AccountDirectory interface {
	FindByID(ctx context.Context, id string) (domain.Account, error)
}

// ApproverRoles resolves the role matrix for a workstream stage.
type ApproverRoles interface {
	RolesFor(ctx context.Context, workstreamID string, stage domain.Stage) ([]string, error)
}

// Engine owns every stage-state and approval-row mutation. All writes that
// touch the initiative row go through the version-checked update path; a
// conflict surfaces to the caller, who must re-fetch and retry.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Directory AccountDirectory
	Roles     ApproverRoles
	Notifier  notify.Notifier
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, n notify.Notifier) Engine {
	r := repo.Repo{DB: db}
	if n == nil {
		n = notify.New(cfg, nil)
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Directory: repoDirectory{r},
		Roles:     repoRoles{r},
		Notifier:  n,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type repoDirectory struct{ r repo.Repo }

func (d repoDirectory) FindByID(ctx context.Context, id string) (domain.Account, error) {
	return d.r.GetAccount(ctx, id)
}

type repoRoles struct{ r repo.Repo }

func (d repoRoles) RolesFor(ctx context.Context, workstreamID string, stage domain.Stage) ([]string, error) {
	ws, err := d.r.GetWorkstream(ctx, workstreamID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrWorkstreamNotFound
		}
		return nil, err
	}
	return ws.ApproverRoles[stage], nil
}

// AdvanceStage moves the initiative to the next gate. The only legal target
// is exactly currentIndex+1; anything else (same stage, skip, backward) is
// invalid input. The write is version-checked against the version read at
// the top of the call and a concurrent writer surfaces as VersionConflict.
func (e Engine) AdvanceStage(ctx context.Context, id string, target *domain.Stage, actorID string) (domain.Initiative, error) {
	in, err := e.Repo.GetInitiative(ctx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	next := domain.NextStage(in.ActiveStage)
	if target != nil {
		next = *target
	}
	if domain.StageIndex(next) != domain.StageIndex(in.ActiveStage)+1 {
		return domain.Initiative{}, fmt.Errorf("%w: cannot advance %s -> %s", ErrInvalidInput, in.ActiveStage, next)
	}
	from := in.ActiveStage
	in.ActiveStage = next
	in.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateInitiativeTx(ctx, tx, in, in.Version)
	if err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.advanced", in.WorkstreamID, "initiative", in.ID, actorID, events.EventPayload{
		"from": from, "to": next,
	}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return updated, nil
}

// SubmitStage opens an approval round for a gate: legal from draft (round
// unchanged) or returned (round incremented). The stage state moves to
// pending through the version-checked path and the round's approval rows
// are inserted in the same transaction, so a reader never observes a
// half-initialized round. Approvers are notified after commit.
func (e Engine) SubmitStage(ctx context.Context, id string, stage domain.Stage, actorID string) (domain.Initiative, error) {
	if domain.StageIndex(stage) < 0 {
		return domain.Initiative{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, stage)
	}
	in, err := e.Repo.GetInitiative(ctx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	state := in.StageState[stage]
	round := state.Round
	switch state.Status {
	case domain.StageDraft:
	case domain.StageReturned:
		round++
	default:
		return domain.Initiative{}, fmt.Errorf("%w: stage %s is %s, not submittable", ErrInvalidInput, stage, state.Status)
	}

	roles, err := e.Roles.RolesFor(ctx, in.WorkstreamID, stage)
	if err != nil {
		return domain.Initiative{}, err
	}
	if len(roles) == 0 {
		return domain.Initiative{}, fmt.Errorf("%w: stage %s", ErrMissingApprovers, stage)
	}

	now := e.now().UTC().Format(time.RFC3339)
	batch := make([]domain.Approval, 0, len(roles))
	for _, role := range roles {
		batch = append(batch, domain.Approval{
			ID:           uuid.New().String(),
			InitiativeID: in.ID,
			Stage:        stage,
			Round:        round,
			Role:         role,
			Status:       domain.ApprovalPending,
			CreatedAt:    now,
		})
	}

	in.StageState[stage] = domain.StageState{Status: domain.StagePending, Round: round}
	in.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateInitiativeTx(ctx, tx, in, in.Version)
	if err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Repo.InsertApprovalsTx(ctx, tx, batch); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.submitted", in.WorkstreamID, "initiative", in.ID, actorID, events.EventPayload{
		"stage": stage, "round": round, "roles": roles,
	}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	if e.Notifier != nil {
		for _, role := range roles {
			e.Notifier.NotifyApprover(role, in.ID, stage)
		}
	}
	return updated, nil
}

// DecideOptions parameterizes a single approval decision.
type DecideOptions struct {
	ApprovalID string
	Decision   domain.Decision
	// AccountID, when set, must resolve to a directory account holding the
	// approval's role.
	AccountID string
	Comment   string
	ActorID   string
}

// DecideApproval records one role's decision and re-evaluates the round.
// Unanimous approval flips the stage to approved; any rejection is terminal
// for the stage; any return sends it back to the owner with the round index
// unchanged. The round is always re-read after the decided row is written,
// inside the same transaction.
func (e Engine) DecideApproval(ctx context.Context, opts DecideOptions) (domain.Initiative, error) {
	status, ok := opts.Decision.Status()
	if !ok {
		return domain.Initiative{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, opts.Decision)
	}
	approval, err := e.Repo.GetApproval(ctx, opts.ApprovalID)
	if err != nil {
		return domain.Initiative{}, err
	}
	if opts.AccountID != "" {
		account, err := e.Directory.FindByID(ctx, opts.AccountID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Initiative{}, fmt.Errorf("%w: account %s not in directory", ErrForbidden, opts.AccountID)
			}
			return domain.Initiative{}, err
		}
		if !account.HasRole(approval.Role) {
			return domain.Initiative{}, fmt.Errorf("%w: account %s lacks role %s", ErrForbidden, opts.AccountID, approval.Role)
		}
	}
	in, err := e.Repo.GetInitiative(ctx, approval.InitiativeID)
	if err != nil {
		return domain.Initiative{}, err
	}
	// The approver-role configuration must still resolve; a deleted
	// workstream makes the round undecidable.
	if _, err := e.Roles.RolesFor(ctx, in.WorkstreamID, approval.Stage); err != nil {
		return domain.Initiative{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.UpdateApprovalStatusTx(ctx, tx, approval.ID, status, opts.Comment, now); err != nil {
		return domain.Initiative{}, err
	}

	state := in.StageState[approval.Stage]
	rows, err := e.Repo.ListStageApprovalsTx(ctx, tx, in.ID, approval.Stage, state.Round)
	if err != nil {
		return domain.Initiative{}, err
	}
	if len(rows) == 0 {
		return domain.Initiative{}, fmt.Errorf("%w: stage %s round %d", ErrMissingApprovers, approval.Stage, state.Round)
	}

	nextStatus := resolveRound(rows)
	if nextStatus != state.Status {
		in.StageState[approval.Stage] = domain.StageState{Status: nextStatus, Round: state.Round, Comment: opts.Comment}
		in.UpdatedAt = now
		in, err = e.Repo.UpdateInitiativeTx(ctx, tx, in, in.Version)
		if err != nil {
			return domain.Initiative{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", in.WorkstreamID, "approval", approval.ID, opts.ActorID, events.EventPayload{
		"initiative": in.ID, "stage": approval.Stage, "round": approval.Round,
		"role": approval.Role, "decision": opts.Decision, "stage_status": nextStatus,
	}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

// resolveRound folds one round's rows into a stage status. Rejection wins
// over return; unanimity is required for approval; no quorum or weighting.
func resolveRound(rows []domain.Approval) domain.StageStatus {
	allApproved := true
	anyReturned := false
	for _, row := range rows {
		switch row.Status {
		case domain.ApprovalRejected:
			return domain.StageRejected
		case domain.ApprovalReturned:
			anyReturned = true
		case domain.ApprovalApproved:
		default:
			allApproved = false
		}
	}
	if anyReturned {
		return domain.StageReturned
	}
	if allApproved {
		return domain.StageApproved
	}
	return domain.StagePending
}

// ApprovalTaskFilters narrows the approval-task projection.
type ApprovalTaskFilters struct {
	Status    string
	AccountID string
	Limit     int
}

// ListApprovalTasks is a read-only projection of approval rows, optionally
// narrowed to a status or to the roles held by one account.
func (e Engine) ListApprovalTasks(ctx context.Context, f ApprovalTaskFilters) ([]domain.Approval, error) {
	filters := repo.ApprovalFilters{Status: f.Status, Limit: f.Limit}
	if f.AccountID != "" {
		account, err := e.Directory.FindByID(ctx, f.AccountID)
		if err != nil {
			return nil, err
		}
		if len(account.Roles) == 0 {
			return []domain.Approval{}, nil
		}
		filters.Roles = account.Roles
	}
	rows, err := e.Repo.ListApprovals(ctx, filters)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.Approval{}
	}
	return rows, nil
}

// CreateWorkstream inserts a workstream, defaulting the approver matrix
// from config when none is supplied.
func (e Engine) CreateWorkstream(ctx context.Context, ws domain.Workstream, actorID string) (domain.Workstream, error) {
	if ws.ID == "" {
		return ws, fmt.Errorf("%w: workstream id required", ErrInvalidInput)
	}
	if ws.Name == "" {
		ws.Name = ws.ID
	}
	if len(ws.ApproverRoles) == 0 && e.Config != nil {
		ws.ApproverRoles = e.Config.ApproverMatrix()
	}
	for stage := range ws.ApproverRoles {
		if domain.StageIndex(stage) < 0 {
			return ws, fmt.Errorf("%w: unknown stage %q in approver roles", ErrInvalidInput, stage)
		}
	}
	ws.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertWorkstream(ctx, ws); err != nil {
		return ws, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "workstream.created", ws.ID, "workstream", ws.ID, actorID, events.EventPayload{"name": ws.Name}); err != nil {
		return ws, err
	}
	return ws, tx.Commit()
}

// EnsureAccount upserts a directory account.
func (e Engine) EnsureAccount(ctx context.Context, a domain.Account, actorID string) (domain.Account, error) {
	if a.ID == "" {
		return a, fmt.Errorf("%w: account id required", ErrInvalidInput)
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Roles == nil {
		a.Roles = []string{}
	}
	a.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertAccount(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

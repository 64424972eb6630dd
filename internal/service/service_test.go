package service_test

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
	"gateline/internal/service"
)

func newTestService(t *testing.T) (service.Service, context.Context) {
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
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateWorkstream(ctx, domain.Workstream{ID: "ws-1"}, "tester"); err != nil {
		t.Fatalf("seed workstream: %v", err)
	}
	return service.New(eng), ctx
}

func TestCreateInitiativeDefaults(t *testing.T) {
	s, ctx := newTestService(t)
	res, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1",
		Name:         "  Fleet electrification  ",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Name != "Fleet electrification" {
		t.Fatalf("expected trimmed name, got %q", res.Name)
	}
	if res.ID == "" {
		t.Fatalf("expected generated id")
	}
	if res.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Version)
	}
	if res.ActiveStage != domain.StageL0 {
		t.Fatalf("expected l0, got %s", res.ActiveStage)
	}
	if len(res.Stages) != len(domain.Stages) {
		t.Fatalf("expected all six stage keys, got %d", len(res.Stages))
	}
	for _, stage := range domain.Stages {
		if res.StageState[stage].Status != domain.StageDraft {
			t.Fatalf("stage %s not draft: %s", stage, res.StageState[stage].Status)
		}
	}
	if res.Totals != (domain.Totals{}) {
		t.Fatalf("expected zero totals, got %+v", res.Totals)
	}
}

func TestCreateRequiresNameAndWorkstream(t *testing.T) {
	s, ctx := newTestService(t)
	if _, err := s.CreateInitiative(ctx, service.CreateOptions{WorkstreamID: "ws-1"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing name, got %v", err)
	}
	if _, err := s.CreateInitiative(ctx, service.CreateOptions{Name: "X"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing workstream, got %v", err)
	}
	if _, err := s.CreateInitiative(ctx, service.CreateOptions{Name: "X", WorkstreamID: "nope"}); !errors.Is(err, engine.ErrWorkstreamNotFound) {
		t.Fatalf("expected ErrWorkstreamNotFound, got %v", err)
	}
}

func TestDistributionSanitation(t *testing.T) {
	s, ctx := newTestService(t)
	res, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1",
		Name:         "Dirty distribution",
		Stages: service.StageMapInput{
			"l0": {
				Financials: map[string][]service.FinancialEntryInput{
					"recurring-benefits": {
						{
							ID:    "f1",
							Label: "Savings",
							Distribution: map[string]any{
								"2026-01": 1000.0,
								"2026-02": "250.5",
								"2026-03": "not-a-number",
								"2026-04": nil,
								"2026-05": []any{1, 2},
							},
						},
					},
					"made-up-kind": {
						{ID: "ghost", Distribution: map[string]any{"2026-01": 999.0}},
					},
				},
			},
			"l9": {Name: "unknown stage"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dist := res.Stages[domain.StageL0].Financials[domain.RecurringBenefits][0].Distribution
	if len(dist) != 2 {
		t.Fatalf("expected 2 surviving values, got %v", dist)
	}
	if dist["2026-01"] != 1000 || dist["2026-02"] != 250.5 {
		t.Fatalf("wrong surviving values: %v", dist)
	}
	if _, ok := res.Stages[domain.StageL0].Financials["made-up-kind"]; ok {
		t.Fatalf("unknown financial kind survived")
	}
	if res.Totals.RecurringBenefits != 1250.5 {
		t.Fatalf("expected totals over clean values only, got %v", res.Totals.RecurringBenefits)
	}
}

func TestPeriodMonthClamped(t *testing.T) {
	s, ctx := newTestService(t)
	bad := 13
	good := 7
	res, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1",
		Name:         "Periods",
		Stages: service.StageMapInput{
			"l0": {PeriodMonth: &bad},
			"l1": {PeriodMonth: &good},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Stages[domain.StageL0].PeriodMonth != nil {
		t.Fatalf("expected out-of-range month dropped")
	}
	if m := res.Stages[domain.StageL1].PeriodMonth; m == nil || *m != 7 {
		t.Fatalf("expected month 7 kept, got %v", m)
	}
}

func TestL4DateInheritedFromStage(t *testing.T) {
	s, ctx := newTestService(t)
	date := "2026-09-15"
	res, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1",
		Name:         "Anchor date",
		Stages: service.StageMapInput{
			"l4": {L4Date: &date},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.L4Date == nil || *res.L4Date != date {
		t.Fatalf("expected inherited l4 date %s, got %v", date, res.L4Date)
	}
}

func TestUpdateIsFullReplace(t *testing.T) {
	s, ctx := newTestService(t)
	created, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1",
		Name:         "Replace me",
		Stages: service.StageMapInput{
			"l0": {
				Financials: map[string][]service.FinancialEntryInput{
					"oneoff-costs": {{ID: "c1", Distribution: map[string]any{"2026-01": 500.0}}},
				},
			},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateInitiative(ctx, created.ID, service.UpdateOptions{
		Name:    "Replaced",
		ActorID: "tester",
	}, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	// The empty stage map replaced the old one wholesale.
	if updated.Totals.OneoffCosts != 0 {
		t.Fatalf("expected old financials gone, got %+v", updated.Totals)
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Fatalf("created_at must be preserved")
	}
}

func TestUpdateVersionGuards(t *testing.T) {
	s, ctx := newTestService(t)
	created, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1", Name: "Guarded", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.UpdateInitiative(ctx, created.ID, service.UpdateOptions{Name: "X"}, 0); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for version 0, got %v", err)
	}
	if _, err := s.UpdateInitiative(ctx, created.ID, service.UpdateOptions{Name: "X"}, 5); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.UpdateInitiative(ctx, "missing", service.UpdateOptions{Name: "X"}, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveInitiative(t *testing.T) {
	s, ctx := newTestService(t)
	created, err := s.CreateInitiative(ctx, service.CreateOptions{
		WorkstreamID: "ws-1", Name: "Doomed", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := s.RemoveInitiative(ctx, created.ID, "tester")
	if err != nil || id != created.ID {
		t.Fatalf("remove: id=%q err=%v", id, err)
	}
	if _, err := s.GetInitiative(ctx, created.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if _, err := s.RemoveInitiative(ctx, created.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestListInitiativesCarriesTotals(t *testing.T) {
	s, ctx := newTestService(t)
	for _, name := range []string{"One", "Two"} {
		if _, err := s.CreateInitiative(ctx, service.CreateOptions{
			WorkstreamID: "ws-1",
			Name:         name,
			Stages: service.StageMapInput{
				"l0": {
					Financials: map[string][]service.FinancialEntryInput{
						"recurring-benefits": {{ID: "r", Distribution: map[string]any{"2026-01": 100.0}}},
					},
				},
			},
			ActorID: "tester",
		}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	items, err := s.ListInitiatives(ctx, repo.InitiativeFilters{WorkstreamID: "ws-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, item := range items {
		if item.Totals.RecurringImpact != 100 {
			t.Fatalf("expected recomputed totals on list, got %+v", item.Totals)
		}
	}
}

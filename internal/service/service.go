package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/repo"
	"gateline/internal/totals"
)

// Service is the public orchestration surface: input sanitation, the
// optimistic-concurrency contract, and response shaping. Totals are never
// persisted; every response recomputes them from the stage data it carries,
// so they cannot drift from the authoritative record.
type Service struct {
	Engine engine.Engine
	Now    func() time.Time
}

func New(e engine.Engine) Service {
	return Service{Engine: e, Now: e.Now}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Response is the full initiative record plus derived totals.
type Response struct {
	domain.Initiative
	Totals domain.Totals `json:"totals"`
}

func respond(in domain.Initiative) Response {
	return Response{Initiative: in, Totals: totals.Compute(in.Stages)}
}

// CreateOptions carries the caller-supplied fields for a new initiative.
type CreateOptions struct {
	ID             string
	WorkstreamID   string
	Name           string
	Description    string
	OwnerAccountID string
	OwnerName      string
	CurrentStatus  string
	L4Date         string
	Stages         StageMapInput
	ActorID        string
}

// CreateInitiative sanitizes the payload, requires name and workstream,
// and inserts at version 1 with all stages draft.
func (s Service) CreateInitiative(ctx context.Context, opts CreateOptions) (Response, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return Response{}, fmt.Errorf("%w: name is required", engine.ErrInvalidInput)
	}
	workstreamID := strings.TrimSpace(opts.WorkstreamID)
	if workstreamID == "" {
		return Response{}, fmt.Errorf("%w: workstream_id is required", engine.ErrInvalidInput)
	}
	if _, err := s.Engine.Repo.GetWorkstream(ctx, workstreamID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Response{}, engine.ErrWorkstreamNotFound
		}
		return Response{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC().Format(time.RFC3339)
	in := domain.Initiative{
		ID:            id,
		WorkstreamID:  workstreamID,
		Name:          name,
		Description:   strings.TrimSpace(opts.Description),
		OwnerName:     strings.TrimSpace(opts.OwnerName),
		CurrentStatus: strings.TrimSpace(opts.CurrentStatus),
		ActiveStage:   domain.StageL0,
		Version:       1,
		Stages:        sanitizeStages(opts.Stages),
		StageState:    domain.NewStateMap(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if owner := strings.TrimSpace(opts.OwnerAccountID); owner != "" {
		in.OwnerAccountID = &owner
		if in.OwnerName == "" {
			if acct, err := s.Engine.Directory.FindByID(ctx, owner); err == nil {
				in.OwnerName = acct.Name
			}
		}
	}
	if l4 := strings.TrimSpace(opts.L4Date); l4 != "" {
		in.L4Date = &l4
	}
	inheritL4Date(&in)
	if err := s.Engine.Repo.CreateInitiative(ctx, in); err != nil {
		return Response{}, err
	}
	s.appendEvent(ctx, "initiative.created", in, opts.ActorID, events.EventPayload{"name": in.Name})
	return respond(in), nil
}

// UpdateOptions is a full-replace payload, not a patch: the sanitized stage
// map overwrites the stored one wholesale. A losing concurrent writer's
// entire payload is discarded and must be re-fetched and resubmitted.
type UpdateOptions struct {
	WorkstreamID   string
	Name           string
	Description    string
	OwnerAccountID string
	OwnerName      string
	CurrentStatus  string
	L4Date         string
	Stages         StageMapInput
	ActorID        string
}

func (s Service) UpdateInitiative(ctx context.Context, id string, opts UpdateOptions, expectedVersion int64) (Response, error) {
	if expectedVersion < 1 {
		return Response{}, fmt.Errorf("%w: expected_version must be a positive integer", engine.ErrInvalidInput)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return Response{}, fmt.Errorf("%w: name is required", engine.ErrInvalidInput)
	}
	current, err := s.Engine.Repo.GetInitiative(ctx, id)
	if err != nil {
		return Response{}, err
	}
	workstreamID := strings.TrimSpace(opts.WorkstreamID)
	if workstreamID == "" {
		workstreamID = current.WorkstreamID
	}
	in := domain.Initiative{
		ID:            id,
		WorkstreamID:  workstreamID,
		Name:          name,
		Description:   strings.TrimSpace(opts.Description),
		OwnerName:     strings.TrimSpace(opts.OwnerName),
		CurrentStatus: strings.TrimSpace(opts.CurrentStatus),
		ActiveStage:   current.ActiveStage,
		Stages:        sanitizeStages(opts.Stages),
		StageState:    current.StageState,
		CreatedAt:     current.CreatedAt,
		UpdatedAt:     s.now().UTC().Format(time.RFC3339),
	}
	if owner := strings.TrimSpace(opts.OwnerAccountID); owner != "" {
		in.OwnerAccountID = &owner
	}
	if l4 := strings.TrimSpace(opts.L4Date); l4 != "" {
		in.L4Date = &l4
	}
	inheritL4Date(&in)
	updated, err := s.Engine.Repo.UpdateInitiative(ctx, in, expectedVersion)
	if err != nil {
		return Response{}, err
	}
	s.appendEvent(ctx, "initiative.updated", updated, opts.ActorID, events.EventPayload{"version": updated.Version})
	return respond(updated), nil
}

// RemoveInitiative hard-deletes; approvals remain as audit trail.
func (s Service) RemoveInitiative(ctx context.Context, id, actorID string) (string, error) {
	in, err := s.Engine.Repo.GetInitiative(ctx, id)
	if err != nil {
		return "", err
	}
	removed, err := s.Engine.Repo.DeleteInitiative(ctx, id)
	if err != nil {
		return "", err
	}
	if !removed {
		return "", repo.ErrNotFound
	}
	s.appendEvent(ctx, "initiative.deleted", in, actorID, events.EventPayload{})
	return id, nil
}

func (s Service) GetInitiative(ctx context.Context, id string) (Response, error) {
	in, err := s.Engine.Repo.GetInitiative(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return respond(in), nil
}

func (s Service) ListInitiatives(ctx context.Context, f repo.InitiativeFilters) ([]Response, error) {
	items, err := s.Engine.Repo.ListInitiatives(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]Response, 0, len(items))
	for _, in := range items {
		res = append(res, respond(in))
	}
	return res, nil
}

// AdvanceStage delegates to the workflow engine and shapes the response.
func (s Service) AdvanceStage(ctx context.Context, id, target, actorID string) (Response, error) {
	var stagePtr *domain.Stage
	if t := strings.TrimSpace(target); t != "" {
		stage, ok := domain.ParseStage(t)
		if !ok {
			return Response{}, fmt.Errorf("%w: unknown stage %q", engine.ErrInvalidInput, t)
		}
		stagePtr = &stage
	}
	in, err := s.Engine.AdvanceStage(ctx, id, stagePtr, actorID)
	if err != nil {
		return Response{}, err
	}
	return respond(in), nil
}

func (s Service) SubmitStage(ctx context.Context, id, stage, actorID string) (Response, error) {
	st, ok := domain.ParseStage(strings.TrimSpace(stage))
	if !ok {
		return Response{}, fmt.Errorf("%w: unknown stage %q", engine.ErrInvalidInput, stage)
	}
	in, err := s.Engine.SubmitStage(ctx, id, st, actorID)
	if err != nil {
		return Response{}, err
	}
	return respond(in), nil
}

func (s Service) DecideApproval(ctx context.Context, opts engine.DecideOptions) (Response, error) {
	in, err := s.Engine.DecideApproval(ctx, opts)
	if err != nil {
		return Response{}, err
	}
	return respond(in), nil
}

// appendEvent writes an audit row outside the mutation transaction for
// operations the repo completed on its own. Best effort: an audit failure
// does not undo the committed write.
func (s Service) appendEvent(ctx context.Context, evtType string, in domain.Initiative, actorID string, payload events.EventPayload) {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := s.Engine.Events.Append(ctx, tx, evtType, in.WorkstreamID, "initiative", in.ID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

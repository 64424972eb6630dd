package server

import (
	"encoding/json"

	"gateline/internal/domain"
	"gateline/internal/service"
)

// Request payloads

type CreateWorkstreamRequest struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	ApproverRoles map[string][]string `json:"approver_roles,omitempty"`
}

type UpsertAccountRequest struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type CreateInitiativeRequest struct {
	ID             *string               `json:"id,omitempty"`
	WorkstreamID   string                `json:"workstream_id"`
	Name           string                `json:"name"`
	Description    *string               `json:"description,omitempty"`
	OwnerAccountID *string               `json:"owner_account_id,omitempty"`
	OwnerName      *string               `json:"owner_name,omitempty"`
	CurrentStatus  *string               `json:"current_status,omitempty"`
	L4Date         *string               `json:"l4_date,omitempty"`
	Stages         service.StageMapInput `json:"stages,omitempty"`
}

type UpdateInitiativeRequest struct {
	WorkstreamID    string                `json:"workstream_id,omitempty"`
	Name            string                `json:"name"`
	Description     *string               `json:"description,omitempty"`
	OwnerAccountID  *string               `json:"owner_account_id,omitempty"`
	OwnerName       *string               `json:"owner_name,omitempty"`
	CurrentStatus   *string               `json:"current_status,omitempty"`
	L4Date          *string               `json:"l4_date,omitempty"`
	Stages          service.StageMapInput `json:"stages,omitempty"`
	ExpectedVersion json.Number           `json:"expected_version"`
}

type AdvanceStageRequest struct {
	TargetStage string `json:"target_stage,omitempty" enum:",l0,l1,l2,l3,l4,l5"`
}

type DecideApprovalRequest struct {
	Decision  string  `json:"decision" enum:"approve,return,reject"`
	AccountID *string `json:"account_id,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

// Response payloads

type TotalsResponse struct {
	RecurringBenefits float64 `json:"recurring_benefits"`
	RecurringCosts    float64 `json:"recurring_costs"`
	OneoffBenefits    float64 `json:"oneoff_benefits"`
	OneoffCosts       float64 `json:"oneoff_costs"`
	RecurringImpact   float64 `json:"recurring_impact"`
}

type InitiativeResponse struct {
	ID             string          `json:"id"`
	WorkstreamID   string          `json:"workstream_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	OwnerAccountID *string         `json:"owner_account_id,omitempty"`
	OwnerName      string          `json:"owner_name,omitempty"`
	CurrentStatus  string          `json:"current_status,omitempty"`
	ActiveStage    string          `json:"active_stage" enum:"l0,l1,l2,l3,l4,l5"`
	L4Date         *string         `json:"l4_date,omitempty"`
	Version        int64           `json:"version"`
	Stages         domain.StageMap `json:"stages"`
	StageState     domain.StateMap `json:"stage_state"`
	Totals         TotalsResponse  `json:"totals"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	StageKey     string  `json:"stage_key" enum:"l0,l1,l2,l3,l4,l5"`
	RoundIndex   int     `json:"round_index"`
	Role         string  `json:"role"`
	Status       string  `json:"status" enum:"pending,approved,returned,rejected"`
	Comment      string  `json:"comment,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	DecidedAt    *string `json:"decided_at,omitempty" format:"date-time"`
}

type WorkstreamResponse struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	ApproverRoles map[domain.Stage][]string `json:"approver_roles"`
	CreatedAt     string                    `json:"created_at" format:"date-time"`
}

type AccountResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	WorkstreamID string         `json:"workstream_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// Conversion helpers

func workstreamFromRequest(req CreateWorkstreamRequest) domain.Workstream {
	ws := domain.Workstream{ID: req.ID, Name: req.Name}
	if len(req.ApproverRoles) > 0 {
		ws.ApproverRoles = make(map[domain.Stage][]string, len(req.ApproverRoles))
		for stage, roles := range req.ApproverRoles {
			ws.ApproverRoles[domain.Stage(stage)] = roles
		}
	}
	return ws
}

func accountFromRequest(req UpsertAccountRequest) domain.Account {
	return domain.Account{
		ID:    req.ID,
		Name:  req.Name,
		Email: req.Email,
		Roles: req.Roles,
	}
}

func domainDecision(raw string) domain.Decision {
	return domain.Decision(raw)
}

func initiativeResponse(res service.Response) InitiativeResponse {
	return InitiativeResponse{
		ID:             res.ID,
		WorkstreamID:   res.WorkstreamID,
		Name:           res.Name,
		Description:    res.Description,
		OwnerAccountID: res.OwnerAccountID,
		OwnerName:      res.OwnerName,
		CurrentStatus:  res.CurrentStatus,
		ActiveStage:    string(res.ActiveStage),
		L4Date:         res.L4Date,
		Version:        res.Version,
		Stages:         res.Stages,
		StageState:     res.StageState,
		Totals:         TotalsResponse(res.Totals),
		CreatedAt:      res.CreatedAt,
		UpdatedAt:      res.UpdatedAt,
	}
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		ID:           a.ID,
		InitiativeID: a.InitiativeID,
		StageKey:     string(a.Stage),
		RoundIndex:   a.Round,
		Role:         a.Role,
		Status:       string(a.Status),
		Comment:      a.Comment,
		CreatedAt:    a.CreatedAt,
		DecidedAt:    a.DecidedAt,
	}
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

func workstreamResponse(ws domain.Workstream) WorkstreamResponse {
	return WorkstreamResponse{
		ID:            ws.ID,
		Name:          ws.Name,
		ApproverRoles: ws.ApproverRoles,
		CreatedAt:     ws.CreatedAt,
	}
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		Roles:     nonNilSlice(a.Roles),
		CreatedAt: a.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		WorkstreamID: e.WorkstreamID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}

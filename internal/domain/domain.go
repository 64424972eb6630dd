package domain

// Stage is one of the six sequential gates an initiative passes through.
type Stage string

const (
	StageL0 Stage = "l0"
	StageL1 Stage = "l1"
	StageL2 Stage = "l2"
	StageL3 Stage = "l3"
	StageL4 Stage = "l4"
	StageL5 Stage = "l5"
)

// Stages lists the gates in order. The index in this slice defines the
// legal advancement sequence.
var Stages = []Stage{StageL0, StageL1, StageL2, StageL3, StageL4, StageL5}

// StageIndex returns the position of s in the gate sequence, or -1.
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage validates a stage token.
func ParseStage(raw string) (Stage, bool) {
	s := Stage(raw)
	return s, StageIndex(s) >= 0
}

// NextStage returns the stage after s, clamped to l5.
func NextStage(s Stage) Stage {
	i := StageIndex(s)
	if i < 0 || i >= len(Stages)-1 {
		return StageL5
	}
	return Stages[i+1]
}

// FinancialKind classifies a financial entry.
type FinancialKind string

const (
	RecurringBenefits FinancialKind = "recurring-benefits"
	RecurringCosts    FinancialKind = "recurring-costs"
	OneoffBenefits    FinancialKind = "oneoff-benefits"
	OneoffCosts       FinancialKind = "oneoff-costs"
)

var FinancialKinds = []FinancialKind{RecurringBenefits, RecurringCosts, OneoffBenefits, OneoffCosts}

// FinancialEntry carries a sparse time distribution of amounts. Only finite
// numbers survive sanitation; the Distribution map never holds NaN or Inf.
type FinancialEntry struct {
	ID           string             `json:"id"`
	Label        string             `json:"label"`
	Category     string             `json:"category,omitempty"`
	Distribution map[string]float64 `json:"distribution"`
}

type StagePayload struct {
	Name        string                             `json:"name,omitempty"`
	Description string                             `json:"description,omitempty"`
	PeriodMonth *int                               `json:"period_month,omitempty"`
	PeriodYear  *int                               `json:"period_year,omitempty"`
	L4Date      *string                            `json:"l4_date,omitempty"`
	Financials  map[FinancialKind][]FinancialEntry `json:"financials,omitempty"`
}

type StageStatus string

const (
	StageDraft    StageStatus = "draft"
	StagePending  StageStatus = "pending"
	StageApproved StageStatus = "approved"
	StageReturned StageStatus = "returned"
	StageRejected StageStatus = "rejected"
)

// StageState tracks the approval lifecycle of one gate. Round counts
// resubmission cycles and only moves forward.
type StageState struct {
	Status  StageStatus `json:"status"`
	Round   int         `json:"round"`
	Comment string      `json:"comment,omitempty"`
}

type StageMap map[Stage]StagePayload

type StateMap map[Stage]StageState

// NewStageMap returns a map with all six keys present and empty payloads.
func NewStageMap() StageMap {
	m := make(StageMap, len(Stages))
	for _, s := range Stages {
		m[s] = StagePayload{}
	}
	return m
}

// NewStateMap returns all six stages in draft at round zero.
func NewStateMap() StateMap {
	m := make(StateMap, len(Stages))
	for _, s := range Stages {
		m[s] = StageState{Status: StageDraft}
	}
	return m
}

// Initiative is the aggregate root. Version starts at 1 and increments by
// exactly one on every successful write; no write succeeds unless the
// caller's expected version matches the stored one.
type Initiative struct {
	ID             string   `json:"id"`
	WorkstreamID   string   `json:"workstream_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	OwnerAccountID *string  `json:"owner_account_id,omitempty"`
	OwnerName      string   `json:"owner_name,omitempty"`
	CurrentStatus  string   `json:"current_status,omitempty"`
	ActiveStage    Stage    `json:"active_stage"`
	L4Date         *string  `json:"l4_date,omitempty"`
	Version        int64    `json:"version"`
	Stages         StageMap `json:"stages"`
	StageState     StateMap `json:"stage_state"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalReturned ApprovalStatus = "returned"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is one row of the audit trail: a single role's sign-off for one
// round of one stage. The (initiative, stage, round, role) tuple is unique
// and rows are never deleted.
type Approval struct {
	ID           string         `json:"id"`
	InitiativeID string         `json:"initiative_id"`
	Stage        Stage          `json:"stage_key"`
	Round        int            `json:"round_index"`
	Role         string         `json:"role"`
	Status       ApprovalStatus `json:"status"`
	Comment      string         `json:"comment,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	DecidedAt    *string        `json:"decided_at,omitempty" format:"date-time"`
}

// Decision is the verb applied to a pending approval row.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReturn  Decision = "return"
	DecisionReject  Decision = "reject"
)

// Status returns the approval status a decision resolves to.
func (d Decision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApprove:
		return ApprovalApproved, true
	case DecisionReturn:
		return ApprovalReturned, true
	case DecisionReject:
		return ApprovalRejected, true
	}
	return "", false
}

// Totals are derived on every read, never persisted.
type Totals struct {
	RecurringBenefits float64 `json:"recurring_benefits"`
	RecurringCosts    float64 `json:"recurring_costs"`
	OneoffBenefits    float64 `json:"oneoff_benefits"`
	OneoffCosts       float64 `json:"oneoff_costs"`
	RecurringImpact   float64 `json:"recurring_impact"`
}

// Workstream groups initiatives and carries the approver-role matrix
// consulted when a stage is submitted.
type Workstream struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	ApproverRoles map[Stage][]string `json:"approver_roles"`
	CreatedAt     string             `json:"created_at" format:"date-time"`
}

// Account is a directory entry used to authorize approval decisions and to
// resolve display names.
type Account struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// HasRole reports whether the account carries the given approver role.
func (a Account) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	WorkstreamID string `json:"workstream_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ClaimStatus is the lifecycle state of a claim.
type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "PENDING"
	ClaimApproved ClaimStatus = "APPROVED"
	ClaimRejected ClaimStatus = "REJECTED"
)

// IsTerminal reports whether no further step may transition.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimApproved || s == ClaimRejected
}

// StepStatus is the lifecycle state of one approval step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepCancelled StepStatus = "CANCELLED"
)

// IsDecided reports whether an approver has acted on the step.
func (s StepStatus) IsDecided() bool {
	return s == StepApproved || s == StepRejected
}

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// StepStatus maps the decision onto the step status it produces.
func (d Decision) StepStatus() StepStatus {
	if d == DecisionApprove {
		return StepApproved
	}
	return StepRejected
}

// Claim is an expense reimbursement request and its frozen approval plan.
type Claim struct {
	ID              uuid.UUID
	CompanyID       uuid.UUID
	SubmitterID     uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	ConvertedAmount decimal.Decimal
	BaseCurrency    string
	ExchangeRate    decimal.Decimal
	// RateStale is set when the conversion used a rate older than Date.
	RateStale      bool
	Category       string
	Description    string
	Date           time.Time
	Status         ClaimStatus
	Rule           RuleConfig
	Steps          []Step
	IdempotencyKey string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Step is one decision point of a claim, bound to one approver.
type Step struct {
	ID         uuid.UUID
	ClaimID    uuid.UUID
	StepNumber int
	ApproverID uuid.UUID
	// Rule is the sub-rule of the claim's configuration that owns this step.
	Rule RuleType
	// Designated marks the designated approver's step of a SPECIFIC_APPROVER rule.
	Designated bool
	Status     StepStatus
	Comments   string
	DecidedAt  *time.Time
}

// StepDraft is a planned step emitted by the hierarchy resolver.
type StepDraft struct {
	StepNumber int
	ApproverID uuid.UUID
	Rule       RuleType
	Designated bool
}

// Clone returns a deep copy of the claim.
func (c *Claim) Clone() *Claim {
	out := *c
	out.Rule = c.Rule.Clone()
	out.Steps = make([]Step, len(c.Steps))
	for i, s := range c.Steps {
		if s.DecidedAt != nil {
			at := *s.DecidedAt
			s.DecidedAt = &at
		}
		out.Steps[i] = s
	}
	return &out
}

// Step returns the step with the given id.
func (c *Claim) Step(id uuid.UUID) (*Step, bool) {
	for i := range c.Steps {
		if c.Steps[i].ID == id {
			return &c.Steps[i], true
		}
	}
	return nil, false
}

// StepsFor returns the approver's steps ordered by step number.
func (c *Claim) StepsFor(approverID uuid.UUID) []Step {
	var out []Step
	for _, s := range c.Steps {
		if s.ApproverID == approverID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// SortSteps orders steps by step number, keeping plan order within a group.
func (c *Claim) SortSteps() {
	sort.SliceStable(c.Steps, func(i, j int) bool { return c.Steps[i].StepNumber < c.Steps[j].StepNumber })
}

// ClaimFilter narrows ListClaims.
type ClaimFilter struct {
	Status   ClaimStatus
	Category string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// ClaimQuery is the repository-level form of a listing: the union of claims
// submitted by SubmitterIDs, claims in CompanyID (when set) and claims with a
// step assigned to ApproverID (when set).
type ClaimQuery struct {
	Filter       ClaimFilter
	SubmitterIDs []uuid.UUID
	CompanyID    *uuid.UUID
	ApproverID   *uuid.UUID
}

// ClaimView is the read-only projection handed to the API layer.
type ClaimView struct {
	ID              uuid.UUID
	SubmitterID     uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	ConvertedAmount decimal.Decimal
	BaseCurrency    string
	RateStale       bool
	Category        string
	Description     string
	Date            time.Time
	Status          ClaimStatus
	RuleType        RuleType
	Steps           []StepView
	CreatedAt       time.Time
}

// StepView projects a step; Actionable is true when the approver can decide it now.
type StepView struct {
	ID         uuid.UUID
	StepNumber int
	ApproverID uuid.UUID
	Rule       RuleType
	Status     StepStatus
	Comments   string
	DecidedAt  *time.Time
	Actionable bool
}

// HasActionable reports whether the viewer can decide any step now.
func (v *ClaimView) HasActionable() bool {
	for _, s := range v.Steps {
		if s.Actionable {
			return true
		}
	}
	return false
}

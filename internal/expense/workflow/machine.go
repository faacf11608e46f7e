// Package workflow owns the claim and step lifecycle. It applies decisions,
// asks the rule evaluator for the resulting transition and applies it to the
// claim in one step, so a failed decision never leaves partial state.
package workflow

import (
	"fmt"
	"time"

	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/gartstein/reimburse/internal/expense/rules"
	"github.com/google/uuid"
)

// Transition describes the effect of one decision.
type Transition struct {
	Claim     *models.Claim
	Step      models.Step
	Verdict   rules.Verdict
	Cancelled []uuid.UUID
}

// Finalized reports whether the decision moved the claim to a terminal state.
func (t *Transition) Finalized() bool {
	return t.Claim.Status.IsTerminal()
}

// Machine is the approval state machine. It holds no state of its own;
// callers serialise access per claim.
type Machine struct{}

func NewMachine() *Machine {
	return &Machine{}
}

// Submit initialises claim with the resolver's plan: claim PENDING, every step
// PENDING. An empty plan finalises the claim as APPROVED immediately.
func (m *Machine) Submit(claim *models.Claim, drafts []models.StepDraft, at time.Time) (rules.Verdict, error) {
	if err := checkPlan(drafts); err != nil {
		return rules.Verdict{}, err
	}

	claim.Status = models.ClaimPending
	claim.Steps = make([]models.Step, len(drafts))
	for i, d := range drafts {
		claim.Steps[i] = models.Step{
			ID:         uuid.New(),
			ClaimID:    claim.ID,
			StepNumber: d.StepNumber,
			ApproverID: d.ApproverID,
			Rule:       d.Rule,
			Designated: d.Designated,
			Status:     models.StepPending,
		}
	}
	claim.SortSteps()
	claim.CreatedAt = at
	claim.UpdatedAt = at

	v := rules.Evaluate(claim.Steps, claim.Rule)
	apply(claim, v, at)
	return v, nil
}

// Decide applies decision to the step. The claim must be PENDING and the step
// PENDING and currently actionable. On error the claim is left untouched.
func (m *Machine) Decide(claim *models.Claim, stepID uuid.UUID, decision models.Decision, comments string, at time.Time) (*Transition, error) {
	if !decision.Valid() {
		return nil, e.Invalid("decision", fmt.Sprintf("%q is not APPROVE or REJECT", decision))
	}
	step, ok := claim.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: step %s on claim %s", e.ErrNotFound, stepID, claim.ID)
	}
	if step.Status.IsDecided() {
		return nil, fmt.Errorf("%w: step %s is %s", e.ErrAlreadyDecided, stepID, step.Status)
	}
	if claim.Status.IsTerminal() || step.Status == models.StepCancelled {
		return nil, fmt.Errorf("%w: claim %s is %s", e.ErrNotActionable, claim.ID, claim.Status)
	}
	if !contains(rules.Actionable(claim.Steps, claim.Rule), stepID) {
		return nil, fmt.Errorf("%w: step %s (number %d) is not active", e.ErrNotActionable, stepID, step.StepNumber)
	}

	next := claim.Clone()
	decided, _ := next.Step(stepID)
	decided.Status = decision.StepStatus()
	decided.Comments = comments
	decided.DecidedAt = &at
	snapshot := *decided

	v := rules.Evaluate(next.Steps, next.Rule)
	cancelled := apply(next, v, at)
	next.UpdatedAt = at

	*claim = *next
	return &Transition{Claim: claim, Step: snapshot, Verdict: v, Cancelled: cancelled}, nil
}

// apply cancels the verdict's unreachable steps and sets the claim status.
func apply(claim *models.Claim, v rules.Verdict, at time.Time) []uuid.UUID {
	var cancelled []uuid.UUID
	for _, id := range v.Cancel {
		if s, ok := claim.Step(id); ok && s.Status == models.StepPending {
			s.Status = models.StepCancelled
			cancelled = append(cancelled, id)
		}
	}
	claim.Status = v.Outcome.ClaimStatus()
	claim.UpdatedAt = at
	return cancelled
}

// checkPlan enforces step numbers contiguous from 1.
func checkPlan(drafts []models.StepDraft) error {
	seen := map[int]bool{}
	highest := 0
	for _, d := range drafts {
		if d.StepNumber < 1 {
			return fmt.Errorf("%w: step number %d", e.ErrInvalidRuleConfig, d.StepNumber)
		}
		if d.ApproverID == uuid.Nil {
			return fmt.Errorf("%w: step %d without approver", e.ErrInvalidRuleConfig, d.StepNumber)
		}
		seen[d.StepNumber] = true
		if d.StepNumber > highest {
			highest = d.StepNumber
		}
	}
	if len(seen) != highest {
		return fmt.Errorf("%w: step numbers not contiguous from 1", e.ErrInvalidRuleConfig)
	}
	return nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Package rules evaluates a claim's approval steps against its rule
// configuration snapshot. Evaluation is a pure function of its inputs.
package rules

import (
	"sort"

	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
)

// Outcome is the claim-level result of an evaluation.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
	// OutcomeAdvance: still pending, and a later stage has just become active.
	OutcomeAdvance Outcome = "ADVANCE"
	OutcomePending Outcome = "PENDING"
)

// IsTerminal reports whether the outcome finalises the claim.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// ClaimStatus maps a terminal outcome to the claim status; non-terminal
// outcomes map to PENDING.
func (o Outcome) ClaimStatus() models.ClaimStatus {
	switch o {
	case OutcomeApproved:
		return models.ClaimApproved
	case OutcomeRejected:
		return models.ClaimRejected
	default:
		return models.ClaimPending
	}
}

// Verdict is the evaluation result.
type Verdict struct {
	Outcome Outcome
	// Active lists the step numbers currently open for decisions.
	Active []int
	// Cancel lists PENDING steps that can no longer influence the outcome.
	Cancel []uuid.UUID
	// SatisfiedBy names the sub-rule whose condition approved the claim.
	SatisfiedBy models.RuleType
}

type state int

const (
	inapplicable state = iota
	alive
	satisfied
	failed
)

type component struct {
	rule   models.RuleType
	state  state
	steps  []models.Step
	active []models.Step
	// fresh is set when a non-first stage is active with no decision yet.
	fresh bool
}

// Evaluate computes the verdict for steps under rule.
func Evaluate(steps []models.Step, rule models.RuleConfig) Verdict {
	comps := assess(steps, rule)

	var v Verdict
	applicable, dead := 0, 0
	for _, c := range comps {
		switch c.state {
		case satisfied:
			if v.SatisfiedBy == "" {
				v.SatisfiedBy = c.rule
			}
			applicable++
		case failed:
			applicable++
			dead++
		case alive:
			applicable++
		}
	}

	switch {
	case v.SatisfiedBy != "" || applicable == 0:
		v.Outcome = OutcomeApproved
		v.Cancel = pendingIDs(steps)
		return v
	case dead == applicable:
		v.Outcome = OutcomeRejected
		v.Cancel = pendingIDs(steps)
		return v
	}

	v.Outcome = OutcomePending
	numbers := map[int]bool{}
	for _, c := range comps {
		switch c.state {
		case failed:
			v.Cancel = append(v.Cancel, pendingIDs(c.steps)...)
		case alive:
			if c.fresh {
				v.Outcome = OutcomeAdvance
			}
			for _, s := range c.active {
				numbers[s.StepNumber] = true
			}
		}
	}
	for n := range numbers {
		v.Active = append(v.Active, n)
	}
	sort.Ints(v.Active)
	return v
}

// Actionable returns the ids of PENDING steps an approver may decide now.
func Actionable(steps []models.Step, rule models.RuleConfig) []uuid.UUID {
	comps := assess(steps, rule)
	for _, c := range comps {
		if c.state == satisfied {
			return nil
		}
	}
	var ids []uuid.UUID
	for _, c := range comps {
		if c.state != alive {
			continue
		}
		for _, s := range c.active {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// assess evaluates every sub-rule against its own steps. All sub-rules are
// always evaluated so the result never depends on configuration order.
func assess(steps []models.Step, rule models.RuleConfig) []component {
	components := rule.Components()
	out := make([]component, 0, len(components))
	for _, sub := range components {
		owned := ownedSteps(steps, sub.Type, len(components) == 1)
		c := component{rule: sub.Type, steps: owned}
		switch sub.Type {
		case models.RuleSequentialManager:
			evalSequential(&c)
		case models.RulePercentage:
			evalPercentage(&c, sub.Threshold)
		case models.RuleSpecificApprover:
			evalSpecific(&c)
		}
		out = append(out, c)
	}
	return out
}

func ownedSteps(steps []models.Step, rule models.RuleType, sole bool) []models.Step {
	var out []models.Step
	for _, s := range steps {
		if s.Rule == rule || (sole && s.Rule == "") {
			out = append(out, s)
		}
	}
	return out
}

// stages groups steps by step number in increasing order.
func stages(steps []models.Step) [][]models.Step {
	byNumber := map[int][]models.Step{}
	var numbers []int
	for _, s := range steps {
		if _, ok := byNumber[s.StepNumber]; !ok {
			numbers = append(numbers, s.StepNumber)
		}
		byNumber[s.StepNumber] = append(byNumber[s.StepNumber], s)
	}
	sort.Ints(numbers)
	out := make([][]models.Step, len(numbers))
	for i, n := range numbers {
		out[i] = byNumber[n]
	}
	return out
}

// evalSequential: every step must approve, stage by stage; one rejection
// anywhere fails the rule.
func evalSequential(c *component) {
	if len(c.steps) == 0 {
		return
	}
	for _, s := range c.steps {
		if s.Status == models.StepRejected {
			c.state = failed
			return
		}
	}
	for i, stage := range stages(c.steps) {
		if allApproved(stage) {
			continue
		}
		c.state = alive
		c.active = pending(stage)
		c.fresh = i > 0 && !anyDecided(stage)
		if len(c.active) == 0 {
			// Cancelled steps in a live stage cannot approve.
			c.state = failed
		}
		return
	}
	c.state = satisfied
}

// evalPercentage: each stage approves once approved/total reaches the
// threshold and fails once the threshold is out of reach.
func evalPercentage(c *component, threshold int) {
	if len(c.steps) == 0 {
		return
	}
	for i, stage := range stages(c.steps) {
		total := len(stage)
		approved, rejected := 0, 0
		for _, s := range stage {
			switch s.Status {
			case models.StepApproved:
				approved++
			case models.StepRejected, models.StepCancelled:
				rejected++
			}
		}
		if approved*100 >= threshold*total {
			continue
		}
		if (total-rejected)*100 < threshold*total {
			c.state = failed
			return
		}
		c.state = alive
		c.active = pending(stage)
		c.fresh = i > 0 && !anyDecided(stage)
		return
	}
	c.state = satisfied
}

// evalSpecific: the designated step alone decides; advisory steps stay open
// while the designated approver has not acted.
func evalSpecific(c *component) {
	var designated *models.Step
	for i := range c.steps {
		if c.steps[i].Designated {
			designated = &c.steps[i]
			break
		}
	}
	if designated == nil {
		return
	}
	switch designated.Status {
	case models.StepApproved:
		c.state = satisfied
	case models.StepRejected, models.StepCancelled:
		c.state = failed
	default:
		c.state = alive
		c.active = pending(c.steps)
	}
}

func allApproved(steps []models.Step) bool {
	for _, s := range steps {
		if s.Status != models.StepApproved {
			return false
		}
	}
	return true
}

func anyDecided(steps []models.Step) bool {
	for _, s := range steps {
		if s.Status.IsDecided() {
			return true
		}
	}
	return false
}

func pending(steps []models.Step) []models.Step {
	var out []models.Step
	for _, s := range steps {
		if s.Status == models.StepPending {
			out = append(out, s)
		}
	}
	return out
}

func pendingIDs(steps []models.Step) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range steps {
		if s.Status == models.StepPending {
			out = append(out, s.ID)
		}
	}
	return out
}

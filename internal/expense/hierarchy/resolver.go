// Package hierarchy turns a submitter's manager chain and the company's
// approval rule into a frozen plan of approval steps.
package hierarchy

import (
	"context"
	"fmt"

	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds manager-chain traversal.
const DefaultMaxDepth = 10

// Directory is the organisational lookup the resolver walks.
type Directory interface {
	// GetManager returns the user's manager id, or nil at the top of the chain.
	GetManager(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
	// ListAdmins returns the ids of the company's ADMIN users.
	ListAdmins(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error)
}

// Resolver computes approval plans.
type Resolver struct {
	dir      Directory
	maxDepth int
	logger   *zap.Logger
}

// NewResolver builds a Resolver. A non-positive maxDepth selects DefaultMaxDepth.
func NewResolver(dir Directory, maxDepth int, logger *zap.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{dir: dir, maxDepth: maxDepth, logger: logger.Named("hierarchy_resolver")}
}

// Resolve returns the ordered step drafts for a claim by submitter under rule.
// Step numbers are contiguous from 1; steps sharing a number form one
// parallel group. The submitter never appears as an approver; a rule that
// designates the submitter is resolved as rule.RecusedFor(submitter.ID), and
// fails with ErrInvalidRuleConfig when no one else is left to decide.
func (r *Resolver) Resolve(ctx context.Context, submitter models.User, rule models.RuleConfig) ([]models.StepDraft, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	configured := rule.Type
	rule, selfDesignated := rule.RecusedFor(submitter.ID)

	chain, err := r.managerChain(ctx, submitter)
	if err != nil {
		return nil, err
	}

	var admins []uuid.UUID
	if rule.IncludeAdmins {
		admins, err = r.admins(ctx, submitter, chain)
		if err != nil {
			return nil, err
		}
	}

	p := &plan{submitter: submitter.ID, next: 1}
	components := rule.Components()
	for _, c := range components {
		switch c.Type {
		case models.RuleSequentialManager:
			for _, id := range chain {
				p.group(c.Type, false, id)
			}
			p.group(c.Type, false, admins...)
		case models.RulePercentage:
			p.group(c.Type, false, append(append([]uuid.UUID{}, chain...), admins...)...)
		case models.RuleSpecificApprover:
			if len(components) == 1 {
				// A lone specific-approver rule keeps the hierarchy as an
				// advisory stage ahead of the designated step.
				p.group(c.Type, false, append(append([]uuid.UUID{}, chain...), admins...)...)
			}
			p.group(c.Type, true, *c.ApproverID)
		}
	}

	if selfDesignated && len(p.drafts) == 0 {
		return nil, fmt.Errorf("%w: submitter %s is the designated %s approver and no one else can decide",
			e.ErrInvalidRuleConfig, submitter.ID, configured)
	}

	r.logger.Debug("resolved approval plan",
		zap.String("submitter_id", submitter.ID.String()),
		zap.String("rule", string(rule.Type)),
		zap.Int("steps", len(p.drafts)),
	)
	return p.drafts, nil
}

// managerChain walks upward from the submitter's manager. The walk is
// iterative over id lookups and bounded by maxDepth.
func (r *Resolver) managerChain(ctx context.Context, submitter models.User) ([]uuid.UUID, error) {
	if !submitter.IsManagerApprover || submitter.ManagerID == nil {
		return nil, nil
	}

	visited := map[uuid.UUID]bool{submitter.ID: true}
	var chain []uuid.UUID
	for next := submitter.ManagerID; next != nil; {
		id := *next
		if visited[id] {
			return nil, fmt.Errorf("%w: %s reached twice from submitter %s", e.ErrManagerChainCycle, id, submitter.ID)
		}
		if len(chain) >= r.maxDepth {
			return nil, fmt.Errorf("%w: chain from submitter %s exceeds depth %d", e.ErrManagerChainCycle, submitter.ID, r.maxDepth)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", e.ErrHierarchyLookup, err)
		}
		visited[id] = true
		chain = append(chain, id)

		mgr, err := r.dir.GetManager(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: manager of %s: %v", e.ErrHierarchyLookup, id, err)
		}
		next = mgr
	}
	return chain, nil
}

func (r *Resolver) admins(ctx context.Context, submitter models.User, chain []uuid.UUID) ([]uuid.UUID, error) {
	ids, err := r.dir.ListAdmins(ctx, submitter.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("%w: admins of company %s: %v", e.ErrHierarchyLookup, submitter.CompanyID, err)
	}
	inChain := make(map[uuid.UUID]bool, len(chain))
	for _, id := range chain {
		inChain[id] = true
	}
	var out []uuid.UUID
	for _, id := range ids {
		if id != submitter.ID && !inChain[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// plan accumulates drafts, handing out contiguous step numbers.
type plan struct {
	submitter uuid.UUID
	next      int
	drafts    []models.StepDraft
}

// group appends one parallel group; empty groups consume no step number.
func (p *plan) group(rule models.RuleType, designated bool, approvers ...uuid.UUID) {
	seen := make(map[uuid.UUID]bool, len(approvers))
	added := false
	for _, id := range approvers {
		if id == p.submitter || seen[id] {
			continue
		}
		seen[id] = true
		added = true
		p.drafts = append(p.drafts, models.StepDraft{
			StepNumber: p.next,
			ApproverID: id,
			Rule:       rule,
			Designated: designated,
		})
	}
	if added {
		p.next++
	}
}

package models

import (
	"fmt"

	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/google/uuid"
)

// RuleType enumerates the closed set of approval rules.
type RuleType string

const (
	RuleSequentialManager RuleType = "SEQUENTIAL_MANAGER"
	RulePercentage        RuleType = "PERCENTAGE"
	RuleSpecificApprover  RuleType = "SPECIFIC_APPROVER"
	RuleHybrid            RuleType = "HYBRID"
)

// RuleConfig is an approval rule configuration. A claim keeps its own copy
// taken at submission time.
type RuleConfig struct {
	Type RuleType `json:"type"`
	// Threshold is the approval percentage (1-100) for PERCENTAGE.
	Threshold int `json:"threshold,omitempty"`
	// ApproverID is the designated approver for SPECIFIC_APPROVER.
	ApproverID *uuid.UUID `json:"approver_id,omitempty"`
	// SubRules are the OR-combined components of a HYBRID rule.
	SubRules []RuleConfig `json:"sub_rules,omitempty"`
	// IncludeAdmins appends the company admins as final approvers.
	IncludeAdmins bool `json:"include_admins,omitempty"`
}

// Validate checks the configuration is well formed.
func (r RuleConfig) Validate() error {
	switch r.Type {
	case RuleSequentialManager:
		return nil
	case RulePercentage:
		if r.Threshold < 1 || r.Threshold > 100 {
			return fmt.Errorf("%w: percentage threshold %d outside 1-100", e.ErrInvalidRuleConfig, r.Threshold)
		}
		return nil
	case RuleSpecificApprover:
		if r.ApproverID == nil || *r.ApproverID == uuid.Nil {
			return fmt.Errorf("%w: specific approver rule without approver", e.ErrInvalidRuleConfig)
		}
		return nil
	case RuleHybrid:
		if len(r.SubRules) < 2 {
			return fmt.Errorf("%w: hybrid rule needs at least two sub-rules", e.ErrInvalidRuleConfig)
		}
		seen := make(map[RuleType]bool, len(r.SubRules))
		for _, sub := range r.SubRules {
			if sub.Type == RuleHybrid {
				return fmt.Errorf("%w: nested hybrid rule", e.ErrInvalidRuleConfig)
			}
			if seen[sub.Type] {
				return fmt.Errorf("%w: duplicate %s sub-rule", e.ErrInvalidRuleConfig, sub.Type)
			}
			seen[sub.Type] = true
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown rule type %q", e.ErrInvalidRuleConfig, r.Type)
	}
}

// Components returns the sub-rules evaluated for this configuration, in
// configured order. A non-hybrid rule is its own single component.
func (r RuleConfig) Components() []RuleConfig {
	if r.Type != RuleHybrid {
		return []RuleConfig{r}
	}
	return r.SubRules
}

// Clone returns a deep copy so a claim's snapshot never aliases company policy.
func (r RuleConfig) Clone() RuleConfig {
	out := r
	if r.ApproverID != nil {
		id := *r.ApproverID
		out.ApproverID = &id
	}
	if r.SubRules != nil {
		out.SubRules = make([]RuleConfig, len(r.SubRules))
		for i, sub := range r.SubRules {
			out.SubRules[i] = sub.Clone()
		}
	}
	return out
}

// RecusedFor returns the rule as it applies to claims submitted by userID.
// A specific-approver sub-rule naming the submitter is withdrawn: a lone one
// falls back to the manager chain, inside a hybrid the remaining sub-rules
// decide. The flag reports whether anything was withdrawn.
func (r RuleConfig) RecusedFor(userID uuid.UUID) (RuleConfig, bool) {
	names := func(c RuleConfig) bool {
		return c.Type == RuleSpecificApprover && c.ApproverID != nil && *c.ApproverID == userID
	}
	fallback := RuleConfig{Type: RuleSequentialManager, IncludeAdmins: r.IncludeAdmins}

	if r.Type != RuleHybrid {
		if names(r) {
			return fallback, true
		}
		return r, false
	}

	var kept []RuleConfig
	for _, sub := range r.SubRules {
		if !names(sub) {
			kept = append(kept, sub.Clone())
		}
	}
	switch {
	case len(kept) == len(r.SubRules):
		return r, false
	case len(kept) == 0:
		return fallback, true
	case len(kept) == 1:
		only := kept[0]
		only.IncludeAdmins = r.IncludeAdmins
		return only, true
	}
	out := r
	out.SubRules = kept
	return out, true
}

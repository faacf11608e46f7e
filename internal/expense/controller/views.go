package controller

import (
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/gartstein/reimburse/internal/expense/rules"
	"github.com/google/uuid"
)

// NewClaimView projects claim for viewerID, marking the viewer's steps that
// are actionable now.
func NewClaimView(claim *models.Claim, viewerID uuid.UUID) *models.ClaimView {
	active := map[uuid.UUID]bool{}
	if claim.Status == models.ClaimPending {
		for _, id := range rules.Actionable(claim.Steps, claim.Rule) {
			active[id] = true
		}
	}

	v := &models.ClaimView{
		ID:              claim.ID,
		SubmitterID:     claim.SubmitterID,
		Amount:          claim.Amount,
		Currency:        claim.Currency,
		ConvertedAmount: claim.ConvertedAmount,
		BaseCurrency:    claim.BaseCurrency,
		RateStale:       claim.RateStale,
		Category:        claim.Category,
		Description:     claim.Description,
		Date:            claim.Date,
		Status:          claim.Status,
		RuleType:        claim.Rule.Type,
		CreatedAt:       claim.CreatedAt,
		Steps:           make([]models.StepView, len(claim.Steps)),
	}
	for i, s := range claim.Steps {
		v.Steps[i] = models.StepView{
			ID:         s.ID,
			StepNumber: s.StepNumber,
			ApproverID: s.ApproverID,
			Rule:       s.Rule,
			Status:     s.Status,
			Comments:   s.Comments,
			DecidedAt:  s.DecidedAt,
			Actionable: s.ApproverID == viewerID && active[s.ID],
		}
	}
	return v
}

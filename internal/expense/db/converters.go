package db

import (
	dbmodels "github.com/gartstein/reimburse/internal/expense/db/models"
	"github.com/gartstein/reimburse/internal/expense/models"
)

func toCompany(r *dbmodels.Company) *models.Company {
	return &models.Company{
		ID:           r.ID,
		Name:         r.Name,
		BaseCurrency: r.BaseCurrency,
		CreatedAt:    r.CreatedAt,
	}
}

func fromCompany(c *models.Company) *dbmodels.Company {
	return &dbmodels.Company{
		ID:           c.ID,
		Name:         c.Name,
		BaseCurrency: c.BaseCurrency,
		CreatedAt:    c.CreatedAt,
	}
}

func toUser(r *dbmodels.User) *models.User {
	return &models.User{
		ID:                r.ID,
		CompanyID:         r.CompanyID,
		Name:              r.Name,
		Email:             r.Email,
		Role:              models.Role(r.Role),
		ManagerID:         r.ManagerID,
		IsManagerApprover: r.IsManagerApprover,
	}
}

func fromUser(u *models.User) *dbmodels.User {
	return &dbmodels.User{
		ID:                u.ID,
		CompanyID:         u.CompanyID,
		Name:              u.Name,
		Email:             u.Email,
		Role:              string(u.Role),
		ManagerID:         u.ManagerID,
		IsManagerApprover: u.IsManagerApprover,
	}
}

func toClaim(r *dbmodels.Claim) *models.Claim {
	c := &models.Claim{
		ID:              r.ID,
		CompanyID:       r.CompanyID,
		SubmitterID:     r.SubmitterID,
		Amount:          r.Amount,
		Currency:        r.Currency,
		ConvertedAmount: r.ConvertedAmount,
		BaseCurrency:    r.BaseCurrency,
		ExchangeRate:    r.ExchangeRate,
		RateStale:       r.RateStale,
		Category:        r.Category,
		Description:     r.Description,
		Date:            r.Date,
		Status:          models.ClaimStatus(r.Status),
		Rule:            r.Rule,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.IdempotencyKey != nil {
		c.IdempotencyKey = *r.IdempotencyKey
	}
	c.Steps = make([]models.Step, len(r.Steps))
	for i := range r.Steps {
		c.Steps[i] = toStep(&r.Steps[i])
	}
	c.SortSteps()
	return c
}

func fromClaim(c *models.Claim) *dbmodels.Claim {
	r := &dbmodels.Claim{
		ID:              c.ID,
		CompanyID:       c.CompanyID,
		SubmitterID:     c.SubmitterID,
		Amount:          c.Amount,
		Currency:        c.Currency,
		ConvertedAmount: c.ConvertedAmount,
		BaseCurrency:    c.BaseCurrency,
		ExchangeRate:    c.ExchangeRate,
		RateStale:       c.RateStale,
		Category:        c.Category,
		Description:     c.Description,
		Date:            c.Date,
		Status:          string(c.Status),
		Rule:            c.Rule,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.IdempotencyKey != "" {
		key := c.IdempotencyKey
		r.IdempotencyKey = &key
	}
	r.Steps = make([]dbmodels.Step, len(c.Steps))
	for i, s := range c.Steps {
		r.Steps[i] = fromStep(s)
	}
	return r
}

func toStep(r *dbmodels.Step) models.Step {
	return models.Step{
		ID:         r.ID,
		ClaimID:    r.ClaimID,
		StepNumber: r.StepNumber,
		ApproverID: r.ApproverID,
		Rule:       models.RuleType(r.Rule),
		Designated: r.Designated,
		Status:     models.StepStatus(r.Status),
		Comments:   r.Comments,
		DecidedAt:  r.DecidedAt,
	}
}

func fromStep(s models.Step) dbmodels.Step {
	return dbmodels.Step{
		ID:         s.ID,
		ClaimID:    s.ClaimID,
		StepNumber: s.StepNumber,
		ApproverID: s.ApproverID,
		Rule:       string(s.Rule),
		Designated: s.Designated,
		Status:     string(s.Status),
		Comments:   s.Comments,
		DecidedAt:  s.DecidedAt,
	}
}

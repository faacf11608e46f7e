package handlers

import (
	"time"

	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/shopspring/decimal"
)

// Wire messages of expense.v1.ExpenseService. They travel as JSON over gRPC
// (content subtype "json") and over the HTTP gateway.

type SubmitClaimRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	// Date is the expense date, YYYY-MM-DD.
	Date           string `json:"date"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type GetClaimRequest struct {
	ID string `json:"id"`
}

type ListClaimsRequest struct {
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type ListApprovalQueueRequest struct{}

type DecideRequest struct {
	ClaimID  string `json:"claim_id"`
	Decision string `json:"decision"`
	Comments string `json:"comments,omitempty"`
}

type ConfigureRuleRequest struct {
	CompanyID string `json:"company_id"`
	// Category scopes the rule; empty installs the company-wide rule.
	Category string            `json:"category,omitempty"`
	Rule     models.RuleConfig `json:"rule"`
}

type ConfigureRuleResponse struct{}

type ClaimResponse struct {
	Claim *Claim `json:"claim"`
}

type ListClaimsResponse struct {
	Claims []*Claim `json:"claims"`
}

type Claim struct {
	ID              string          `json:"id"`
	SubmitterID     string          `json:"submitter_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ConvertedAmount decimal.Decimal `json:"converted_amount"`
	BaseCurrency    string          `json:"base_currency"`
	RateStale       bool            `json:"rate_stale,omitempty"`
	Category        string          `json:"category"`
	Description     string          `json:"description"`
	Date            string          `json:"date"`
	Status          string          `json:"status"`
	Rule            string          `json:"rule"`
	Steps           []*Step         `json:"steps"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Step struct {
	ID         string     `json:"id"`
	StepNumber int        `json:"step_number"`
	ApproverID string     `json:"approver_id"`
	Rule       string     `json:"rule"`
	Status     string     `json:"status"`
	Comments   string     `json:"comments,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Actionable bool       `json:"actionable"`
}

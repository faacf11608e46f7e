package models

import (
	"time"

	domain "github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Claim is an expense claim together with the rule snapshot taken at
// submission. Version is bumped on every persisted transition.
type Claim struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey"`
	CompanyID       uuid.UUID         `gorm:"type:uuid;not null;index"`
	SubmitterID     uuid.UUID         `gorm:"type:uuid;not null;index;uniqueIndex:idx_submitter_idempotency"`
	IdempotencyKey  *string           `gorm:"size:128;uniqueIndex:idx_submitter_idempotency"`
	Amount          decimal.Decimal   `gorm:"type:decimal(20,2);not null"`
	Currency        string            `gorm:"size:3;not null"`
	ConvertedAmount decimal.Decimal   `gorm:"type:decimal(20,2);not null"`
	BaseCurrency    string            `gorm:"size:3;not null"`
	ExchangeRate    decimal.Decimal   `gorm:"type:decimal(20,10);not null"`
	RateStale       bool              `gorm:"not null;default:false"`
	Category        string            `gorm:"size:100;not null;index"`
	Description     string            `gorm:"size:3000"`
	Date            time.Time         `gorm:"not null;index"`
	Status          string            `gorm:"size:16;not null;index"`
	Rule            domain.RuleConfig `gorm:"serializer:json;not null"`
	Version         int               `gorm:"not null;default:1"`
	Steps           []Step            `gorm:"foreignKey:ClaimID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Claim) TableName() string {
	return "expense_claims"
}

// Step is one approval step of a claim. Steps sharing a StepNumber form a
// parallel group.
type Step struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ClaimID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	StepNumber int        `gorm:"not null"`
	ApproverID uuid.UUID  `gorm:"type:uuid;not null;index"`
	Rule       string     `gorm:"size:32"`
	Designated bool       `gorm:"not null;default:false"`
	Status     string     `gorm:"size:16;not null;index"`
	Comments   string     `gorm:"size:3000"`
	DecidedAt  *time.Time
}

func (Step) TableName() string {
	return "approval_steps"
}

// ExchangeRate is one published rate; Day is formatted 2006-01-02.
type ExchangeRate struct {
	Base      string          `gorm:"size:3;primaryKey"`
	Quote     string          `gorm:"size:3;primaryKey"`
	Day       string          `gorm:"size:10;primaryKey"`
	Rate      decimal.Decimal `gorm:"type:decimal(20,10);not null"`
	UpdatedAt time.Time
}

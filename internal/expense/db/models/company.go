// Package models contains the persistence records of the expense service,
// configured to work using GORM as the ORM.
package models

import (
	"time"

	domain "github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
)

// Company is a tenant with its reporting currency.
type Company struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"size:255;not null"`
	BaseCurrency string    `gorm:"size:3;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User is a company member. ManagerID references another user by id only.
type User struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CompanyID         uuid.UUID  `gorm:"type:uuid;not null;index"`
	Name              string     `gorm:"size:255"`
	Email             string     `gorm:"size:255;uniqueIndex"`
	Role              string     `gorm:"size:16;not null;index"`
	ManagerID         *uuid.UUID `gorm:"type:uuid;index"`
	IsManagerApprover bool       `gorm:"not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RuleConfig is an approval rule installed for a company, optionally scoped
// to one expense category. At most one record per scope is active.
type RuleConfig struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	CompanyID uuid.UUID         `gorm:"type:uuid;not null;index:idx_rule_scope"`
	Category  *string           `gorm:"size:100;index:idx_rule_scope"`
	Active    bool              `gorm:"not null;index:idx_rule_scope"`
	Config    domain.RuleConfig `gorm:"serializer:json;not null"`
	CreatedBy uuid.UUID         `gorm:"type:uuid"`
	CreatedAt time.Time
}

func (RuleConfig) TableName() string {
	return "approval_rule_configs"
}

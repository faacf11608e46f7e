// Package models defines the domain model of the expense approval engine:
// companies, users and their capabilities, approval rule configurations,
// claims and their approval steps.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the organisational role of a user.
type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// Company owns users, a base currency and approval rule configurations.
type Company struct {
	ID           uuid.UUID
	Name         string
	BaseCurrency string
	CreatedAt    time.Time
}

// User is a member of a company. ManagerID is a weak reference resolved by id.
type User struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Name      string
	Email     string
	Role      Role
	ManagerID *uuid.UUID
	// IsManagerApprover controls whether the user's direct manager takes part
	// in the approval of the user's claims at all.
	IsManagerApprover bool
}

// Actor is the authenticated caller of an orchestrator operation.
type Actor struct {
	User         User
	Capabilities Capability
}

// NewActor computes the actor's capabilities from role and flags.
func NewActor(u User) Actor {
	return Actor{User: u, Capabilities: CapabilitiesFor(u)}
}

// Capability is a bit set of operations a user may perform.
type Capability uint8

const (
	CanSubmit Capability = 1 << iota
	CanApprove
	CanViewTeam
	CanViewCompany
	CanConfigureRules
)

// Has reports whether every capability in c is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// CapabilitiesFor derives the capability set from the user's role.
func CapabilitiesFor(u User) Capability {
	switch u.Role {
	case RoleEmployee:
		// Employees may still hold steps when named as a designated approver.
		return CanSubmit | CanApprove
	case RoleManager:
		return CanSubmit | CanApprove | CanViewTeam
	case RoleAdmin:
		return CanSubmit | CanApprove | CanViewTeam | CanViewCompany | CanConfigureRules
	default:
		return 0
	}
}

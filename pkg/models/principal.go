package models

import "time"

// PrincipalKind discriminates the two principal variants.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindGroup PrincipalKind = "group"
)

// PrincipalStatus is the lifecycle state of a principal.
type PrincipalStatus string

const (
	StatusActive   PrincipalStatus = "active"
	StatusDisabled PrincipalStatus = "disabled"
	StatusArchived PrincipalStatus = "archived"
)

const (
	// RoleApprover marks a principal as eligible to approve
	// restricted-access requests for secrets it holds a standing grant on.
	RoleApprover = "approver"
	// RoleAdmin permits principal lifecycle operations: status changes and
	// role assignment. The first enrolled user receives it.
	RoleAdmin = "admin"
)

// Principal is a user or a group. Users carry login credentials and an
// authentication-source reference; groups only exist as grant/membership
// targets. Recipient is the public half of the principal's long-lived
// keypair; the private half never appears here (it lives locked in the
// keystore and is unlocked per call).
type Principal struct {
	ID          string
	Kind        PrincipalKind
	Name        string
	DisplayName string
	Status      PrincipalStatus
	Recipient   string // age X25519 recipient, "age1..."
	Roles       []string
	AuthSource  string // users only; "" for groups
	CreatedAt   time.Time
}

// IsActive returns true if the principal can currently act or inherit access.
func (p *Principal) IsActive() bool {
	return p.Status == StatusActive
}

// HasRole returns true if the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MembershipStatus is the lifecycle state of a group membership.
type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipPending MembershipStatus = "pending"
)

// Membership links a user to a group and carries the group's key wrapped
// for that user. A pending membership, or one whose wrap is absent, grants
// no inherited access even though the row exists.
type Membership struct {
	ID              string
	UserID          string
	GroupID         string
	WrappedGroupKey []byte
	Status          MembershipStatus
	CreatedAt       time.Time
}

// GrantsAccess reports whether this membership can contribute the group's
// grants to the member's effective capability set.
func (m *Membership) GrantsAccess() bool {
	return m.Status == MembershipActive && len(m.WrappedGroupKey) > 0
}

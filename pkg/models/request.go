package models

import "time"

// RequestState is the lifecycle state of a restricted-access request.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestBlocked  RequestState = "blocked"
	RequestExpired  RequestState = "expired"
)

// ApprovalDecision is one approver's recorded position on a request.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionBlocked  ApprovalDecision = "blocked"
)

// Approval is one entry in a request's approver snapshot. The snapshot is
// taken at request creation; later grant changes do not alter the pool.
type Approval struct {
	RequestID  string
	ApproverID string
	Decision   ApprovalDecision
	DecidedAt  *time.Time
}

// AccessRequest is a time-boxed ask for read access to a restricted secret.
// WrappedDecrypt is populated by the approval that completes the quorum: the
// secret's decrypt component re-wrapped for the requester, which is what
// makes the temporary access cryptographically real rather than a flag.
type AccessRequest struct {
	ID             string
	SecretID       string
	RequesterID    string
	Reason         string
	State          RequestState
	WrappedDecrypt []byte
	CreatedAt      time.Time
	ViewedAt       *time.Time
	Approvers      []Approval
}

// ValidUntil returns the instant the request stops being usable. The window
// slides: each recorded view restarts a full lifetime from that point.
func (r *AccessRequest) ValidUntil(lifetime time.Duration) time.Time {
	anchor := r.CreatedAt
	if r.ViewedAt != nil && r.ViewedAt.After(anchor) {
		anchor = *r.ViewedAt
	}
	return anchor.Add(lifetime)
}

// IsValidAt reports whether the request is inside its lifetime window at t.
// Expiry is evaluated lazily by callers; no timer marks requests expired.
func (r *AccessRequest) IsValidAt(t time.Time, lifetime time.Duration) bool {
	return t.Before(r.ValidUntil(lifetime))
}

// ApprovalCount returns how many approvers have approved so far.
func (r *AccessRequest) ApprovalCount() int {
	n := 0
	for _, a := range r.Approvers {
		if a.Decision == DecisionApproved {
			n++
		}
	}
	return n
}

// ApproverEntry returns the snapshot entry for the given principal, or nil
// if the principal is not in the pool.
func (r *AccessRequest) ApproverEntry(principalID string) *Approval {
	for i := range r.Approvers {
		if r.Approvers[i].ApproverID == principalID {
			return &r.Approvers[i]
		}
	}
	return nil
}

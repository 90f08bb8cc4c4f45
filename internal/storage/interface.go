package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/keywarden/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a record that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrUnavailable is returned for transient storage failures. Callers may
// retry with backoff; the core itself never retries so multi-row operations
// are never silently duplicated.
var ErrUnavailable = errors.New("storage unavailable")

// LockedKey is a principal's identity sealed under its passphrase, as
// persisted by the local keystore provider.
type LockedKey struct {
	PrincipalID string
	Salt        []byte
	Nonce       []byte
	Ciphertext  []byte
	UpdatedAt   time.Time
}

// LogFilter specifies query parameters for audit log retrieval.
type LogFilter struct {
	ActorID  string
	SecretID string
	Since    *time.Time
	Limit    int
	Offset   int
}

// Backend defines the persistence interface for KeyWarden. Implementations
// must provide read-after-write consistency per entity: capability
// resolution must never observe a half-committed grant.
type Backend interface {
	// Principals
	CreatePrincipal(ctx context.Context, p *models.Principal) error
	GetPrincipal(ctx context.Context, id string) (*models.Principal, error)
	GetPrincipalByName(ctx context.Context, name string) (*models.Principal, error)
	UpdatePrincipalStatus(ctx context.Context, id string, status models.PrincipalStatus) error
	UpdatePrincipalRoles(ctx context.Context, id string, roles []string) error
	ListPrincipals(ctx context.Context, kind models.PrincipalKind) ([]*models.Principal, error)

	// Keystore
	WriteLockedKey(ctx context.Context, key *LockedKey) error
	GetLockedKey(ctx context.Context, principalID string) (*LockedKey, error)

	// Secrets
	CreateSecret(ctx context.Context, s *models.Secret) error
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	GetSecretByName(ctx context.Context, name string) (*models.Secret, error)
	UpdateSecretCiphertext(ctx context.Context, id string, ciphertext []byte, keyVersion int) error
	UpdateSecretMetadata(ctx context.Context, s *models.Secret) error

	// Grants
	UpsertGrant(ctx context.Context, g *models.AccessGrant) error
	GetGrant(ctx context.Context, secretID, principalID string) (*models.AccessGrant, error)
	DeleteGrant(ctx context.Context, secretID, principalID string) error
	ListGrantsBySecret(ctx context.Context, secretID string) ([]*models.AccessGrant, error)
	ListGrantsByPrincipal(ctx context.Context, principalID string) ([]*models.AccessGrant, error)

	// Memberships
	CreateMembership(ctx context.Context, m *models.Membership) error
	GetMembership(ctx context.Context, userID, groupID string) (*models.Membership, error)
	DeleteMembership(ctx context.Context, userID, groupID string) error
	ListMembershipsByUser(ctx context.Context, userID string) ([]*models.Membership, error)
	ListMembersOfGroup(ctx context.Context, groupID string) ([]*models.Membership, error)

	// Restricted-access requests
	CreateRequest(ctx context.Context, r *models.AccessRequest) error
	GetRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	GetLatestRequest(ctx context.Context, secretID, requesterID string) (*models.AccessRequest, error)
	// UpdateRequestState transitions a request between states. The transition
	// is compare-and-set: it reports false without error when the request was
	// not in the expected state, so two concurrent approvals cannot both
	// believe they completed the quorum.
	UpdateRequestState(ctx context.Context, id string, from, to models.RequestState, wrappedDecrypt []byte) (bool, error)
	SetRequestViewed(ctx context.Context, id string, viewedAt time.Time) error
	SetApprovalDecision(ctx context.Context, requestID, approverID string, decision models.ApprovalDecision, decidedAt time.Time) error

	// Tamper-evident log (append-only; no update or delete exists)
	AppendLogEntry(ctx context.Context, entry *models.LogEntry) error
	QueryLog(ctx context.Context, filter LogFilter) ([]*models.LogEntry, error)

	// Metrics helpers
	CountSecrets(ctx context.Context) (int64, error)
	CountPendingRequests(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

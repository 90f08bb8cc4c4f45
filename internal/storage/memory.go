package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/keywarden/pkg/models"
)

// MemoryBackend is an in-process Backend used for the dev server and tests.
// All reads return copies so callers never observe later mutations.
type MemoryBackend struct {
	mu          sync.RWMutex
	principals  map[string]*models.Principal
	lockedKeys  map[string]*LockedKey
	secrets     map[string]*models.Secret
	grants      map[string]*models.AccessGrant // key: secretID + "/" + principalID
	memberships map[string]*models.Membership  // key: userID + "/" + groupID
	requests    map[string]*models.AccessRequest
	log         []*models.LogEntry
	nextLogID   int64
	lastLogTime time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		principals:  map[string]*models.Principal{},
		lockedKeys:  map[string]*LockedKey{},
		secrets:     map[string]*models.Secret{},
		grants:      map[string]*models.AccessGrant{},
		memberships: map[string]*models.Membership{},
		requests:    map[string]*models.AccessRequest{},
		nextLogID:   1,
	}
}

func (m *MemoryBackend) Close() {}

// --- Principals ---

func (m *MemoryBackend) CreatePrincipal(_ context.Context, p *models.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[p.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.principals {
		if existing.Name == p.Name {
			return ErrAlreadyExists
		}
	}
	cp := *p
	m.principals[p.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetPrincipal(_ context.Context, id string) (*models.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryBackend) GetPrincipalByName(_ context.Context, name string) (*models.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.principals {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) UpdatePrincipalStatus(_ context.Context, id string, status models.PrincipalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *MemoryBackend) UpdatePrincipalRoles(_ context.Context, id string, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Roles = append([]string(nil), roles...)
	return nil
}

func (m *MemoryBackend) ListPrincipals(_ context.Context, kind models.PrincipalKind) ([]*models.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Principal
	for _, p := range m.principals {
		if kind != "" && p.Kind != kind {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Keystore ---

func (m *MemoryBackend) WriteLockedKey(_ context.Context, key *LockedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.lockedKeys[key.PrincipalID] = &cp
	return nil
}

func (m *MemoryBackend) GetLockedKey(_ context.Context, principalID string) (*LockedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.lockedKeys[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

// --- Secrets ---

func (m *MemoryBackend) CreateSecret(_ context.Context, s *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[s.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.secrets {
		if existing.Name == s.Name {
			return ErrAlreadyExists
		}
	}
	cp := *s
	m.secrets[s.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetSecret(_ context.Context, id string) (*models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryBackend) GetSecretByName(_ context.Context, name string) (*models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.secrets {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) UpdateSecretCiphertext(_ context.Context, id string, ciphertext []byte, keyVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	s.Ciphertext = append([]byte(nil), ciphertext...)
	s.KeyVersion = keyVersion
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) UpdateSecretMetadata(_ context.Context, in *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[in.ID]
	if !ok {
		return ErrNotFound
	}
	s.Location = in.Location
	s.Restricted = in.Restricted
	s.Enabled = in.Enabled
	s.ExpiresAt = in.ExpiresAt
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Grants ---

func grantKey(secretID, principalID string) string { return secretID + "/" + principalID }

func (m *MemoryBackend) UpsertGrant(_ context.Context, g *models.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	cp.WrappedDecrypt = append([]byte(nil), g.WrappedDecrypt...)
	cp.WrappedModify = append([]byte(nil), g.WrappedModify...)
	m.grants[grantKey(g.SecretID, g.PrincipalID)] = &cp
	return nil
}

func (m *MemoryBackend) GetGrant(_ context.Context, secretID, principalID string) (*models.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[grantKey(secretID, principalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryBackend) DeleteGrant(_ context.Context, secretID, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey(secretID, principalID)
	if _, ok := m.grants[key]; !ok {
		return ErrNotFound
	}
	delete(m.grants, key)
	return nil
}

func (m *MemoryBackend) ListGrantsBySecret(_ context.Context, secretID string) ([]*models.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AccessGrant
	for _, g := range m.grants {
		if g.SecretID == secretID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ListGrantsByPrincipal(_ context.Context, principalID string) ([]*models.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AccessGrant
	for _, g := range m.grants {
		if g.PrincipalID == principalID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Memberships ---

func membershipKey(userID, groupID string) string { return userID + "/" + groupID }

func (m *MemoryBackend) CreateMembership(_ context.Context, mem *models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey(mem.UserID, mem.GroupID)
	if _, ok := m.memberships[key]; ok {
		return ErrAlreadyExists
	}
	cp := *mem
	cp.WrappedGroupKey = append([]byte(nil), mem.WrappedGroupKey...)
	m.memberships[key] = &cp
	return nil
}

func (m *MemoryBackend) GetMembership(_ context.Context, userID, groupID string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.memberships[membershipKey(userID, groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *MemoryBackend) DeleteMembership(_ context.Context, userID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey(userID, groupID)
	if _, ok := m.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(m.memberships, key)
	return nil
}

func (m *MemoryBackend) ListMembershipsByUser(_ context.Context, userID string) ([]*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Membership
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			cp := *mem
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ListMembersOfGroup(_ context.Context, groupID string) ([]*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Membership
	for _, mem := range m.memberships {
		if mem.GroupID == groupID {
			cp := *mem
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Requests ---

func copyRequest(r *models.AccessRequest) *models.AccessRequest {
	cp := *r
	cp.WrappedDecrypt = append([]byte(nil), r.WrappedDecrypt...)
	cp.Approvers = append([]models.Approval(nil), r.Approvers...)
	return &cp
}

func (m *MemoryBackend) CreateRequest(_ context.Context, r *models.AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryBackend) GetRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryBackend) GetLatestRequest(_ context.Context, secretID, requesterID string) (*models.AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.AccessRequest
	for _, r := range m.requests {
		if r.SecretID != secretID || r.RequesterID != requesterID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyRequest(latest), nil
}

func (m *MemoryBackend) UpdateRequestState(_ context.Context, id string, from, to models.RequestState, wrappedDecrypt []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	if wrappedDecrypt != nil {
		r.WrappedDecrypt = append([]byte(nil), wrappedDecrypt...)
	}
	return true, nil
}

func (m *MemoryBackend) SetRequestViewed(_ context.Context, id string, viewedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	t := viewedAt
	r.ViewedAt = &t
	return nil
}

func (m *MemoryBackend) SetApprovalDecision(_ context.Context, requestID, approverID string, decision models.ApprovalDecision, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	for i := range r.Approvers {
		if r.Approvers[i].ApproverID == approverID {
			r.Approvers[i].Decision = decision
			t := decidedAt
			r.Approvers[i].DecidedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

// --- Log ---

func (m *MemoryBackend) AppendLogEntry(_ context.Context, entry *models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextLogID
	m.nextLogID++
	// Timestamps are strictly increasing even when the clock stalls.
	now := time.Now().UTC()
	if !now.After(m.lastLogTime) {
		now = m.lastLogTime.Add(time.Microsecond)
	}
	m.lastLogTime = now
	entry.Timestamp = now
	cp := *entry
	cp.Stamp = append([]byte(nil), entry.Stamp...)
	m.log = append(m.log, &cp)
	return nil
}

func (m *MemoryBackend) QueryLog(_ context.Context, filter LogFilter) ([]*models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.LogEntry
	for i := len(m.log) - 1; i >= 0; i-- {
		e := m.log[i]
		if filter.ActorID != "" && (e.ActorID == nil || !strings.EqualFold(*e.ActorID, filter.ActorID)) {
			continue
		}
		if filter.SecretID != "" && (e.SecretID == nil || *e.SecretID != filter.SecretID) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Metrics ---

func (m *MemoryBackend) CountSecrets(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.secrets)), nil
}

func (m *MemoryBackend) CountPendingRequests(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.requests {
		if r.State == models.RequestPending {
			n++
		}
	}
	return n, nil
}

// Package ledger is the cryptographic access-control engine. Every secret
// owns one asymmetric keypair; principals hold per-grant wrapped copies of
// its halves. Capability is whatever the wraps in front of a principal's
// key actually open; there is no side channel that bypasses the wrapping.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// ErrAccessDenied covers both "no capability" and "no such secret" so a
// denial never confirms a secret's existence to an unauthorized principal.
var ErrAccessDenied = errors.New("access denied")

// ErrInvalidGrant is returned for a grant request carrying neither a
// decrypt nor a modify component.
var ErrInvalidGrant = errors.New("invalid grant: at least one key component required")

// ErrCorruptGrant is returned when a wrapped component cannot be opened
// with the principal's current key. It is surfaced immediately and never
// retried with a different key.
var ErrCorruptGrant = errors.New("corrupt grant: component cannot be unwrapped")

// Components holds a secret's two transient key halves: the decrypt
// component recovers plaintext, the modify component produces new valid
// ciphertext without being able to read the old one. Caller-owned; Zero
// as soon as the operation that needed them completes.
type Components struct {
	decrypt []byte
	modify  []byte
}

// NewComponents builds Components from unwrapped halves. Either may be
// empty when only one capability is in play.
func NewComponents(decrypt, modify string) *Components {
	return &Components{decrypt: []byte(decrypt), modify: []byte(modify)}
}

// Decrypt returns the decrypt component (an identity string), or "".
func (c *Components) Decrypt() string { return string(c.decrypt) }

// Modify returns the modify component (a recipient string), or "".
func (c *Components) Modify() string { return string(c.modify) }

// Zero wipes both halves.
func (c *Components) Zero() {
	crypto.ZeroBytes(c.decrypt)
	crypto.ZeroBytes(c.modify)
	c.decrypt, c.modify = nil, nil
}

// Ledger creates, grants, revokes and resolves capability for secrets.
type Ledger struct {
	store storage.Backend
	chain *membership.Chain
	locks [64]sync.Mutex // striped per-secret serialization for grant mutation
}

// New creates a Ledger.
func New(store storage.Backend, chain *membership.Chain) *Ledger {
	return &Ledger{store: store, chain: chain}
}

func (l *Ledger) lockFor(secretID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(secretID))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// CreateSecret generates a fresh keypair, encrypts the payload and persists
// the secret. The unwrapped components are returned to the caller exactly
// once so the creator can grant itself access; they are never persisted.
func (l *Ledger) CreateSecret(ctx context.Context, name, location string, plaintext []byte, restricted bool, expiresAt *time.Time) (*models.Secret, *Components, error) {
	identity, recipient, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := crypto.Encrypt(plaintext, recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting payload: %w", err)
	}

	now := time.Now().UTC()
	s := &models.Secret{
		ID:         uuid.NewString(),
		Name:       name,
		Location:   location,
		Ciphertext: ciphertext,
		Restricted: restricted,
		Enabled:    true,
		ExpiresAt:  expiresAt,
		KeyVersion: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.CreateSecret(ctx, s); err != nil {
		return nil, nil, fmt.Errorf("persisting secret: %w", err)
	}
	return s, NewComponents(identity, recipient), nil
}

// Grant wraps the supplied components under the principal's recipient and
// persists the grant. Supplying neither component is a contract violation.
func (l *Ledger) Grant(ctx context.Context, secretID, principalID, decryptComponent, modifyComponent, principalRecipient string) (*models.AccessGrant, error) {
	if decryptComponent == "" && modifyComponent == "" {
		return nil, ErrInvalidGrant
	}
	secret, err := l.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}

	g := &models.AccessGrant{
		ID:          uuid.NewString(),
		SecretID:    secretID,
		PrincipalID: principalID,
		KeyVersion:  secret.KeyVersion,
		CreatedAt:   time.Now().UTC(),
	}
	if decryptComponent != "" {
		g.WrappedDecrypt, err = crypto.Encrypt([]byte(decryptComponent), principalRecipient)
		if err != nil {
			return nil, fmt.Errorf("wrapping decrypt component: %w", err)
		}
	}
	if modifyComponent != "" {
		g.WrappedModify, err = crypto.Encrypt([]byte(modifyComponent), principalRecipient)
		if err != nil {
			return nil, fmt.Errorf("wrapping modify component: %w", err)
		}
	}

	mu := l.lockFor(secretID)
	mu.Lock()
	defer mu.Unlock()
	if err := l.store.UpsertGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("persisting grant: %w", err)
	}
	return g, nil
}

// Revoke deletes the grant row. It deliberately does not rotate the
// secret's keypair: remaining grants stay valid, so revocation alone is
// visibility-only until Rotate re-keys and re-grants everyone left.
func (l *Ledger) Revoke(ctx context.Context, secretID, principalID string) error {
	mu := l.lockFor(secretID)
	mu.Lock()
	defer mu.Unlock()
	err := l.store.DeleteGrant(ctx, secretID, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrAccessDenied
	}
	return err
}

// ResolveCapability returns the strongest read capability the principal
// holds on the secret: its direct grant unioned with the grants of every
// group reachable through an active membership. A modify-only grant maps
// to None on this lattice; its write side is checked by the write path.
func (l *Ledger) ResolveCapability(ctx context.Context, principalID, secretID string) (models.Capability, error) {
	best := models.CapabilityNone

	direct, err := l.store.GetGrant(ctx, secretID, principalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return models.CapabilityNone, err
	}
	if direct != nil {
		best = best.Strongest(direct.Capability())
	}

	groups, err := l.chain.ActiveGroups(ctx, principalID)
	if err != nil {
		return models.CapabilityNone, err
	}
	for _, groupID := range groups {
		g, err := l.store.GetGrant(ctx, secretID, groupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return models.CapabilityNone, err
		}
		best = best.Strongest(g.Capability())
	}
	return best, nil
}

// readable reports whether the secret may be read at all right now.
func readable(s *models.Secret) bool {
	return s.Enabled && !s.IsExpired()
}

// UnwrapForRead recovers the plaintext for the principal holding key. The
// returned bytes are caller-owned; drop them as soon as they are used.
// A missing secret and a missing capability are indistinguishable.
func (l *Ledger) UnwrapForRead(ctx context.Context, key *keystore.PrincipalKey, secretID string) ([]byte, error) {
	secret, err := l.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}
	if !readable(secret) {
		return nil, ErrAccessDenied
	}

	decryptIdentity, err := l.openDecryptComponent(ctx, key, secretID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(decryptIdentity)

	plaintext, err := crypto.Decrypt(secret.Ciphertext, string(decryptIdentity))
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not open under granted component", ErrCorruptGrant)
	}
	return plaintext, nil
}

// openDecryptComponent finds the strongest readable grant in front of the
// principal's key and unwraps its decrypt component. A direct grant is
// preferred; an unwrap failure is surfaced immediately, never silently
// retried through the group path with a different key.
func (l *Ledger) openDecryptComponent(ctx context.Context, key *keystore.PrincipalKey, secretID string) ([]byte, error) {
	direct, err := l.store.GetGrant(ctx, secretID, key.PrincipalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if direct != nil && direct.CanRead() {
		component, err := crypto.Decrypt(direct.WrappedDecrypt, key.Identity())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptGrant, err)
		}
		return component, nil
	}

	groups, err := l.chain.ActiveGroups(ctx, key.PrincipalID)
	if err != nil {
		return nil, err
	}
	for _, groupID := range groups {
		g, err := l.store.GetGrant(ctx, secretID, groupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !g.CanRead() {
			continue
		}
		groupIdentity, err := l.chain.ResolveGroupKey(ctx, key, groupID)
		if err != nil {
			return nil, err
		}
		component, err := crypto.Decrypt(g.WrappedDecrypt, groupIdentity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptGrant, err)
		}
		return component, nil
	}
	return nil, ErrAccessDenied
}

// openModifyComponent is the write-side counterpart of openDecryptComponent.
func (l *Ledger) openModifyComponent(ctx context.Context, key *keystore.PrincipalKey, secretID string) ([]byte, error) {
	direct, err := l.store.GetGrant(ctx, secretID, key.PrincipalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if direct != nil && direct.CanWrite() {
		component, err := crypto.Decrypt(direct.WrappedModify, key.Identity())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptGrant, err)
		}
		return component, nil
	}

	groups, err := l.chain.ActiveGroups(ctx, key.PrincipalID)
	if err != nil {
		return nil, err
	}
	for _, groupID := range groups {
		g, err := l.store.GetGrant(ctx, secretID, groupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !g.CanWrite() {
			continue
		}
		groupIdentity, err := l.chain.ResolveGroupKey(ctx, key, groupID)
		if err != nil {
			return nil, err
		}
		component, err := crypto.Decrypt(g.WrappedModify, groupIdentity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptGrant, err)
		}
		return component, nil
	}
	return nil, ErrAccessDenied
}

// WriteCiphertext replaces the secret's payload using the principal's
// modify capability. A write-only grant suffices: producing new ciphertext
// never requires being able to read the old one.
func (l *Ledger) WriteCiphertext(ctx context.Context, key *keystore.PrincipalKey, secretID string, plaintext []byte) error {
	secret, err := l.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrAccessDenied
		}
		return err
	}
	if !secret.Enabled {
		return ErrAccessDenied
	}

	recipient, err := l.openModifyComponent(ctx, key, secretID)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(recipient)

	ciphertext, err := crypto.Encrypt(plaintext, string(recipient))
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}
	return l.store.UpdateSecretCiphertext(ctx, secretID, ciphertext, secret.KeyVersion)
}

// OpenComponents unwraps the components the caller holds for a secret so
// they can be re-granted onward. Only the requested halves are opened;
// asking for a half the caller has no grant for fails with ErrAccessDenied.
func (l *Ledger) OpenComponents(ctx context.Context, key *keystore.PrincipalKey, secretID string, needRead, needWrite bool) (*Components, error) {
	c := &Components{}
	if needRead {
		decrypt, err := l.openDecryptComponent(ctx, key, secretID)
		if err != nil {
			return nil, err
		}
		c.decrypt = decrypt
	}
	if needWrite {
		modify, err := l.openModifyComponent(ctx, key, secretID)
		if err != nil {
			c.Zero()
			return nil, err
		}
		c.modify = modify
	}
	return c, nil
}

// RewrapDecryptFor unwraps the caller's decrypt component for a secret and
// re-wraps it under another principal's recipient. This is how approved
// temporary access is materialized: the component travels from an approver's
// grant to the requester without ever being persisted in the clear.
func (l *Ledger) RewrapDecryptFor(ctx context.Context, key *keystore.PrincipalKey, secretID, recipient string) ([]byte, error) {
	component, err := l.openDecryptComponent(ctx, key, secretID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(component)
	wrapped, err := crypto.Encrypt(component, recipient)
	if err != nil {
		return nil, fmt.Errorf("re-wrapping decrypt component: %w", err)
	}
	return wrapped, nil
}

// ListAccessible returns the secrets the principal can see through direct
// or group-inherited grants.
func (l *Ledger) ListAccessible(ctx context.Context, principalID string) ([]*models.Secret, error) {
	seen := map[string]bool{}
	var out []*models.Secret

	collect := func(grants []*models.AccessGrant) error {
		for _, g := range grants {
			if seen[g.SecretID] {
				continue
			}
			seen[g.SecretID] = true
			s, err := l.store.GetSecret(ctx, g.SecretID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, s)
		}
		return nil
	}

	direct, err := l.store.ListGrantsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := collect(direct); err != nil {
		return nil, err
	}

	groups, err := l.chain.ActiveGroups(ctx, principalID)
	if err != nil {
		return nil, err
	}
	for _, groupID := range groups {
		grants, err := l.store.ListGrantsByPrincipal(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if err := collect(grants); err != nil {
			return nil, err
		}
	}
	return out, nil
}

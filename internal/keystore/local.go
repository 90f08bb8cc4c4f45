package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// LocalProvider stores each principal's identity scrypt-locked under its
// passphrase. It is the built-in provider for deployments without an
// external directory.
type LocalProvider struct {
	store storage.Backend
}

// NewLocalProvider creates a LocalProvider backed by the given storage.
func NewLocalProvider(store storage.Backend) *LocalProvider {
	return &LocalProvider{store: store}
}

// Enroll locks an identity under the passphrase and persists it. Used at
// principal creation and after key rotation.
func (p *LocalProvider) Enroll(ctx context.Context, principalID, identity string, passphrase []byte) error {
	locked, err := crypto.LockKey([]byte(identity), passphrase)
	if err != nil {
		return fmt.Errorf("locking identity: %w", err)
	}
	rec := &storage.LockedKey{
		PrincipalID: principalID,
		Salt:        locked.Salt,
		Nonce:       locked.Nonce,
		Ciphertext:  locked.Ciphertext,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := p.store.WriteLockedKey(ctx, rec); err != nil {
		return fmt.Errorf("persisting locked key: %w", err)
	}
	return nil
}

// Unlock opens the principal's locked identity with the passphrase. Inactive
// principals cannot unlock regardless of credentials.
func (p *LocalProvider) Unlock(ctx context.Context, principal *models.Principal, creds Credentials) (*PrincipalKey, error) {
	if !principal.IsActive() {
		return nil, ErrUnlockFailed
	}
	rec, err := p.store.GetLockedKey(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnlockFailed
		}
		return nil, err
	}
	identity, err := crypto.UnlockKey(&crypto.LockedKey{
		Salt:       rec.Salt,
		Nonce:      rec.Nonce,
		Ciphertext: rec.Ciphertext,
	}, creds.Passphrase)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	defer crypto.ZeroBytes(identity)

	key, err := NewPrincipalKey(principal.ID, string(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing unlocked identity: %w", err)
	}
	return key, nil
}

// ChangePassphrase re-locks the identity under a new passphrase. The wrapped
// grants addressed to the principal stay valid because the keypair itself
// does not change.
func (p *LocalProvider) ChangePassphrase(ctx context.Context, principal *models.Principal, oldPass, newPass []byte) error {
	key, err := p.Unlock(ctx, principal, Credentials{Passphrase: oldPass})
	if err != nil {
		return err
	}
	defer key.Zero()
	return p.Enroll(ctx, principal.ID, key.Identity(), newPass)
}

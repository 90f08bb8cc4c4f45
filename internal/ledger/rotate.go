package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// Rotate re-keys a secret: a fresh keypair is generated, the payload is
// re-encrypted under it, and every standing grant is re-wrapped with the
// new components, preserving each grant's capability shape. The caller
// needs both components, which makes Rotate the second half of a real
// revocation: Revoke then Rotate leaves the removed principal holding
// wraps of a retired keypair.
func (l *Ledger) Rotate(ctx context.Context, key *keystore.PrincipalKey, secretID string) (*models.Secret, error) {
	mu := l.lockFor(secretID)
	mu.Lock()
	defer mu.Unlock()

	secret, err := l.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}

	oldDecrypt, err := l.openDecryptComponent(ctx, key, secretID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(oldDecrypt)
	if _, err := l.openModifyComponent(ctx, key, secretID); err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(secret.Ciphertext, string(oldDecrypt))
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not open under granted component", ErrCorruptGrant)
	}
	defer crypto.ZeroBytes(plaintext)

	newIdentity, newRecipient, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(plaintext, newRecipient)
	if err != nil {
		return nil, fmt.Errorf("re-encrypting payload: %w", err)
	}

	grants, err := l.store.ListGrantsBySecret(ctx, secretID)
	if err != nil {
		return nil, err
	}
	newVersion := secret.KeyVersion + 1
	for _, g := range grants {
		p, err := l.store.GetPrincipal(ctx, g.PrincipalID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		rewrapped := &models.AccessGrant{
			ID:          g.ID,
			SecretID:    secretID,
			PrincipalID: g.PrincipalID,
			KeyVersion:  newVersion,
			CreatedAt:   g.CreatedAt,
		}
		if g.CanRead() {
			rewrapped.WrappedDecrypt, err = crypto.Encrypt([]byte(newIdentity), p.Recipient)
			if err != nil {
				return nil, fmt.Errorf("re-wrapping decrypt component for %s: %w", p.ID, err)
			}
		}
		if g.CanWrite() {
			rewrapped.WrappedModify, err = crypto.Encrypt([]byte(newRecipient), p.Recipient)
			if err != nil {
				return nil, fmt.Errorf("re-wrapping modify component for %s: %w", p.ID, err)
			}
		}
		if err := l.store.UpsertGrant(ctx, rewrapped); err != nil {
			return nil, fmt.Errorf("persisting re-wrapped grant: %w", err)
		}
	}

	if err := l.store.UpdateSecretCiphertext(ctx, secretID, ciphertext, newVersion); err != nil {
		return nil, err
	}
	secret.Ciphertext = ciphertext
	secret.KeyVersion = newVersion
	secret.UpdatedAt = time.Now().UTC()
	return secret, nil
}

// UpdateMetadata changes the non-cryptographic attributes of a secret.
// Metadata edits require no key material and leave the ciphertext alone.
func (l *Ledger) UpdateMetadata(ctx context.Context, secretID, name, location string, enabled bool, expiresAt *time.Time) (*models.Secret, error) {
	mu := l.lockFor(secretID)
	mu.Lock()
	defer mu.Unlock()

	secret, err := l.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}
	if name != "" {
		secret.Name = name
	}
	if location != "" {
		secret.Location = location
	}
	secret.Enabled = enabled
	secret.ExpiresAt = expiresAt
	secret.UpdatedAt = time.Now().UTC()
	if err := l.store.UpdateSecretMetadata(ctx, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

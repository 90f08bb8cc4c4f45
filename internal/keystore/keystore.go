// Package keystore resolves a principal's long-lived key from credentials.
// Authentication itself is external; this package only models the capability
// "unlock(principal, credentials) -> key" with one provider per backend,
// selected by configuration at startup.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// ErrUnlockFailed is returned when credentials do not open the principal's
// locked key, or the principal may not act (disabled, archived, no key).
var ErrUnlockFailed = errors.New("unlock failed")

// Credentials are the secrets a principal presents to unlock its key.
type Credentials struct {
	Passphrase []byte
}

// PrincipalKey is a principal's unlocked keypair. It is caller-owned and
// short-lived: call Zero as soon as the operation that needed it completes.
type PrincipalKey struct {
	PrincipalID string
	Recipient   string
	identity    []byte
}

// NewPrincipalKey builds a PrincipalKey from an identity string. The
// recipient is derived so callers cannot pair mismatched halves.
func NewPrincipalKey(principalID, identity string) (*PrincipalKey, error) {
	recipient, err := crypto.RecipientOf(identity)
	if err != nil {
		return nil, err
	}
	return &PrincipalKey{
		PrincipalID: principalID,
		Recipient:   recipient,
		identity:    []byte(identity),
	}, nil
}

// Identity returns the private half for unwrap operations.
func (k *PrincipalKey) Identity() string {
	return string(k.identity)
}

// Zero wipes the private half from memory.
func (k *PrincipalKey) Zero() {
	crypto.ZeroBytes(k.identity)
	k.identity = nil
}

// Provider unlocks principal keys. Implementations correspond to
// authentication backends; the core never manages authentication itself.
type Provider interface {
	Unlock(ctx context.Context, principal *models.Principal, creds Credentials) (*PrincipalKey, error)
}

// New returns the Provider named by kind. Only the local passphrase
// provider ships with the core; directory-backed providers plug in here.
func New(kind string, store storage.Backend) (Provider, error) {
	switch kind {
	case "", "local":
		return NewLocalProvider(store), nil
	default:
		return nil, fmt.Errorf("unknown keystore provider %q", kind)
	}
}

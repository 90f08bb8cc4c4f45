package models

import "time"

// Capability is the strength of a principal's read access to a secret.
type Capability int

const (
	CapabilityNone Capability = iota
	CapabilityReadOnly
	CapabilityReadWrite
)

func (c Capability) String() string {
	switch c {
	case CapabilityReadOnly:
		return "read-only"
	case CapabilityReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// Strongest returns the stronger of two capabilities. A principal holding
// both a direct and a group-derived grant is never downgraded by the weaker.
func (c Capability) Strongest(other Capability) Capability {
	if other > c {
		return other
	}
	return c
}

// CanRead reports whether the capability allows recovering plaintext.
func (c Capability) CanRead() bool { return c >= CapabilityReadOnly }

// CanWrite reports whether the capability allows producing new ciphertext.
func (c Capability) CanWrite() bool { return c == CapabilityReadWrite }

// Secret is a stored credential. The payload ciphertext is produced with the
// secret's own keypair; the keypair itself exists at rest only as per-grant
// wrapped copies. KeyVersion increments on rotation so stale grant wraps are
// detectable.
type Secret struct {
	ID         string
	Name       string
	Location   string
	Ciphertext []byte
	Restricted bool
	Enabled    bool
	ExpiresAt  *time.Time
	KeyVersion int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsExpired returns true if the secret has passed its expiry time.
func (s *Secret) IsExpired() bool {
	return s.ExpiresAt != nil && time.Now().After(*s.ExpiresAt)
}

// AccessGrant is one principal's wrapped copy of a secret's key components.
// WrappedDecrypt present ⇒ the principal can read; WrappedModify present ⇒
// it can write new ciphertext. A grant with neither component is invalid and
// is rejected before persistence; a modify-only grant is legal (write-only).
type AccessGrant struct {
	ID             string
	SecretID       string
	PrincipalID    string
	WrappedDecrypt []byte
	WrappedModify  []byte
	KeyVersion     int
	CreatedAt      time.Time
}

// CanRead reports whether this grant alone allows reading.
func (g *AccessGrant) CanRead() bool { return len(g.WrappedDecrypt) > 0 }

// CanWrite reports whether this grant alone allows writing.
func (g *AccessGrant) CanWrite() bool { return len(g.WrappedModify) > 0 }

// Capability maps the grant's wraps onto the read-capability lattice.
// A modify-only grant contributes no read capability; its write side is
// checked separately via CanWrite.
func (g *AccessGrant) Capability() Capability {
	switch {
	case g.CanRead() && g.CanWrite():
		return CapabilityReadWrite
	case g.CanRead():
		return CapabilityReadOnly
	default:
		return CapabilityNone
	}
}

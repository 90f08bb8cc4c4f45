package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// ErrUnwrapFailed is returned when a wrapped component cannot be opened with
// the supplied identity. It is never masked by a retry with a different key.
var ErrUnwrapFailed = errors.New("unwrap failed")

// GenerateKeypair generates a fresh X25519 keypair and returns the identity
// (private half, enables decryption) and recipient (public half, enables
// producing new ciphertext) as their age string encodings.
func GenerateKeypair() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// RecipientOf derives the public recipient from an identity string.
func RecipientOf(identity string) (string, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return "", fmt.Errorf("parsing identity: %w", err)
	}
	return id.Recipient().String(), nil
}

// Encrypt encrypts plaintext to a recipient. Used both for payload
// ciphertext (to a secret's own recipient) and for wrapping key components
// under a principal's recipient.
func Encrypt(plaintext []byte, recipient string) ([]byte, error) {
	rcpt, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rcpt)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens ciphertext with an identity. A failure surfaces as
// ErrUnwrapFailed so callers can map it to their corrupt-grant taxonomy.
func Decrypt(ciphertext []byte, identity string) ([]byte, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return plaintext, nil
}

// --- Keystore lock ---

// scrypt parameters: interactive-login cost (N=2^15) with a 16-byte salt.
const (
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
	scryptSaltLen = 16
	scryptKeyLen  = 32
)

// LockedKey is key material locked under a passphrase-derived key.
type LockedKey struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// LockKey seals key material under a passphrase using scrypt + AES-256-GCM.
func LockKey(material, passphrase []byte) (*LockedKey, error) {
	salt := make([]byte, scryptSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving lock key: %w", err)
	}
	defer ZeroBytes(key)

	ciphertext, nonce, err := EncryptAESGCM(material, key)
	if err != nil {
		return nil, fmt.Errorf("sealing key material: %w", err)
	}
	return &LockedKey{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// UnlockKey opens a LockedKey with the passphrase. A wrong passphrase
// surfaces as ErrUnwrapFailed.
func UnlockKey(locked *LockedKey, passphrase []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, locked.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving lock key: %w", err)
	}
	defer ZeroBytes(key)

	material, err := DecryptAESGCM(locked.Ciphertext, locked.Nonce, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return material, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// --- Tamper stamps ---

// stampSeparator joins the stamped fields. Absent fields stay as empty
// strings so every field position is always present in the digest input.
const stampSeparator = "\x1f"

// DeriveMACKey derives the audit-log MAC key from the server root key using
// HKDF-SHA256 with a versioned context string.
func DeriveMACKey(rootKey []byte, context string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving MAC key: %w", err)
	}
	return key, nil
}

// Stamp computes the tamper stamp over {actor id, secret id, event text}.
func Stamp(key []byte, actorID, secretID, event string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(actorID))
	mac.Write([]byte(stampSeparator))
	mac.Write([]byte(secretID))
	mac.Write([]byte(stampSeparator))
	mac.Write([]byte(event))
	return mac.Sum(nil)
}

// VerifyStamp recomputes the stamp and compares in constant time.
func VerifyStamp(key []byte, actorID, secretID, event string, stamp []byte) bool {
	return hmac.Equal(Stamp(key, actorID, secretID, event), stamp)
}

// ZeroBytes wipes key material after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

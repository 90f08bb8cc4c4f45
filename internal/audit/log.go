// Package audit implements the tamper-evident operation log. Entries are
// append-only and carry a keyed digest over the acting principal, affected
// secret and event text; verification is for audit tooling, never for
// access decisions.
package audit

import (
	"context"
	"fmt"

	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

const macContext = "keywarden-audit-v1"

// Log writes and verifies tamper-stamped entries.
type Log struct {
	store  storage.Backend
	macKey []byte
}

// NewLog derives the stamp MAC key from the server root key and returns a
// ready Log.
func NewLog(store storage.Backend, rootKey []byte) (*Log, error) {
	macKey, err := crypto.DeriveMACKey(rootKey, macContext)
	if err != nil {
		return nil, err
	}
	return &Log{store: store, macKey: macKey}, nil
}

// Record appends an entry. Empty actorID/secretID mean "system event" and
// "no secret involved"; their field positions still enter the digest. The
// backend assigns a strictly increasing timestamp.
func (l *Log) Record(ctx context.Context, actorID, secretID, event string) (*models.LogEntry, error) {
	entry := &models.LogEntry{
		Event: event,
		Stamp: crypto.Stamp(l.macKey, actorID, secretID, event),
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}
	if secretID != "" {
		entry.SecretID = &secretID
	}
	if err := l.store.AppendLogEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending log entry: %w", err)
	}
	return entry, nil
}

// Verify recomputes an entry's stamp and compares.
func (l *Log) Verify(entry *models.LogEntry) bool {
	actorID, secretID := "", ""
	if entry.ActorID != nil {
		actorID = *entry.ActorID
	}
	if entry.SecretID != nil {
		secretID = *entry.SecretID
	}
	return crypto.VerifyStamp(l.macKey, actorID, secretID, entry.Event, entry.Stamp)
}

// Query retrieves entries matching the filter, newest first.
func (l *Log) Query(ctx context.Context, filter storage.LogFilter) ([]*models.LogEntry, error) {
	return l.store.QueryLog(ctx, filter)
}

// Sweep verifies every entry matching the filter and returns the IDs of
// entries whose stamps no longer match.
func (l *Log) Sweep(ctx context.Context, filter storage.LogFilter) (checked int, tampered []int64, err error) {
	entries, err := l.store.QueryLog(ctx, filter)
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		if !l.Verify(e) {
			tampered = append(tampered, e.ID)
		}
	}
	return len(entries), tampered, nil
}

package models

import "time"

// LogEntry records a single sensitive operation. Entries are immutable once
// written; the subsystem exposes no update or delete. ActorID and SecretID
// are nullable (system events, principal-only events). Stamp is a keyed
// digest over {actor id, secret id, event text} used to detect post-hoc
// alteration, not to gate access.
type LogEntry struct {
	ID        int64
	ActorID   *string
	SecretID  *string
	Event     string
	Timestamp time.Time
	Stamp     []byte
}

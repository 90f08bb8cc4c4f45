package workflow

import (
	"context"

	"github.com/rs/zerolog"
)

// Event kinds emitted by the workflow.
const (
	EventRequestCreated  = "request_created"
	EventRequestApproved = "request_approved"
	EventRequestBlocked  = "request_blocked"
)

// Event describes a workflow transition worth telling someone about.
type Event struct {
	Kind       string
	RequestID  string
	SecretID   string
	Recipients []string
}

// Notifier delivers workflow events to interested principals. Delivery is
// best-effort: a failed notification never rolls back the transition that
// produced it.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. It is the default sink
// when no external delivery channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info().
		Str("event", ev.Kind).
		Str("request_id", ev.RequestID).
		Str("secret_id", ev.SecretID).
		Strs("recipients", ev.Recipients).
		Msg("workflow notification")
	return nil
}

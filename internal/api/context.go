package api

import (
	"context"

	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/pkg/models"
)

type contextKey string

const (
	ctxKeySession   contextKey = "session"
	ctxKeyRequestID contextKey = "request_id"
)

// session is an authenticated caller: the principal row plus its unlocked
// key. The key lives only for the duration of the request.
type session struct {
	Principal *models.Principal
	Key       *keystore.PrincipalKey
}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

func sessionFromCtx(ctx context.Context) *session {
	s, _ := ctx.Value(ctxKeySession).(*session)
	return s
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

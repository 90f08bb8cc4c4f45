package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/storage"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves Basic credentials to a principal and unlocks its
// key for the duration of the request. Routes registered before auth
// (sys/health, metrics) skip this.
func authMiddleware(store storage.Backend, keys keystore.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, passphrase, ok := r.BasicAuth()
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			principal, err := store.GetPrincipalByName(r.Context(), name)
			if err != nil {
				writeError(w, http.StatusForbidden, "invalid credentials")
				return
			}
			key, err := keys.Unlock(r.Context(), principal, keystore.Credentials{Passphrase: []byte(passphrase)})
			if err != nil {
				writeError(w, http.StatusForbidden, "invalid credentials")
				return
			}
			defer key.Zero()

			ctx := withSession(r.Context(), &session{Principal: principal, Key: key})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// auditMiddleware records every request and its response code. The actor is
// the authenticated principal when one exists; the secret is taken from the
// route when the path addresses one.
func auditMiddleware(auditor AuditRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			actorID := ""
			if s := sessionFromCtx(r.Context()); s != nil {
				actorID = s.Principal.ID
			}
			event := fmt.Sprintf("%s %s %d", r.Method, r.URL.Path, rr.statusCode)
			if _, err := auditor.Record(r.Context(), actorID, secretIDFromPath(r.URL.Path), event); err != nil {
				log.Error().Err(err).Str("event", event).Msg("audit record failed")
			}
		})
	}
}

// secretIDFromPath extracts the secret ID from /v1/secrets/{id}[/...].
func secretIDFromPath(path string) string {
	const prefix = "/v1/secrets/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: time.Now()}
		rl.buckets[ip] = b
	}
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// helpers

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

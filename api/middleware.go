/*
middleware.go - Actor identity, rate limiting and request logging

PURPOSE:
  The server sits behind an authenticating proxy. The proxy forwards the
  caller's identity in trusted headers; ActorMiddleware turns them into a
  ledger.Actor on the request context. Handlers never read the headers
  directly.

HEADERS:
  X-Actor-ID    user identifier (required)
  X-Actor-Role  Supplier | Analyst | ComplianceManager | Director | Administrator
  X-Actor-Org   organization id; required for suppliers

SEE ALSO:
  - server.go: middleware order
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lcfs/compliance-ledger/ledger"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderActorOrg  = "X-Actor-Org"
)

type actorKey struct{}

// ActorFrom returns the actor attached by ActorMiddleware.
func ActorFrom(ctx context.Context) (ledger.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(ledger.Actor)
	return a, ok
}

func WithActor(ctx context.Context, a ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorMiddleware rejects requests without a valid actor.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ledger.Actor{
			ID:   r.Header.Get(HeaderActorID),
			Role: ledger.Role(r.Header.Get(HeaderActorRole)),
		}
		if org := r.Header.Get(HeaderActorOrg); org != "" {
			id, err := strconv.ParseInt(org, 10, 64)
			if err != nil {
				writeError(w, r, ledger.NewValidationError(HeaderActorOrg, "must be an organization id"))
				return
			}
			actor.OrganizationID = ledger.OrganizationID(id)
		}
		if actor.Role == ledger.RoleSystem {
			writeError(w, r, ledger.NewValidationError(HeaderActorRole, "the system role is internal"))
			return
		}
		if err := actor.Validate(); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimiter keeps one token bucket per actor, or per remote address for
// requests that carry no actor.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	logger   logrus.FieldLogger
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int, logger logrus.FieldLogger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderActorID)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key, time.Now()).Allow() {
			rl.logger.WithFields(logrus.Fields{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Code: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep drops limiters idle for longer than the TTL. The scheduler calls it.
func (rl *RateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one line per request with logrus.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			if id := r.Header.Get(HeaderActorID); id != "" {
				entry = entry.WithField("actor", id)
			}
			switch {
			case ww.Status() >= 500:
				entry.Error("request failed")
			case ww.Status() >= 400:
				entry.Info("request rejected")
			default:
				entry.Debug("request served")
			}
		})
	}
}

/*
auth.go - Account identity and per-account rate limiting

IDENTITY:
  The vault trusts the account string it is given and never validates its
  format. Two resolvers supply it:
    HeaderIdentity  reads a header set by a trusted gateway (X-Account)
    JWTIdentity     verifies an HS256 bearer token and uses its subject

RATE LIMITING:
  One token bucket per account (golang.org/x/time/rate). Requests over the
  limit get 429 before reaching a handler.

SEE ALSO:
  - server.go: middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var errUnauthenticated = errors.New("unauthenticated")

type ctxKey int

const accountKey ctxKey = iota

// WithAccount returns ctx carrying account.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// AccountFrom returns the account resolved for the request, or "".
func AccountFrom(ctx context.Context) string {
	account, _ := ctx.Value(accountKey).(string)
	return account
}

// IdentityResolver extracts the calling account from a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity reads the account from a request header.
type HeaderIdentity struct {
	Header string
}

func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	account := strings.TrimSpace(r.Header.Get(h.Header))
	if account == "" {
		return "", fmt.Errorf("%w: missing %s header", errUnauthenticated, h.Header)
	}
	return account, nil
}

// JWTIdentity verifies HS256 bearer tokens; the subject is the account.
type JWTIdentity struct {
	Secret []byte
}

func (j JWTIdentity) Resolve(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("%w: missing bearer token", errUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return j.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}
	return claims.Subject, nil
}

// SignToken issues an HS256 token for account. Used by tooling and tests.
func SignToken(secret []byte, account string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: account})
	return token.SignedString(secret)
}

// RequireAccount rejects requests without a resolvable account.
func RequireAccount(resolver IdentityResolver, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, err := resolver.Resolve(r)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
				}).WithError(err).Debug("authentication failed")
				writeError(w, http.StatusUnauthorized, "Unauthenticated", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

// =============================================================================
// RATE LIMITER
// =============================================================================

// RateLimiter keeps one token bucket per account. Buckets idle for longer
// than the idle window are evicted by Cleanup.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   logrus.FieldLogger

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst for every account.
func NewRateLimiter(rps float64, burst int, logger logrus.FieldLogger) *RateLimiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) now() time.Time {
	if rl.Now != nil {
		return rl.Now()
	}
	return time.Now()
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Cleanup drops buckets not used within idle and returns how many went.
// A dropped bucket restarts full, which is the state it would have refilled
// to anyway once idle exceeds burst/rps.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(rl.limiters),
		}).Debug("evicted idle rate limiters")
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(idle)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler limits by the resolved account, falling back to the remote address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := AccountFrom(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.logger.WithFields(logrus.Fields{
				"key":  key,
				"path": r.URL.Path,
			}).Warn("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len returns the number of tracked accounts.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

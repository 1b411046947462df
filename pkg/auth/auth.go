// Package auth resolves the calling user for the HTTP surface. Identity
// comes from X-User-ID; when signing keys are configured the caller must
// also present X-User-Signature, an HMAC-SHA256 of the user id under one
// of the shared secrets. Authorization beyond identity (participant-only
// rows) is enforced by the store.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"parley/pkg/logger"
)

type ctxUserKey struct{}

var (
	mu          sync.RWMutex
	signingKeys []string
	pool        = &limiterPool{rps: 50, burst: 100}
)

// Configure installs the signing keys and per-user rate limits. An empty
// key set disables signature verification.
func Configure(keys []string, rps float64, burst int) {
	mu.Lock()
	signingKeys = append([]string(nil), keys...)
	mu.Unlock()
	if rps > 0 {
		pool.setLimits(rps, burst)
	}
}

func verifySignature(user, sig string) bool {
	mu.RLock()
	keys := signingKeys
	mu.RUnlock()
	if len(keys) == 0 {
		return true
	}
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	for _, k := range keys {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(user))
		if hmac.Equal(raw, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// RequireUser authenticates the request and injects the verified user id
// into the context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if user == "" {
			logger.Warn("missing_user_header", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, `{"error":"missing X-User-ID"}`, http.StatusUnauthorized)
			return
		}
		if len(user) > 128 {
			http.Error(w, `{"error":"user id too long"}`, http.StatusBadRequest)
			return
		}
		mu.RLock()
		needSig := len(signingKeys) > 0
		mu.RUnlock()
		if needSig {
			sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))
			if sig == "" || !verifySignature(user, sig) {
				logger.Warn("invalid_user_signature", "user", user, "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, `{"error":"missing or invalid signature"}`, http.StatusUnauthorized)
				return
			}
		}
		if !pool.Allow(user) {
			logger.Warn("rate_limited", "user", user, "path", r.URL.Path)
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the authenticated user id, or "".
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserKey{}).(string); ok {
		return v
	}
	return ""
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) setLimits(rps float64, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rps = rps
	if burst > 0 {
		p.burst = burst
	}
	// existing limiters keep their old limits; new callers get the new ones
	p.m = nil
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.m[key] = l
	}
	return l.Allow()
}

package middleware

import (
	"net/http"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/openclaw/file-relay-go/internal/audit"
	apperrors "github.com/openclaw/file-relay-go/internal/errors"
	"github.com/openclaw/file-relay-go/internal/httputil"
)

const lookupIdleTTL = 10 * time.Minute

type lookupEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LookupGuard throttles clients whose token lookups keep failing. Each failed
// lookup spends one token from a per-IP bucket; a client with an empty bucket
// is refused before its request reaches the store.
type LookupGuard struct {
	mu          sync.Mutex
	entries     map[string]*lookupEntry
	refill      rate.Limit
	burst       int
	lastCleanup time.Time
	now         func() time.Time
}

func NewLookupGuard(burst int, refillEvery time.Duration) *LookupGuard {
	return &LookupGuard{
		entries:     make(map[string]*lookupEntry),
		refill:      rate.Every(refillEvery),
		burst:       burst,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (g *LookupGuard) entry(ip string) *lookupEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastCleanup) > cleanupInterval {
		g.lastCleanup = now
		for key, e := range g.entries {
			if now.Sub(e.lastSeen) > lookupIdleTTL {
				delete(g.entries, key)
			}
		}
	}

	e, ok := g.entries[ip]
	if !ok {
		e = &lookupEntry{limiter: rate.NewLimiter(g.refill, g.burst)}
		g.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

// Blocked reports whether ip has exhausted its failed lookups.
func (g *LookupGuard) Blocked(ip string) bool {
	return g.entry(ip).limiter.TokensAt(g.now()) < 1
}

// Fail records one failed lookup for ip.
func (g *LookupGuard) Fail(ip string) {
	g.entry(ip).limiter.AllowN(g.now(), 1)
}

func (g *LookupGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)
		if g.Blocked(ip) {
			log.Warn().Str("ip", ip).Msg("token lookups throttled")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventLookupThrottled})
			w.Header().Set("Retry-After", "60")
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if isFailedLookup(ww.Status()) {
			g.Fail(ip)
		}
	})
}

func isFailedLookup(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nat64check/zaphod/pkg/config"
)

// Idle client entries are evicted after this long without a request.
const clientIdleTTL = 10 * time.Minute

type rateLimitClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware enforces a per-client-IP request budget for one
// tier. Each tier keeps its own client table, pruned by a janitor
// goroutine so one-off clients do not accumulate.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	perSecond := rate.Limit(float64(tier.RequestsPerMinute) / 60.0)

	var (
		mu      sync.Mutex
		clients = make(map[string]*rateLimitClient, 64)
	)

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		client, ok := clients[ip]
		if !ok {
			// A fresh client may burst up to its full per-minute
			// budget.
			client = &rateLimitClient{
				limiter: rate.NewLimiter(perSecond, tier.RequestsPerMinute),
			}
			clients[ip] = client
		}

		client.lastSeen = time.Now()

		return client.limiter.Allow()
	}

	go func() {
		ticker := time.NewTicker(clientIdleTTL / 2)
		defer ticker.Stop()

		for range ticker.C {
			mu.Lock()

			for ip, client := range clients {
				if time.Since(client.lastSeen) > clientIdleTTL {
					delete(clients, ip)
				}
			}

			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the requesting address, preferring the first hop of
// an X-Forwarded-For chain set by a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

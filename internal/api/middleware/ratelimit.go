package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/metrics"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

const (
	violationLimit  = 10
	violationWindow = time.Hour
	autoBlockFor    = 24 * time.Hour
)

// endpointLimit is a per-IP limit on a public route. Rules match by method
// and path prefix, first match wins.
type endpointLimit struct {
	method   string
	prefix   string
	requests int
	window   time.Duration
}

var publicLimits = []endpointLimit{
	{http.MethodPost, "/register", 10, time.Hour},
	{http.MethodGet, "/who/", 100, time.Minute},
	{http.MethodGet, "/ws", 30, time.Minute},
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// allowList matches client IPs against exact addresses and networks.
type allowList struct {
	ips  map[string]bool
	nets []*net.IPNet
}

func parseAllowList(entries []string, logger zerolog.Logger) allowList {
	al := allowList{ips: make(map[string]bool)}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "/"):
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			al.nets = append(al.nets, ipNet)
		default:
			al.ips[entry] = true
		}
	}
	return al
}

func (al allowList) contains(ipStr string) bool {
	if al.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (al allowList) size() int {
	return len(al.ips) + len(al.nets)
}

// RateLimiter applies fixed-window limits at the HTTP boundary: per-IP
// limits on public endpoints and tier limits on authenticated ones.
type RateLimiter struct {
	limiter   *ratelimit.Limiter
	blocker   *IPBlocker
	allow     allowList
	autoBlock bool
	logger    zerolog.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limiter *ratelimit.Limiter, kv store.KV, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		limiter:   limiter,
		blocker:   NewIPBlocker(kv),
		allow:     parseAllowList(cfg.Whitelist, logger),
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger,
	}
	if n := rl.allow.size(); n > 0 {
		logger.Info().Int("entries", n).Msg("rate limit whitelist configured")
	}
	return rl
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	return rl.allow.contains(ip)
}

// RealIP extracts the client IP, preferring proxy headers over the socket
// address.
func RealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware enforces IP blocks and the per-endpoint limits of public
// routes.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		for _, l := range publicLimits {
			if r.Method == l.method && strings.HasPrefix(r.URL.Path, l.prefix) {
				if !rl.enforce(w, r, "ip:"+ip, l.requests, l.window) {
					return
				}
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Tiered enforces the caller's tier request limit. It must run after
// authentication so the security context carries the tier.
func (rl *RateLimiter) Tiered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := security.FromContext(r.Context())
		if !sc.IsAuthenticated || rl.isWhitelisted(RealIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		policy := ratelimit.PolicyFor(sc.Tier)
		if rl.enforce(w, r, "user:"+sc.UserID, policy.Requests, policy.Window) {
			next.ServeHTTP(w, r)
		}
	})
}

// enforce checks one limit, writes the rate limit headers and the 429
// response when exceeded. It reports whether the request may proceed.
func (rl *RateLimiter) enforce(w http.ResponseWriter, r *http.Request, key string, requests int, window time.Duration) bool {
	res, err := rl.limiter.Check(r.Context(), key, requests, window)
	if err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return true
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Allowed {
		return true
	}

	retry := int(time.Until(res.ResetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	h.Set("Retry-After", strconv.Itoa(retry))

	ip := RealIP(r)
	metrics.RateLimitHits.WithLabelValues(normalizePath(r.URL.Path)).Inc()
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "rate_limit_exceeded").
		Str("ip", ip).
		Str("key", key).
		Str("endpoint", r.URL.Path).
		Int("retry_after", retry).
		Msg("rate limit exceeded")
	rl.trackViolation(r.Context(), ip)

	jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// trackViolation counts rate limit violations per IP and blocks repeat
// offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	res, err := rl.limiter.Check(ctx, "violations:ip:"+ip, violationLimit, violationWindow)
	if err != nil || res.Allowed {
		return
	}

	if err := rl.blocker.Block(ctx, ip, autoBlockFor, "repeated rate limit violations"); err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("auto-block failed")
		return
	}
	metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Dur("duration", autoBlockFor).
		Msg("IP auto-blocked for repeated violations")
}

// IPBlocker keeps temporary IP blocks in the shared store so every
// instance honors them.
type IPBlocker struct {
	kv store.KV
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(kv store.KV) *IPBlocker {
	return &IPBlocker{kv: kv}
}

func blockKey(ip string) string {
	return "blocked:ip:" + ip
}

// IsBlocked reports whether ip is blocked. A store failure reads as not
// blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	_, ok, err := b.kv.Get(ctx, blockKey(ip))
	return err == nil && ok
}

// Block blocks ip for duration, recording reason.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return b.kv.Set(ctx, blockKey(ip), reason, duration)
}

// Unblock removes an IP block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) error {
	return b.kv.Del(ctx, blockKey(ip))
}

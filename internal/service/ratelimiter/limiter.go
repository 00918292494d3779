// Package ratelimiter enforces the layered per-client download quotas:
// a per-minute burst cap, per-category daily caps, and a daily total cap.
package ratelimiter

import (
	"context"
	"log/slog"
	"net"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// Manager evaluates rate limits against the counter repository. When the
// feature is disabled every check passes without touching the store.
type Manager struct {
	repo         domain.RateLimitRepository
	enabled      bool
	perMinute    int
	dailyTotal   int
	categoryCaps map[string]int
	endpointCaps map[string]int
	whitelist    map[string]struct{}
}

// Options configures a Manager.
type Options struct {
	Enabled      bool
	PerMinute    int
	DailyTotal   int
	CategoryCaps map[string]int
	EndpointCaps map[string]int
	Whitelist    []string
}

// New builds a Manager from options.
func New(repo domain.RateLimitRepository, opts Options) *Manager {
	wl := make(map[string]struct{}, len(opts.Whitelist))
	for _, ip := range opts.Whitelist {
		if parsed := net.ParseIP(ip); parsed != nil {
			wl[parsed.String()] = struct{}{}
		}
	}
	return &Manager{
		repo:         repo,
		enabled:      opts.Enabled,
		perMinute:    opts.PerMinute,
		dailyTotal:   opts.DailyTotal,
		categoryCaps: opts.CategoryCaps,
		endpointCaps: opts.EndpointCaps,
		whitelist:    wl,
	}
}

// Enabled reports whether enforcement is on.
func (m *Manager) Enabled() bool { return m.enabled }

// Whitelisted reports whether the IP bypasses all limits.
func (m *Manager) Whitelisted(ip string) bool {
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	_, ok := m.whitelist[ip]
	return ok
}

// gate increments one counter and returns its observed status. A zero or
// negative limit means the dimension is unconfigured and always passes.
func (m *Manager) gate(ctx context.Context, ip string, typ domain.RateLimitType, limit int) (domain.RateLimitStatus, error) {
	st := domain.RateLimitStatus{Type: typ, Limit: int64(limit)}
	if limit <= 0 {
		return st, nil
	}
	count, resetAt, err := m.repo.Increment(ctx, ip, typ)
	if err != nil {
		// Counter repos fail open, so an error here is unexpected; log and pass.
		slog.Warn("rate limit increment failed, allowing request",
			slog.String("type", string(typ)), slog.Any("error", err))
		return st, nil
	}
	st.Count = count
	st.ResetAt = resetAt
	return st, nil
}

// CheckDownloadLimits runs the download gates in order: per-minute, then the
// category's daily cap, then the daily total. All three counters are
// incremented for an admitted request; the first exceeded gate refuses with a
// rate-limited CategorizedError carrying the reset instant.
func (m *Manager) CheckDownloadLimits(ctx context.Context, ip, category string) error {
	if !m.enabled || m.Whitelisted(ip) {
		return nil
	}
	gates := []struct {
		typ   domain.RateLimitType
		limit int
	}{
		{domain.LimitPerMinute, m.perMinute},
		{domain.DailyCategoryLimit(category), m.categoryCaps[category]},
		{domain.LimitDailyTotal, m.dailyTotal},
	}
	for _, g := range gates {
		st, err := m.gate(ctx, ip, g.typ, g.limit)
		if err != nil {
			return err
		}
		if st.Exceeded() {
			observability.RateLimitRefusalsTotal.WithLabelValues(string(g.typ)).Inc()
			ce := domain.NewCategorizedError(domain.CategoryRateLimited,
				"download limit exceeded for "+string(g.typ), domain.ErrRateLimited)
			ce.ResetAt = st.ResetAt
			ce.Limit = st.Limit
			return ce
		}
	}
	return nil
}

// CheckEndpointLimit applies the optional per-endpoint hourly cap.
func (m *Manager) CheckEndpointLimit(ctx context.Context, ip, path string) error {
	if !m.enabled || m.Whitelisted(ip) {
		return nil
	}
	limit, ok := m.endpointCaps[path]
	if !ok {
		return nil
	}
	typ := domain.RateLimitType("hourly_endpoint:" + path)
	st, err := m.gate(ctx, ip, typ, limit)
	if err != nil {
		return err
	}
	if st.Exceeded() {
		observability.RateLimitRefusalsTotal.WithLabelValues("endpoint").Inc()
		ce := domain.NewCategorizedError(domain.CategoryRateLimited,
			"endpoint limit exceeded", domain.ErrRateLimited)
		ce.ResetAt = st.ResetAt
		ce.Limit = st.Limit
		return ce
	}
	return nil
}

// Snapshot reads the current state of the download gates without incrementing,
// for response headers and the status endpoint.
func (m *Manager) Snapshot(ctx context.Context, ip, category string) []domain.RateLimitStatus {
	if !m.enabled {
		return nil
	}
	gates := []struct {
		typ   domain.RateLimitType
		limit int
	}{
		{domain.LimitPerMinute, m.perMinute},
		{domain.DailyCategoryLimit(category), m.categoryCaps[category]},
		{domain.LimitDailyTotal, m.dailyTotal},
	}
	out := make([]domain.RateLimitStatus, 0, len(gates))
	for _, g := range gates {
		if g.limit <= 0 {
			continue
		}
		count, resetAt, err := m.repo.GetState(ctx, ip, g.typ)
		if err != nil {
			continue
		}
		out = append(out, domain.RateLimitStatus{
			Type: g.typ, Count: count, Limit: int64(g.limit), ResetAt: resetAt,
		})
	}
	return out
}

// MostRestrictive picks the status with the fewest remaining requests, used
// for the X-RateLimit response headers. Returns false when nothing applies.
func MostRestrictive(statuses []domain.RateLimitStatus) (domain.RateLimitStatus, bool) {
	if len(statuses) == 0 {
		return domain.RateLimitStatus{}, false
	}
	best := statuses[0]
	for _, st := range statuses[1:] {
		if st.Remaining() < best.Remaining() {
			best = st
		}
	}
	return best, true
}

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kroma-labs/sentinel-pipeline/pipeline"
)

// Compile-time interface check.
var _ pipeline.EndpointResolver = (*Manager)(nil)

// Default values for Config.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultUnavailableTTL  = 5 * time.Minute

	// failedRefreshBackoff spaces out discovery attempts after a failure.
	failedRefreshBackoff = 5 * time.Second
)

// ErrNoEndpoint is returned when the manager has no endpoint to offer.
var ErrNoEndpoint = errors.New("endpoint: no endpoint available")

// Config configures a Manager.
type Config struct {
	// DefaultEndpoint is the global account endpoint. Required.
	DefaultEndpoint string

	// PreferredLocations orders regions by preference, e.g.
	// []string{"West US", "East US"}.
	PreferredLocations []string

	// RefreshInterval is how long a fetched table stays fresh.
	// Default: 5m
	RefreshInterval time.Duration

	// UnavailableTTL is how long a failed endpoint is skipped.
	// Default: 5m
	UnavailableTTL time.Duration

	// DisableDiscovery turns account discovery off so every request goes
	// to DefaultEndpoint.
	// Default: false
	DisableDiscovery bool

	// UseMultipleWriteLocations orders writable regions by preference when
	// the account accepts writes in several regions.
	UseMultipleWriteLocations bool
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.UnavailableTTL <= 0 {
		c.UnavailableTTL = DefaultUnavailableTTL
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock used for freshness, TTLs and the refresh
// ticker. Tests pass a quartz mock.
func WithClock(c quartz.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// table is an immutable snapshot of the resolved endpoints.
type table struct {
	writes      []*url.URL
	reads       []*url.URL
	refreshedAt time.Time
}

type unavailableKey struct {
	host string
	kind pipeline.OperationKind
}

// Manager resolves the regional endpoint for each attempt. It keeps the
// account topology fresh, remembers endpoints that recently failed and
// is safe for concurrent use.
type Manager struct {
	cfg        Config
	fetcher    Fetcher
	discovery  bool
	defaultURL *url.URL
	logger     zerolog.Logger
	clock      quartz.Clock

	table  atomic.Pointer[table]
	forced atomic.Bool
	group  singleflight.Group

	mu          sync.Mutex
	unavailable map[unavailableKey]time.Time
	failedAt    time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	waiter    quartz.Waiter
}

// NewManager creates a Manager. A nil fetcher disables discovery.
func NewManager(cfg Config, f Fetcher, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()

	def, err := url.Parse(cfg.DefaultEndpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid default endpoint: %w", err)
	}
	if def.Scheme == "" || def.Host == "" {
		return nil, fmt.Errorf("endpoint: default endpoint %q must be absolute", cfg.DefaultEndpoint)
	}
	m := &Manager{
		cfg:         cfg,
		fetcher:     f,
		discovery:   f != nil && !cfg.DisableDiscovery,
		defaultURL:  def,
		logger:      zerolog.Nop(),
		clock:       quartz.NewReal(),
		unavailable: make(map[unavailableKey]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RefreshEndpoints fetches the account topology unless the current table
// is still fresh and no refresh was forced. Concurrent callers share one
// fetch. The fetch is not cancelled when ctx is; ctx only bounds how long
// this caller waits for it.
func (m *Manager) RefreshEndpoints(ctx context.Context) error {
	if !m.discovery || !m.needsRefresh() {
		return nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		if !m.needsRefresh() {
			return nil, nil
		}
		return nil, m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) needsRefresh() bool {
	now := m.clock.Now()

	m.mu.Lock()
	failedAt := m.failedAt
	m.mu.Unlock()
	if !failedAt.IsZero() && now.Sub(failedAt) < failedRefreshBackoff {
		return false
	}

	t := m.table.Load()
	if t == nil || m.forced.Load() {
		return true
	}
	return now.Sub(t.refreshedAt) >= m.cfg.RefreshInterval
}

func (m *Manager) refresh(ctx context.Context) error {
	// Marks that land while the fetch is in flight keep the flag set.
	forced := m.forced.Swap(false)

	acct, err := m.fetchAccount(ctx)
	if err != nil {
		if forced {
			m.forced.Store(true)
		}
		m.mu.Lock()
		m.failedAt = m.clock.Now()
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("endpoint", m.defaultURL.String()).Msg("endpoint: account discovery failed")
		return err
	}

	m.mu.Lock()
	m.failedAt = time.Time{}
	m.mu.Unlock()

	t := m.buildTable(acct)
	m.table.Store(t)

	m.logger.Debug().
		Strs("writes", urlStrings(t.writes)).
		Strs("reads", urlStrings(t.reads)).
		Msg("endpoint: table refreshed")
	return nil
}

// fetchAccount asks the default endpoint first, then the locational
// endpoints of the preferred locations.
func (m *Manager) fetchAccount(ctx context.Context) (*Account, error) {
	acct, err := m.fetcher.FetchAccount(ctx, m.defaultURL)
	if err == nil {
		return acct, nil
	}

	errs := []error{err}
	for _, loc := range m.cfg.PreferredLocations {
		u := LocationalEndpoint(m.defaultURL, loc)
		if u == nil {
			continue
		}
		acct, lerr := m.fetcher.FetchAccount(ctx, u)
		if lerr == nil {
			m.logger.Info().Str("endpoint", u.String()).Msg("endpoint: discovered account through locational endpoint")
			return acct, nil
		}
		errs = append(errs, lerr)
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) buildTable(acct *Account) *table {
	writable := acct.WritableLocations
	if m.cfg.UseMultipleWriteLocations && acct.EnableMultipleWriteLocations {
		writable = orderByPreference(writable, m.cfg.PreferredLocations)
	}
	readable := orderByPreference(acct.ReadableLocations, m.cfg.PreferredLocations)

	t := &table{
		writes:      m.parseLocations(writable),
		reads:       m.parseLocations(readable),
		refreshedAt: m.clock.Now(),
	}
	if len(t.writes) == 0 {
		t.writes = []*url.URL{m.defaultURL}
	}
	if len(t.reads) == 0 {
		t.reads = t.writes
	}
	return t
}

func (m *Manager) parseLocations(locs []Location) []*url.URL {
	out := make([]*url.URL, 0, len(locs))
	for _, loc := range locs {
		u, err := url.Parse(loc.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			m.logger.Warn().Str("location", loc.Name).Str("endpoint", loc.Endpoint).Msg("endpoint: ignoring invalid location endpoint")
			continue
		}
		out = append(out, u)
	}
	return out
}

// orderByPreference returns the preferred locations first, in preference
// order, followed by the rest in their original order.
func orderByPreference(locs []Location, preferred []string) []Location {
	out := make([]Location, 0, len(locs))
	used := make([]bool, len(locs))
	for _, name := range preferred {
		for i, loc := range locs {
			if !used[i] && strings.EqualFold(loc.Name, name) {
				out = append(out, loc)
				used[i] = true
			}
		}
	}
	for i, loc := range locs {
		if !used[i] {
			out = append(out, loc)
		}
	}
	return out
}

// ResolveEndpoint returns the first endpoint for kind that is not marked
// unavailable. When all are, the first one is used anyway; with no table
// yet, the default endpoint.
func (m *Manager) ResolveEndpoint(_ context.Context, kind pipeline.OperationKind) (*url.URL, error) {
	t := m.table.Load()
	if t == nil {
		return m.defaultURL, nil
	}

	candidates := t.writes
	if kind == pipeline.OperationRead {
		candidates = t.reads
	}
	if len(candidates) == 0 {
		return nil, ErrNoEndpoint
	}

	now := m.clock.Now()
	for _, u := range candidates {
		if !m.isUnavailable(u, kind, now) {
			return u, nil
		}
	}
	return candidates[0], nil
}

// MarkEndpointUnavailable skips endpoint for kind until the TTL passes
// and forces the next refresh.
func (m *Manager) MarkEndpointUnavailable(endpoint *url.URL, kind pipeline.OperationKind) {
	if endpoint == nil {
		return
	}

	m.mu.Lock()
	m.unavailable[unavailableKey{host: endpoint.Host, kind: kind}] = m.clock.Now()
	m.mu.Unlock()

	m.forced.Store(true)
	m.logger.Warn().
		Str("endpoint", endpoint.String()).
		Str("kind", kind.String()).
		Msg("endpoint: marked unavailable")
}

func (m *Manager) isUnavailable(u *url.URL, kind pipeline.OperationKind, now time.Time) bool {
	key := unavailableKey{host: u.Host, kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.unavailable[key]
	if !ok {
		return false
	}
	if now.Sub(at) >= m.cfg.UnavailableTTL {
		delete(m.unavailable, key)
		return false
	}
	return true
}

// Invalidate forces the next RefreshEndpoints to fetch.
func (m *Manager) Invalidate() {
	m.forced.Store(true)
}

// Start refreshes the table every RefreshInterval in the background until
// ctx is done or Close is called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if !m.discovery {
		return
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.waiter = m.clock.TickerFunc(ctx, m.cfg.RefreshInterval, func() error {
		m.Invalidate()
		if err := m.RefreshEndpoints(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("endpoint: background refresh failed")
		}
		return nil
	}, "endpoint", "refresh")
}

// Close stops the background refresh.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel == nil {
		return nil
	}

	m.cancel()
	err := m.waiter.Wait()
	m.cancel, m.waiter = nil, nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WriteEndpoints returns the current write endpoints in resolution order.
func (m *Manager) WriteEndpoints() []*url.URL {
	if t := m.table.Load(); t != nil {
		return cloneURLs(t.writes)
	}
	return []*url.URL{cloneURL(m.defaultURL)}
}

// ReadEndpoints returns the current read endpoints in resolution order.
func (m *Manager) ReadEndpoints() []*url.URL {
	if t := m.table.Load(); t != nil {
		return cloneURLs(t.reads)
	}
	return []*url.URL{cloneURL(m.defaultURL)}
}

// DefaultEndpoint returns the configured global endpoint.
func (m *Manager) DefaultEndpoint() *url.URL {
	return cloneURL(m.defaultURL)
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	return &c
}

func cloneURLs(us []*url.URL) []*url.URL {
	out := make([]*url.URL, 0, len(us))
	for _, u := range us {
		out = append(out, cloneURL(u))
	}
	return out
}

func urlStrings(us []*url.URL) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, u.String())
	}
	return out
}

// Package discovery populates and refreshes the mesh registry from the
// network. It scans a configured list of peer base URLs for their
// self-description documents and probes already-registered external agents
// for health.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/mesh"
	"github.com/agentmesh/agentmesh/mesh/registry"
)

// ErrAlreadyRunning indicates Start was called on a running service.
var ErrAlreadyRunning = errors.New("discovery: service already running")

// Config holds configuration for the discovery service.
type Config struct {
	// URLs is the list of peer base URLs to scan.
	URLs []string `yaml:"urls"`
	// ScanInterval is the period between automatic scans.
	ScanInterval time.Duration `yaml:"scan_interval"`
	// ProbeTimeout bounds each well-known document fetch.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// AutoRegister writes discovered cards into the registry immediately.
	AutoRegister bool `yaml:"auto_register"`
	// MaxConcurrentProbes bounds concurrent health probes.
	MaxConcurrentProbes int `yaml:"max_concurrent_probes"`
	// ProbeRate throttles outgoing probes in requests per second.
	// Zero or negative means unlimited.
	ProbeRate float64 `yaml:"probe_rate"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:        60 * time.Second,
		ProbeTimeout:        10 * time.Second,
		AutoRegister:        true,
		MaxConcurrentProbes: 8,
	}
}

// Service periodically scans configured peers and probes registered
// external agents. A stopped service can be started again.
type Service struct {
	config   *Config
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *metrics.Collector
	limiter  *rate.Limiter

	mu      sync.Mutex
	running bool
	client  *http.Client
	done    chan struct{}
	wg      sync.WaitGroup

	// scanning guards against overlapping scans.
	scanning atomic.Bool
}

// NewService creates a discovery service. logger and collector may be nil.
func NewService(config *Config, reg *registry.Registry, logger *zap.Logger, collector *metrics.Collector) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig().ScanInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = DefaultConfig().MaxConcurrentProbes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if config.ProbeRate > 0 {
		limit = rate.Limit(config.ProbeRate)
	}

	return &Service{
		config:   config,
		registry: reg,
		logger:   logger.With(zap.String("component", "discovery")),
		metrics:  collector,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Start creates the pooled HTTP client and begins periodic scanning. When
// discovery URLs are configured an immediate scan runs before the first
// tick. Starting a running service returns ErrAlreadyRunning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.client = &http.Client{
		Timeout: s.config.ProbeTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: s.config.MaxConcurrentProbes,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(done)

	s.logger.Info("discovery service started",
		zap.Int("urls", len(s.config.URLs)),
		zap.Duration("interval", s.config.ScanInterval),
	)
	return nil
}

// Stop cancels periodic scanning, waits for in-flight work, and releases
// the HTTP client. Stopping a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	if s.client != nil {
		s.client.CloseIdleConnections()
		s.client = nil
	}
	s.mu.Unlock()

	s.logger.Info("discovery service stopped")
}

// run is the periodic scan loop.
func (s *Service) run(done chan struct{}) {
	defer s.wg.Done()

	if len(s.config.URLs) > 0 {
		s.Scan(context.Background())
	}

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if len(s.config.URLs) > 0 {
				s.Scan(context.Background())
			}
		case <-done:
			return
		}
	}
}

// Scan iterates all configured discovery URLs and collects the cards of
// reachable peers. Per-URL failures are logged and skipped; one bad peer
// never aborts the scan. Only one scan runs at a time.
func (s *Service) Scan(ctx context.Context) []*mesh.MeshAgentCard {
	if !s.scanning.CompareAndSwap(false, true) {
		s.logger.Debug("scan already in progress, skipping")
		return nil
	}
	defer s.scanning.Store(false)

	ctx, span := otel.Tracer("agentmesh/discovery").Start(ctx, "discovery.Scan")
	defer span.End()

	start := time.Now()
	cards := make([]*mesh.MeshAgentCard, 0, len(s.config.URLs))
	failures := 0
	for _, url := range s.config.URLs {
		card, err := s.DiscoverAgent(ctx, url)
		if err != nil {
			failures++
			s.metrics.ScanFailure(failureReason(err))
			s.logger.Warn("discovery failed",
				zap.String("url", url),
				zap.Error(err),
			)
			continue
		}
		cards = append(cards, card)
	}

	span.SetAttributes(
		attribute.Int("mesh.discovered", len(cards)),
		attribute.Int("mesh.failed", failures),
	)
	s.metrics.ScanCompleted(time.Since(start))
	s.logger.Info("scan completed",
		zap.Int("discovered", len(cards)),
		zap.Int("failed", failures),
		zap.Duration("duration", time.Since(start)),
	)
	return cards
}

// DiscoverAgent fetches the self-description document under baseURL and
// parses it into a card. A 404 yields mesh.ErrAgentNotFound, any other
// non-2xx status or network failure yields mesh.ErrRemoteUnavailable, and
// a malformed document yields mesh.ErrInvalidCard. When auto-registration
// is enabled the card is written into the registry.
func (s *Service) DiscoverAgent(ctx context.Context, baseURL string) (*mesh.MeshAgentCard, error) {
	body, status, err := s.fetchWellKnown(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: no agent at %s", mesh.ErrAgentNotFound, baseURL)
	case status < 200 || status > 299:
		return nil, fmt.Errorf("%w: %s returned status %d", mesh.ErrRemoteUnavailable, baseURL, status)
	}

	card, err := mesh.ParseCardDocument(body)
	if err != nil {
		return nil, err
	}
	card.IsExternal = true
	if card.URL == "" {
		card.URL = strings.TrimRight(baseURL, "/")
	}

	if s.config.AutoRegister && s.registry != nil {
		if err := s.registry.Register(card); err != nil {
			return nil, err
		}
	}

	s.metrics.AgentDiscovered()
	s.logger.Debug("agent discovered",
		zap.String("agent", card.Name),
		zap.String("url", card.URL),
	)
	return card, nil
}

// CheckAgentHealth re-fetches the well-known document of an already
// registered agent and writes the resulting health back through the
// registry: 200 is healthy, any other status degraded, a network failure
// unhealthy.
func (s *Service) CheckAgentHealth(ctx context.Context, name string) (mesh.AgentHealth, error) {
	card, err := s.registry.Get(name)
	if err != nil {
		return mesh.HealthUnknown, err
	}

	health := mesh.HealthHealthy
	_, status, err := s.fetchWellKnown(ctx, card.URL)
	switch {
	case err != nil:
		health = mesh.HealthUnhealthy
	case status != http.StatusOK:
		health = mesh.HealthDegraded
	}

	s.registry.SetHealth(name, health)
	s.metrics.HealthProbe(string(health))
	return health, nil
}

// HealthCheckAll probes every registered external agent concurrently and
// returns the aggregated health map.
func (s *Service) HealthCheckAll(ctx context.Context) map[string]mesh.AgentHealth {
	externals := s.registry.ListExternal()
	results := make(map[string]mesh.AgentHealth, len(externals))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentProbes)

	for _, card := range externals {
		name := card.Name
		g.Go(func() error {
			health, err := s.CheckAgentHealth(ctx, name)
			if err != nil {
				s.logger.Warn("health check failed",
					zap.String("agent", name),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			results[name] = health
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// fetchWellKnown GETs the well-known document under baseURL. A network
// failure is returned wrapped in mesh.ErrRemoteUnavailable; any HTTP
// response is returned with its status for the caller to interpret.
func (s *Service) fetchWellKnown(ctx context.Context, baseURL string) ([]byte, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", mesh.ErrRemoteUnavailable, err)
	}

	url := strings.TrimRight(baseURL, "/") + mesh.WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", mesh.ErrRemoteUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", mesh.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", mesh.ErrRemoteUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

// httpClient returns the pooled client of a running service, or a one-off
// client so DiscoverAgent and CheckAgentHealth work before Start.
func (s *Service) httpClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client
	}
	return &http.Client{Timeout: s.config.ProbeTimeout}
}

// failureReason maps a discovery error to a metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, mesh.ErrAgentNotFound):
		return "not_found"
	case errors.Is(err, mesh.ErrInvalidCard):
		return "invalid_card"
	default:
		return "unreachable"
	}
}

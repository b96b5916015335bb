// Package connwatch tracks the reachability of parley's external
// dependencies: model providers, MCP servers and the MQTT broker.
//
// A Watcher probes one service. At startup it retries with exponential
// backoff (2s, 4s, 8s, ... capped at 60s); afterwards it polls on a fixed
// interval and reports up/down transitions. The /health endpoint reads
// the Manager's status, and transitions are published on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/events"
)

// Kinds of watched services.
const (
	KindProvider = "provider"
	KindMCP      = "mcp"
	KindMQTT     = "mqtt"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // ceiling for delay growth
	Multiplier   float64       // growth factor per retry
	MaxRetries   int           // startup attempts before falling back to polling
	PollInterval time.Duration // background probe interval
	ProbeTimeout time.Duration // limit on a single probe
}

// DefaultBackoffConfig returns 2s doubling to 60s, 10 startup attempts,
// 60s polling and a 10s probe timeout.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows delay by the multiplier, capped at MaxDelay.
func (b BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	return min(delay, b.MaxDelay)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name  string
	Kind  string // KindProvider, KindMCP or KindMQTT
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one service as reported by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Kind:      w.config.Kind,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with backoff until the service answers or the retries
// run out. It returns false if ctx ended.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("service connected",
				"service", w.config.Name,
				"kind", w.config.Kind,
				"after_attempts", attempt,
			)
			return true
		}
		if attempt >= cfg.MaxRetries {
			logger.Warn("service unreachable at startup, polling in background",
				"service", w.config.Name,
				"kind", w.config.Kind,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = cfg.next(delay)
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.IsReady() {
				w.config.Logger.Debug("service still unreachable",
					"service", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// check probes once, records the outcome and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		return err
	}
	if up {
		w.config.Logger.Info("service ready", "service", w.config.Name, "kind", w.config.Kind)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	} else {
		w.config.Logger.Warn("service became unreachable", "service", w.config.Name, "kind", w.config.Kind, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a manager. Transitions are published on bus, which
// may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
		bus:      bus,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Name and Probe are required; a watcher with the same name is
// replaced.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	cfg.OnReady, cfg.OnDown = m.publishing(cfg)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// publishing wraps the transition callbacks so every transition is also
// published on the bus.
func (m *Manager) publishing(cfg WatcherConfig) (func(), func(error)) {
	onReady, onDown := cfg.OnReady, cfg.OnDown
	ready := func() {
		m.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{
			"service": cfg.Name,
			"kind":    cfg.Kind,
		})
		if onReady != nil {
			onReady()
		}
	}
	down := func(err error) {
		m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": cfg.Name,
			"kind":    cfg.Kind,
			"error":   err.Error(),
		})
		if onDown != nil {
			onDown(err)
		}
	}
	return ready, down
}

// Ready reports whether the named service is up. The second result is
// false for unknown names.
func (m *Manager) Ready(name string) (ready, known bool) {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	if !ok {
		return false, false
	}
	return w.IsReady(), true
}

// Status returns the health of every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

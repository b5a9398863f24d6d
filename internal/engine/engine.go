// Package engine wires foreground detection, the audio provider and the
// configuration into a running session registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/audio"
	"github.com/bryanchriswhite/FocusDucker/internal/config"
	"github.com/bryanchriswhite/FocusDucker/internal/foreground"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/bryanchriswhite/FocusDucker/internal/registry"
)

// restoreTimeout bounds how long Stop spends putting volumes back
const restoreTimeout = 3 * time.Second

// Status summarizes a running engine
type Status struct {
	Backend       string          `json:"backend"`
	Provider      string          `json:"provider"`
	Mode          foreground.Mode `json:"mode"`
	Foreground    int             `json:"foreground"`
	Sessions      int             `json:"sessions"`
	StartedAt     time.Time       `json:"started_at"`
	DroppedEvents uint64          `json:"dropped_events"`
	RestoreOnExit bool            `json:"restore_on_exit"`
}

// Engine owns the feed, the registry and the provider for one run
type Engine struct {
	cfg      *config.Manager
	provider audio.Provider
	backend  foreground.Backend
	feed     *foreground.Feed
	registry *registry.Registry

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	unsubs    []func()
}

// New builds an engine from already-connected components. The engine takes
// ownership of provider and backend and closes them on Stop.
func New(cfg *config.Manager, provider audio.Provider, backend foreground.Backend) *Engine {
	c := cfg.Get()

	feed := foreground.NewFeed(backend, backend, foreground.Options{
		Debounce:          c.Foreground.Debounce(),
		PollInterval:      c.Foreground.PollInterval(),
		PollErrorInterval: c.Foreground.PollErrorInterval(),
	})

	reg := registry.New(provider, registry.Options{
		Policy: registry.Policy{
			BackgroundFactor: c.BackgroundVolumeFactor,
			Excluded:         c.ExcludedIdentifiers,
		},
		CreatedDelay: c.Audio.CreatedDelay(),
		Refresher:    feed,
	})

	return &Engine{
		cfg:      cfg,
		provider: provider,
		backend:  backend,
		feed:     feed,
		registry: reg,
	}
}

// NewFromConfig connects to the sound server and the display server named
// by the configuration
func NewFromConfig(cfg *config.Manager) (*Engine, error) {
	c := cfg.Get()

	provider, err := audio.NewPulseProvider(audio.PulseConfig{
		CommandTimeout: c.Audio.CommandTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audio provider: %w", err)
	}

	backend, err := foreground.NewBackend(c.Foreground.Backend)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to create foreground backend: %w", err)
	}

	return New(cfg, provider, backend), nil
}

// Registry returns the session registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Feed returns the foreground feed
func (e *Engine) Feed() *foreground.Feed {
	return e.feed
}

// Config returns the configuration manager
func (e *Engine) Config() *config.Manager {
	return e.cfg
}

// Start connects the components and performs the initial reconcile. On
// error everything started so far is torn down.
func (e *Engine) Start(ctx context.Context) error {
	log := logger.WithComponent("engine")

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine stopped")
	}
	e.started = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	// Foreground changes go to the registry in the order they were observed
	e.addUnsub(e.feed.OnChange(func(c foreground.Change) {
		if err := e.registry.SetForeground(context.Background(), c.Current); err != nil && !errors.Is(err, registry.ErrClosed) {
			log.Warn().Err(err).Int("pid", c.Current).Msg("Failed to apply foreground change")
		}
	}))

	unsubscribe, err := e.provider.Subscribe(e.registry.HandleProviderEvent)
	if err != nil {
		e.Stop()
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	e.addUnsub(unsubscribe)

	e.addUnsub(e.cfg.OnChange(e.applyConfig))

	if err := e.registry.Reconcile(ctx); err != nil {
		// Later provider events retry
		log.Warn().Err(err).Msg("Initial reconcile failed")
	}

	if err := e.feed.Start(); err != nil {
		e.Stop()
		return fmt.Errorf("failed to start foreground feed: %w", err)
	}

	log.Info().
		Str("backend", e.backend.Name()).
		Str("provider", e.provider.Name()).
		Str("mode", string(e.feed.Mode())).
		Int("sessions", len(e.registry.Snapshot())).
		Msg("Engine started")
	return nil
}

func (e *Engine) addUnsub(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, fn)
}

// applyConfig pushes live config edits into the registry and logger
func (e *Engine) applyConfig(c *config.Config) {
	log := logger.WithComponent("engine")
	ctx := context.Background()

	logger.SetLevel(c.LogLevel)

	if err := e.registry.SetBackgroundFactor(ctx, c.BackgroundVolumeFactor); err != nil && !errors.Is(err, registry.ErrClosed) {
		log.Warn().Err(err).Msg("Failed to apply background factor")
	}
	if err := e.registry.SetExcluded(ctx, c.ExcludedIdentifiers); err != nil && !errors.Is(err, registry.ErrClosed) {
		log.Warn().Err(err).Msg("Failed to apply excluded identifiers")
	}
}

// Status reports what the engine is running with
func (e *Engine) Status() Status {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	return Status{
		Backend:       e.backend.Name(),
		Provider:      e.provider.Name(),
		Mode:          e.feed.Mode(),
		Foreground:    e.registry.Foreground(),
		Sessions:      len(e.registry.Snapshot()),
		StartedAt:     startedAt,
		DroppedEvents: e.registry.Events().Dropped(),
		RestoreOnExit: e.cfg.Get().RestoreOnExit,
	}
}

// Stop tears everything down. Callbacks are detached first so nothing
// reaches the registry while it closes. Safe to call more than once and
// after a failed Start.
func (e *Engine) Stop() {
	log := logger.WithComponent("engine")

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for i := len(unsubs) - 1; i >= 0; i-- {
		unsubs[i]()
	}

	e.feed.Stop()

	if e.cfg.Get().RestoreOnExit {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		if err := e.registry.Restore(ctx); err != nil && !errors.Is(err, registry.ErrClosed) {
			log.Warn().Err(err).Msg("Failed to restore volumes")
		}
		cancel()
	}

	e.registry.Close()

	if err := e.provider.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audio provider")
	}
	if err := e.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close foreground backend")
	}

	log.Info().Msg("Engine stopped")
}

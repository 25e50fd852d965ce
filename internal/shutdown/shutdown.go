// Package shutdown coordinates ordered teardown. Components register in
// startup order and are stopped in reverse, so the scrape and probe
// endpoints registered early are the last to go down.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/internal/logging"
)

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Manager handles graceful shutdown of the collector
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	funcs        []namedFunc
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Manager{
		logger:       cfg.Logger,
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a shutdown function. Functions run in reverse
// registration order, like defers.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("component", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Shutdown initiates graceful shutdown. Safe to call more than once;
// only the first call runs the teardown.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.performShutdown()
	})
}

// performShutdown executes all registered shutdown functions in reverse
// order under one shared deadline
func (m *Manager) performShutdown() {
	m.mu.Lock()
	funcs := make([]namedFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("components", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errorCount int

	for i := len(funcs) - 1; i >= 0; i-- {
		nf := funcs[i]

		if ctx.Err() != nil {
			m.logger.Warn().
				Str("component", nf.name).
				Msg("Shutdown deadline passed, skipping remaining components")
			break
		}

		m.logger.Debug().Str("component", nf.name).Msg("Stopping component")

		if err := nf.fn(ctx); err != nil {
			errorCount++
			m.logger.Error().
				Err(err).
				Str("component", nf.name).
				Msg("Component shutdown failed")
		}
	}

	if errorCount > 0 {
		m.logger.Warn().
			Int("errors", errorCount).
			Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}

	close(m.gracefulDone)
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// HandlePanic recovers from panics and initiates shutdown
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		// Re-panic to maintain normal panic behavior
		panic(r)
	}
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

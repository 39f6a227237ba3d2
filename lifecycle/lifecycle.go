// Package lifecycle starts the process's long-lived components in order and stops them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyRegistered = errors.New("lifecycle: component name is already registered")
	ErrAlreadyStarted    = errors.New("lifecycle: components already started")
)

// Component is a resource with a start and a stop step.
type Component interface {
	Name() string
	// Start must not block; long-running work belongs in its own goroutine.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Hook adapts a pair of functions into a Component. Either function may be nil.
type Hook struct {
	ID      string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (h Hook) Name() string { return h.ID }

func (h Hook) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hook) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

// Manager owns the start order of registered components.
type Manager struct {
	mu         sync.Mutex
	components []Component
	names      map[string]bool
	started    []Component // in start order
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register appends c to the start order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if m.names[name] {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.names[name] = true
	m.components = append(m.components, c)
	log.Debug().Str("component", name).Msg("component registered")
	return nil
}

// StartAll starts every component in registration order. When one fails, the components
// started before it are stopped in reverse order and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if len(m.started) > 0 {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	order := append([]Component(nil), m.components...)
	m.mu.Unlock()

	started := make([]Component, 0, len(order))
	for _, c := range order {
		start := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Dur("duration", time.Since(start)).Msg("failed to start component")
			if rbErr := stopReverse(context.WithoutCancel(ctx), started, "rollback"); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		started = append(started, c)
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(start)).Msg("component started")
	}

	m.mu.Lock()
	m.started = started
	m.mu.Unlock()
	return nil
}

// StopAll stops the started components in reverse order. Every component is given a chance
// to stop; all errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	return stopReverse(ctx, started, "shutdown")
}

func stopReverse(ctx context.Context, components []Component, phase string) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		start := time.Now()
		if err := c.Stop(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Str("phase", phase).Dur("duration", time.Since(start)).Msg("failed to stop component")
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		log.Info().Str("component", c.Name()).Str("phase", phase).Dur("duration", time.Since(start)).Msg("component stopped")
	}

	if len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Str("phase", phase).Msg("stop completed with errors")
	}
	return errors.Join(errs...)
}

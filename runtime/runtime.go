// Package runtime manages the lifecycle of long-running components such as
// the counter sweeper, the usage reporter and the usage consumer. Components
// start in registration order and shut down in reverse, so consumers of a
// resource always stop before the resource itself.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Predefined errors for component management.
var (
	ErrComponentAlreadyRegistered = errors.New("runtime: component name is already registered")
	ErrComponentNotFound          = errors.New("runtime: component not found")
)

// Component is a long-running part of the service managed by the Manager.
type Component interface {
	// Name returns the unique name of the component, used for registration
	// and logging.
	Name() string

	// Start launches the component. It must not block beyond initialization;
	// long-running work belongs in goroutines the component owns.
	Start(ctx context.Context) error

	// Shutdown stops the component and waits for its work to drain, bounded
	// by the context deadline.
	Shutdown(ctx context.Context) error
}

// Manager starts registered components in order and shuts them down in
// reverse order. A failed start rolls back the components that already
// started, so the process either runs fully wired or not at all.
type Manager struct {
	mu         sync.RWMutex
	components map[string]Component
	order      []string
	started    map[string]bool
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		components: make(map[string]Component),
		started:    make(map[string]bool),
	}
}

// Register adds a component at the end of the start order.
// Returns ErrComponentAlreadyRegistered when the name is taken.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if _, exists := m.components[name]; exists {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrComponentAlreadyRegistered, name)
	}

	m.components[name] = c
	m.order = append(m.order, name)
	log.Info().Str("component", name).Msg("component registered")
	return nil
}

// Unregister removes a component by name. Returns ErrComponentNotFound when
// no such component is registered. A started component must be shut down
// first; Unregister does not stop it.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.components[name]; !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}

	delete(m.components, name)
	delete(m.started, name)

	order := make([]string, 0, len(m.order)-1)
	for _, n := range m.order {
		if n != name {
			order = append(order, n)
		}
	}
	m.order = order
	return nil
}

// StartAll starts every registered component in registration order. When a
// component fails to start, the components that already started in this call
// are shut down in reverse order and the original error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var startedNow []string
	for _, name := range order {
		m.mu.RLock()
		c, exists := m.components[name]
		m.mu.RUnlock()
		if !exists {
			continue // unregistered concurrently
		}

		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Str("component", name).Dur("duration", time.Since(begin)).Err(err).Msg("failed to start component")
			m.shutdownNames(ctx, startedNow)
			return fmt.Errorf("failed to start component %s: %w", name, err)
		}

		m.mu.Lock()
		m.started[name] = true
		m.mu.Unlock()
		startedNow = append(startedNow, name)
		log.Info().Str("component", name).Dur("duration", time.Since(begin)).Msg("component started")
	}
	return nil
}

// ShutdownAll stops every started component in reverse registration order.
// All components get a shutdown attempt even when earlier ones fail; the
// collected errors are joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()
	return m.shutdownNames(ctx, order)
}

// shutdownNames stops the named components in reverse order of the list,
// skipping components that never started.
func (m *Manager) shutdownNames(ctx context.Context, names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]

		m.mu.RLock()
		c, exists := m.components[name]
		isStarted := m.started[name]
		m.mu.RUnlock()
		if !exists || !isStarted {
			continue
		}

		begin := time.Now()
		if err := c.Shutdown(ctx); err != nil {
			log.Error().Str("component", name).Dur("duration", time.Since(begin)).Err(err).Msg("failed to shut down component")
			errs = append(errs, fmt.Errorf("failed to shut down component %s: %w", name, err))
		} else {
			log.Info().Str("component", name).Dur("duration", time.Since(begin)).Msg("component shut down")
		}

		m.mu.Lock()
		delete(m.started, name)
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

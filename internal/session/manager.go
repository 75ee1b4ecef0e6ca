// Package session keeps the workflow instances served by the local API.
// Each session owns exactly one controller and belongs to one user.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/workflow"
)

// ErrNotFound is returned for unknown sessions and sessions owned by someone else.
var ErrNotFound = errors.New("session not found")

// Factory builds the controller for a new session.
type Factory func(sessionID, ownerID string) *workflow.Controller

type entry struct {
	owner      string
	controller *workflow.Controller
	lastUsed   time.Time
}

// Manager is a registry of sessions with idle expiry.
type Manager struct {
	factory Factory
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager constructs a manager. A ttl of zero disables expiry.
func NewManager(factory Factory, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		factory:  factory,
		ttl:      ttl,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Create starts a new session for owner.
func (m *Manager) Create(owner string) *workflow.Controller {
	id := uuid.NewString()
	ctrl := m.factory(id, owner)

	m.mu.Lock()
	m.sessions[id] = &entry{owner: owner, controller: ctrl, lastUsed: m.now()}
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", id), zap.String("user_id", owner))
	return ctrl
}

// Get returns owner's session id.
func (m *Manager) Get(owner, id string) (*workflow.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || e.owner != owner {
		return nil, ErrNotFound
	}
	e.lastUsed = m.now()
	return e.controller, nil
}

// Delete ends owner's session id and discards its state.
func (m *Manager) Delete(owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || e.owner != owner {
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.logger.Info("session ended", zap.String("session_id", id), zap.String("user_id", owner))
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the ttl. Sessions with a call
// in flight are kept.
func (m *Manager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.sessions {
		if e.lastUsed.After(cutoff) || e.controller.State().IsBusy {
			continue
		}
		delete(m.sessions, id)
		removed++
		m.logger.Info("session expired", zap.String("session_id", id), zap.String("user_id", e.owner))
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

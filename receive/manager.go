package receive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/logging"
)

// Manager is the registry of active receivers. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	receivers map[int]*Receiver
	matcher   core.DestinationMatcher
	logger    *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger. A nil logger disables logging.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithMatcher replaces the matcher used by Find.
func WithMatcher(dm core.DestinationMatcher) ManagerOption {
	return func(m *Manager) { m.matcher = dm }
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		receivers: make(map[int]*Receiver),
		matcher:   core.DefaultMatcher{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds r under its id and returns the id. Registering the same
// receiver twice is a no-op; a different receiver with a taken id is
// rejected.
func (m *Manager) Register(r *Receiver) (int, error) {
	if r == nil {
		return 0, core.InvalidArgument("register", "receiver is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.receivers[r.id]; ok {
		if existing == r {
			return r.id, nil
		}
		return 0, core.InvalidArgument("register", fmt.Sprintf("receiver id %d is already registered", r.id))
	}
	m.receivers[r.id] = r
	r.registered.Store(true)
	m.logger.Debug("receiver registered", zap.Int("receiver_id", r.id), zap.String("destination", r.Destination()))
	return r.id, nil
}

// Remove unregisters the receiver and closes it. An unknown id is a no-op.
// The entry is removed even when closing fails. A handler removing its own
// receiver passes c.Context(); Remove then returns without waiting for that
// handler and the receiver finishes closing when it returns.
func (m *Manager) Remove(ctx context.Context, id int) error {
	m.mu.Lock()
	r, ok := m.receivers[id]
	if ok {
		delete(m.receivers, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	r.registered.Store(false)
	err := r.Shutdown(ctx)
	if err != nil {
		m.logger.Error("problem closing removed receiver", zap.Int("receiver_id", id), zap.Error(err))
	} else {
		m.logger.Debug("receiver removed", zap.Int("receiver_id", id))
	}
	return err
}

// Get returns the receiver registered under id.
func (m *Manager) Get(id int) (*Receiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receivers[id]
	return r, ok
}

// IDs returns the registered ids in ascending order.
func (m *Manager) IDs() []int {
	m.mu.RLock()
	ids := make([]int, 0, len(m.receivers))
	for id := range m.receivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered receivers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receivers)
}

// Find returns, in ascending order, the ids of receivers whose destination
// matches pattern.
func (m *Manager) Find(pattern string) []int {
	m.mu.RLock()
	var ids []int
	for id, r := range m.receivers {
		if m.matcher.Match(pattern, r.Destination()) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Launch creates, registers and starts a receiver. A receiver that fails to
// start is removed again before the start error is returned.
func (m *Manager) Launch(ctx context.Context, params *core.Parameters, handler core.HandlerFunc, opts ...Option) (int, error) {
	r, err := New(params, handler, opts...)
	if err != nil {
		return 0, err
	}
	id, err := m.Register(r)
	if err != nil {
		return 0, err
	}
	if err := r.Start(ctx); err != nil {
		if rerr := m.Remove(ctx, id); rerr != nil {
			m.logger.Warn("problem removing failed receiver", zap.Int("receiver_id", id), zap.Error(rerr))
		}
		return 0, err
	}
	return id, nil
}

// Close removes every receiver and returns the joined close errors.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Manager keeps one Orchestrator per browser session.
type Manager struct {
	source Source
	opts   Options
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	o        *Orchestrator
	lastUsed time.Time
}

// NewManager returns a Manager creating orchestrators with opts. The Key of
// each orchestrator is derived from its session id.
func NewManager(source Source, opts Options) *Manager {
	return &Manager{
		source:   source,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Key returns the store key for session id.
func Key(id string) string {
	return "session:" + id
}

// Get returns the orchestrator for id, creating it (and restoring any
// persisted state) on first use. Every call counts as use for Prune.
func (m *Manager) Get(id string) *Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.sessions[id]; ok {
		e.lastUsed = now
		return e.o
	}
	opts := m.opts
	opts.Key = Key(id)
	o := New(m.source, opts)
	m.sessions[id] = &entry{o: o, lastUsed: now}
	return o
}

// Len returns the number of live orchestrators.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Prune closes orchestrators not used for longer than idle and without
// subscribers. Their persisted state is kept, so a later Get restores them.
// It returns the number of orchestrators closed.
func (m *Manager) Prune(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	var stale []*Orchestrator

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.lastUsed.After(cutoff) || e.o.watched() {
			continue
		}
		delete(m.sessions, id)
		stale = append(stale, e.o)
	}
	m.mu.Unlock()

	for _, o := range stale {
		o.Close()
	}
	if len(stale) > 0 {
		slog.Info("closed idle sessions", "count", len(stale), "idle", idle)
	}
	return len(stale)
}

// Close stops every orchestrator.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range sessions {
		e.o.Close()
	}
}

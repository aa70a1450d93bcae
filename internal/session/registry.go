package session

import (
	"context"
	"sync"
	"time"

	"github.com/carelink/voice-relay/pkg/logging"
)

// Registry is the single source of truth for in-flight call state. It is
// intentionally volatile: losing it on restart loses only in-flight call
// context, never committed appointment data.
//
// Update applies the mutator atomically with respect to concurrent updates
// for the same call id; mutations for different ids proceed independently.
type Registry interface {
	Create(ctx context.Context, callID string, dynamicVariables map[string]string) (*CallSession, error)
	Get(ctx context.Context, callID string) (*CallSession, error)
	Update(ctx context.Context, callID string, mutate func(*CallSession) error) (*CallSession, error)
	// Evict removes the entry. Evicting a missing id is a no-op.
	Evict(ctx context.Context, callID string) error
}

// ExpiryFunc is invoked by the registry janitor with a snapshot of each
// session it reaps, after the session has been marked ENDED/error.
type ExpiryFunc func(s *CallSession)

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// IdleTimeout is how long a non-terminal session may go without updates
	// before the janitor reaps it. Zero disables the janitor.
	IdleTimeout time.Duration
	// ReapInterval overrides the janitor poll cadence. Defaults to a quarter
	// of IdleTimeout.
	ReapInterval time.Duration
	OnExpire     ExpiryFunc
	Logger       *logging.Logger
}

type memoryEntry struct {
	mu sync.Mutex
	s  *CallSession
}

// MemoryRegistry is the default single-process Registry implementation.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	idleTimeout  time.Duration
	reapInterval time.Duration
	onExpire     ExpiryFunc
	logger       *logging.Logger
	now          func() time.Time
}

// NewMemoryRegistry creates an in-memory registry. Call Start to run the
// idle-session janitor.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	reapInterval := cfg.ReapInterval
	if reapInterval <= 0 && cfg.IdleTimeout > 0 {
		reapInterval = cfg.IdleTimeout / 4
	}
	return &MemoryRegistry{
		entries:      make(map[string]*memoryEntry),
		idleTimeout:  cfg.IdleTimeout,
		reapInterval: reapInterval,
		onExpire:     cfg.OnExpire,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

func (r *MemoryRegistry) Create(_ context.Context, callID string, dynamicVariables map[string]string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[callID]; exists {
		return nil, ErrDuplicateSession
	}
	s := newCallSession(callID, dynamicVariables, r.now().UTC())
	r.entries[callID] = &memoryEntry{s: s}
	return s.Clone(), nil
}

func (r *MemoryRegistry) Get(_ context.Context, callID string) (*CallSession, error) {
	entry, err := r.lookup(callID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

func (r *MemoryRegistry) Update(_ context.Context, callID string, mutate func(*CallSession) error) (*CallSession, error) {
	entry, err := r.lookup(callID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	// A concurrent Evict may have removed the entry between lookup and
	// locking it; mutating the orphan would silently lose the update.
	if !r.registered(callID, entry) {
		return nil, ErrNotFound
	}
	if err := mutate(entry.s); err != nil {
		return nil, err
	}
	entry.s.UpdatedAt = r.now().UTC()
	return entry.s.Clone(), nil
}

// Evict takes the entry lock first so an in-flight Update for the same id
// finishes before the entry disappears.
func (r *MemoryRegistry) Evict(_ context.Context, callID string) error {
	entry, err := r.lookup(callID)
	if err != nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	r.mu.Lock()
	if r.entries[callID] == entry {
		delete(r.entries, callID)
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) registered(callID string, entry *memoryEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[callID] == entry
}

func (r *MemoryRegistry) lookup(callID string) (*memoryEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[callID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Start runs the idle-session janitor until ctx is cancelled. Sessions that
// never receive a terminal event are marked ENDED/error, reported through the
// expiry callback, and evicted, so dropped connections cannot leak entries.
func (r *MemoryRegistry) Start(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle()
			}
		}
	}()
}

func (r *MemoryRegistry) reapIdle() {
	cutoff := r.now().UTC().Add(-r.idleTimeout)

	// Snapshot first; entry locks are never taken while holding the map
	// lock, so eviction (entry lock, then map lock) cannot deadlock us.
	r.mu.RLock()
	candidates := make(map[string]*memoryEntry, len(r.entries))
	for id, entry := range r.entries {
		candidates[id] = entry
	}
	r.mu.RUnlock()

	for id, entry := range candidates {
		entry.mu.Lock()
		stale := entry.s.UpdatedAt.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			r.reapOne(id, cutoff)
		}
	}
}

func (r *MemoryRegistry) reapOne(callID string, cutoff time.Time) {
	entry, err := r.lookup(callID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	if !entry.s.UpdatedAt.Before(cutoff) {
		entry.mu.Unlock()
		return
	}
	var expired *CallSession
	if !entry.s.Ended() {
		_ = entry.s.End(EndReasonError)
		if !entry.s.Reported {
			entry.s.Reported = true
			expired = entry.s.Clone()
		}
	}
	entry.mu.Unlock()

	r.logger.Warn("session registry: reaping idle session", "call_id", callID)
	if expired != nil && r.onExpire != nil {
		r.onExpire(expired)
	}
	_ = r.Evict(context.Background(), callID)
}

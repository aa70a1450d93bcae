package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/voice-relay/pkg/logging"
)

func newTestRegistry() *MemoryRegistry {
	return NewMemoryRegistry(MemoryConfig{Logger: logging.New("error")})
}

func TestMemoryCreateAndGet(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	created, err := reg.Create(ctx, "CA1", map[string]string{"patient_name": "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, created.State)

	got, err := reg.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, "CA1", got.CallID)
	assert.Equal(t, "Jane Doe", got.DynamicVariables["patient_name"])
}

func TestMemoryCreateDuplicate(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	_, err = reg.Create(ctx, "CA1", nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestMemoryGetNotFound(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateMutatorErrorLeavesSessionUntouched(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	_, err = reg.Update(ctx, "CA1", func(s *CallSession) error {
		return s.AdvanceTo(StateInitiated) // backward, must fail
	})
	require.Error(t, err)

	got, err := reg.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, got.State)
}

func TestMemoryUpdateNoLostUpdates(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	const writers = 20
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := reg.Update(ctx, "CA1", func(s *CallSession) error {
					s.SetOutcome(map[string]string{"n": "x"})
					if s.CollectedOutcome["count"] == "" {
						s.CollectedOutcome["count"] = "0"
					}
					s.CollectedOutcome["count"] = s.CollectedOutcome["count"] + "i"
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := reg.Get(ctx, "CA1")
	require.NoError(t, err)
	// "0" plus one "i" appended per successful update.
	assert.Len(t, got.CollectedOutcome["count"], 1+writers*perWriter)
}

func TestMemoryEvictWaitsForInFlightUpdate(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	updateDone := make(chan error, 1)
	go func() {
		_, err := reg.Update(ctx, "CA1", func(s *CallSession) error {
			close(entered)
			<-release
			s.SetOutcome(map[string]string{"selected_time": "2026-02-01T10:00:00Z"})
			return nil
		})
		updateDone <- err
	}()

	<-entered
	evictDone := make(chan struct{})
	go func() {
		_ = reg.Evict(ctx, "CA1")
		close(evictDone)
	}()

	// Eviction must not finish while the mutator still holds the entry.
	select {
	case <-evictDone:
		t.Fatal("evict completed while an update was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-updateDone)
	select {
	case <-evictDone:
	case <-time.After(time.Second):
		t.Fatal("evict never completed")
	}

	_, err = reg.Get(ctx, "CA1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateRejectsEntryEvictedUnderfoot(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	entry, err := reg.lookup("CA1")
	require.NoError(t, err)

	// Hold the entry lock so the updater parks after its lookup, then pull
	// the entry out of the map while it waits. The mutation must be refused
	// rather than applied to the orphaned entry.
	entry.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := reg.Update(ctx, "CA1", func(s *CallSession) error {
			s.SetOutcome(map[string]string{"selected_time": "2026-02-01T10:00:00Z"})
			return nil
		})
		done <- err
	}()
	// Let the updater pass lookup and block on the entry.
	time.Sleep(20 * time.Millisecond)
	reg.mu.Lock()
	delete(reg.entries, "CA1")
	reg.mu.Unlock()
	entry.mu.Unlock()

	assert.ErrorIs(t, <-done, ErrNotFound)
}

func TestMemoryEvictMissingIsNoop(t *testing.T) {
	reg := newTestRegistry()
	assert.NoError(t, reg.Evict(context.Background(), "missing"))
}

func TestMemoryEvictRemoves(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Evict(ctx, "CA1"))
	_, err = reg.Get(ctx, "CA1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJanitorReapsIdleSessions(t *testing.T) {
	var mu sync.Mutex
	var expired []*CallSession

	reg := NewMemoryRegistry(MemoryConfig{
		IdleTimeout: time.Hour,
		Logger:      logging.New("error"),
		OnExpire: func(s *CallSession) {
			mu.Lock()
			expired = append(expired, s)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", map[string]string{"patient_name": "Jane Doe"})
	require.NoError(t, err)

	// Pretend the clock jumped past the idle window.
	reg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	reg.reapIdle()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, expired, 1)
	assert.Equal(t, "CA1", expired[0].CallID)
	assert.Equal(t, StateEnded, expired[0].State)
	assert.Equal(t, EndReasonError, expired[0].EndReason)

	_, err = reg.Get(ctx, "CA1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJanitorSkipsFreshSessions(t *testing.T) {
	reg := NewMemoryRegistry(MemoryConfig{
		IdleTimeout: time.Hour,
		Logger:      logging.New("error"),
	})
	ctx := context.Background()
	_, err := reg.Create(ctx, "CA1", nil)
	require.NoError(t, err)

	reg.reapIdle()

	_, err = reg.Get(ctx, "CA1")
	assert.NoError(t, err)
}

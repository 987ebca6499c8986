package lockmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/ci"
	"github.com/Musonder/Smart-Campus-Assignment/helper/testlog"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return New(testlog.HCLogger(t), 5*time.Second)
}

func TestManager_AcquireRelease(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	lease, err := m.Acquire(context.Background(), "section:1", "alice", 0, 0)
	must.NoError(t, err)
	must.Eq(t, "alice", lease.Owner)
	must.Eq(t, "alice", m.Holder("section:1"))

	must.NoError(t, m.Release("section:1", "alice"))
	must.Eq(t, "", m.Holder("section:1"))
}

func TestManager_Acquire_HeldTimesOut(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	_, err := m.Acquire(context.Background(), "section:1", "alice", 0, 0)
	must.NoError(t, err)

	_, err = m.Acquire(context.Background(), "section:1", "bob", 0, 50*time.Millisecond)
	must.ErrorIs(t, err, structs.ErrLockTimeout)
}

func TestManager_Acquire_SameOwnerRefreshes(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	first, err := m.Acquire(context.Background(), "section:1", "alice", time.Second, 0)
	must.NoError(t, err)

	second, err := m.Acquire(context.Background(), "section:1", "alice", time.Minute, 0)
	must.NoError(t, err)
	must.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestManager_Acquire_ExpiredLeaseReclaimed(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.Acquire(context.Background(), "section:1", "alice", time.Second, 0)
	must.NoError(t, err)

	// Alice's lease lapses; bob takes over without waiting.
	now = now.Add(2 * time.Second)
	lease, err := m.Acquire(context.Background(), "section:1", "bob", time.Second, 0)
	must.NoError(t, err)
	must.Eq(t, "bob", lease.Owner)
	must.Eq(t, "bob", m.Holder("section:1"))
}

func TestManager_Acquire_WaitsForRelease(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	_, err := m.Acquire(context.Background(), "section:1", "alice", 0, 0)
	must.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "section:1", "bob", 0, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	must.NoError(t, m.Release("section:1", "alice"))
	must.NoError(t, <-done)
	must.Eq(t, "bob", m.Holder("section:1"))
}

func TestManager_Acquire_ContextCanceled(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	_, err := m.Acquire(context.Background(), "section:1", "alice", 0, 0)
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "section:1", "bob", 0, time.Minute)
	must.ErrorIs(t, err, context.Canceled)
}

func TestManager_Release_NotHolder(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	_, err := m.Acquire(context.Background(), "section:1", "alice", 0, 0)
	must.NoError(t, err)

	must.ErrorIs(t, m.Release("section:1", "bob"), structs.ErrNotLockHolder)
	must.Eq(t, "alice", m.Holder("section:1"))

	// Releasing a lease nobody holds is a no-op.
	must.NoError(t, m.Release("section:99", "bob"))
}

func TestManager_Contention_SingleHolder(t *testing.T) {
	ci.Parallel(t)
	m := testManager(t)

	// Many goroutines fight over one resource; the critical section
	// must never be held by two owners at once.
	var held sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "section:hot", owner, time.Second, 5*time.Second)
			must.NoError(t, err)

			held.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			held.Unlock()

			time.Sleep(time.Millisecond)

			held.Lock()
			inside--
			held.Unlock()

			must.NoError(t, m.Release("section:hot", owner))
		}(string(rune('a' + i)))
	}
	wg.Wait()

	must.Eq(t, 1, maxInside)
}

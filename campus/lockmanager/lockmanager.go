// Package lockmanager provides process-wide cooperative leases on
// named resources. Leases are advisory: they reduce retry churn on
// hot keys (a contended section, the audit tail) but correctness
// always rests on the event store's version fencing. Leases expire
// after a TTL so a crashed owner cannot wedge a resource.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/helper/backoff"
)

// acquirePollInterval is the base pause between acquisition attempts
// while waiting on a held lease.
const acquirePollInterval = 5 * time.Millisecond

// Lease is a time-bounded exclusive claim on a named resource.
type Lease struct {
	ResourceID string
	Owner      string
	ExpiresAt  time.Time
}

// Manager tracks leases for the process. The zero value is not usable;
// construct with New.
type Manager struct {
	mu     sync.Mutex
	leases map[string]*Lease

	defaultTTL time.Duration
	logger     hclog.Logger

	// now is swapped by tests to drive expiry.
	now func() time.Time
}

func New(logger hclog.Logger, defaultTTL time.Duration) *Manager {
	return &Manager{
		leases:     make(map[string]*Lease),
		defaultTTL: defaultTTL,
		logger:     logger.Named("lock_manager"),
		now:        time.Now,
	}
}

// Acquire claims the resource for owner, blocking up to waitTimeout
// while another owner holds it. A zero ttl uses the manager default.
// Returns ErrLockTimeout when the wait budget or ctx expires first.
func (m *Manager) Acquire(ctx context.Context, resourceID, owner string, ttl, waitTimeout time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	start := time.Now()
	deadline := start.Add(waitTimeout)

	for attempt := 0; ; attempt++ {
		if lease, ok := m.tryAcquire(resourceID, owner, ttl); ok {
			metrics.MeasureSince([]string{"campus", "lock", "acquire_wait"}, start)
			return lease, nil
		}
		if attempt == 0 {
			metrics.IncrCounter([]string{"campus", "lock", "contended"}, 1)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, structs.ErrLockTimeout
		}
		pause := acquirePollInterval + backoff.Jitter(acquirePollInterval)
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

// tryAcquire takes the lease if it is free, expired, or already held
// by the same owner (which refreshes the TTL).
func (m *Manager) tryAcquire(resourceID, owner string, ttl time.Duration) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.leases[resourceID]; ok {
		if existing.Owner != owner && existing.ExpiresAt.After(now) {
			return nil, false
		}
		if existing.Owner != owner {
			m.logger.Debug("reclaiming expired lease",
				"resource_id", resourceID, "previous_owner", existing.Owner, "owner", owner)
		}
	}

	lease := &Lease{
		ResourceID: resourceID,
		Owner:      owner,
		ExpiresAt:  now.Add(ttl),
	}
	m.leases[resourceID] = lease
	metrics.SetGauge([]string{"campus", "lock", "held"}, float32(len(m.leases)))
	return lease, true
}

// Release gives up the lease. Only the current owner may release;
// anyone else gets ErrNotLockHolder. Releasing an expired or missing
// lease by its last owner is a no-op.
func (m *Manager) Release(resourceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[resourceID]
	if !ok {
		return nil
	}
	if existing.Owner != owner {
		if existing.ExpiresAt.After(m.now()) {
			return structs.ErrNotLockHolder
		}
		// Expired lease owned by someone else: leave it for reclaim.
		return nil
	}
	delete(m.leases, resourceID)
	metrics.SetGauge([]string{"campus", "lock", "held"}, float32(len(m.leases)))
	return nil
}

// Holder returns the current owner of the resource, or "" when the
// lease is free or expired.
func (m *Manager) Holder(resourceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[resourceID]
	if !ok || !existing.ExpiresAt.After(m.now()) {
		return ""
	}
	return existing.Owner
}

// Package config carries process-level configuration for the
// enrollment core with sane defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds every tunable the enrollment core recognizes. The zero
// value is not usable; start from DefaultConfig and Merge overrides on
// top.
type Config struct {
	// MaxCreditsPerSemester caps a student's concurrent credit load.
	MaxCreditsPerSemester int

	// DefaultMaxWaitlist is applied to sections registered without an
	// explicit waitlist bound.
	DefaultMaxWaitlist int

	// SnapshotEveryNEvents controls snapshot cadence: one snapshot per
	// N applied events rather than per append.
	SnapshotEveryNEvents int

	// SnapshotCacheSize bounds the snapshot retention cache (latest
	// snapshot per aggregate, LRU eviction).
	SnapshotCacheSize int

	// LockDefaultTTL is the lease lifetime when callers do not pass
	// one. Expired leases are reclaimable, so a crashed owner cannot
	// wedge a resource.
	LockDefaultTTL time.Duration

	// LockWaitTimeout bounds how long the service blocks acquiring a
	// section lease.
	LockWaitTimeout time.Duration

	// SectionLeases wraps the per-section critical section in an
	// advisory lease to cut retry churn on hot sections. Version
	// fencing remains authoritative either way.
	SectionLeases bool

	// EnrollRetryLimit bounds internal retries on version conflicts,
	// counter races, and lease timeouts before surfacing the error.
	// Enroll, Drop, and Complete all honor it.
	EnrollRetryLimit int

	// RetryBaseDelay is the base for jittered retry backoff.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxCreditsPerSemester: 18,
		DefaultMaxWaitlist:    10,
		SnapshotEveryNEvents:  10,
		SnapshotCacheSize:     512,
		LockDefaultTTL:        5 * time.Second,
		LockWaitTimeout:       2 * time.Second,
		SectionLeases:         true,
		EnrollRetryLimit:      3,
		RetryBaseDelay:        10 * time.Millisecond,
	}
}

// Merge returns a new Config with non-zero fields of b layered over c.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.MaxCreditsPerSemester != 0 {
		result.MaxCreditsPerSemester = b.MaxCreditsPerSemester
	}
	if b.DefaultMaxWaitlist != 0 {
		result.DefaultMaxWaitlist = b.DefaultMaxWaitlist
	}
	if b.SnapshotEveryNEvents != 0 {
		result.SnapshotEveryNEvents = b.SnapshotEveryNEvents
	}
	if b.SnapshotCacheSize != 0 {
		result.SnapshotCacheSize = b.SnapshotCacheSize
	}
	if b.LockDefaultTTL != 0 {
		result.LockDefaultTTL = b.LockDefaultTTL
	}
	if b.LockWaitTimeout != 0 {
		result.LockWaitTimeout = b.LockWaitTimeout
	}
	if b.SectionLeases {
		result.SectionLeases = true
	}
	if b.EnrollRetryLimit != 0 {
		result.EnrollRetryLimit = b.EnrollRetryLimit
	}
	if b.RetryBaseDelay != 0 {
		result.RetryBaseDelay = b.RetryBaseDelay
	}
	return &result
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.MaxCreditsPerSemester <= 0 {
		return fmt.Errorf("max credits per semester must be positive, got %d", c.MaxCreditsPerSemester)
	}
	if c.SnapshotEveryNEvents < 1 {
		return fmt.Errorf("snapshot cadence must be >= 1, got %d", c.SnapshotEveryNEvents)
	}
	if c.SnapshotCacheSize < 1 {
		return fmt.Errorf("snapshot cache size must be >= 1, got %d", c.SnapshotCacheSize)
	}
	if c.LockDefaultTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive, got %s", c.LockDefaultTTL)
	}
	if c.EnrollRetryLimit < 0 {
		return fmt.Errorf("enroll retry limit must be >= 0, got %d", c.EnrollRetryLimit)
	}
	return nil
}

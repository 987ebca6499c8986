// Package audit maintains the tamper-evident audit log. Entries form a
// hash chain: each entry's hash covers its predecessor's hash, so any
// mutation of a persisted entry is detectable locally. Writers are
// serialized on the chain tail; a failed append is fatal for the
// operation being audited.
package audit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/helper/uuid"
)

// Store is the persistence boundary for audit entries.
type Store interface {
	AppendEntry(*structs.AuditEntry) error
	TailEntry() (*structs.AuditEntry, error)
	Entries() ([]*structs.AuditEntry, error)
}

// Log appends hash-chained entries to a Store. All appends serialize
// on the tail mutex; the chain admits exactly one extension at a time.
type Log struct {
	mu    sync.Mutex
	store Store

	// tailHash caches the last entry's hash so appends do not re-read
	// the store. Maintained under mu.
	tailHash string
	// position is the 1-based chain position of the tail.
	position uint64

	logger hclog.Logger
}

func NewLog(logger hclog.Logger, store Store) (*Log, error) {
	l := &Log{
		store:  store,
		logger: logger.Named("audit"),
	}
	tail, err := store.TailEntry()
	if err != nil {
		return nil, fmt.Errorf("audit tail load failed: %w", err)
	}
	if tail != nil {
		l.tailHash = tail.EntryHash
		l.position = tail.CreateIndex
	}
	return l, nil
}

// Append seals a new entry onto the chain and persists it. On storage
// failure the in-memory tail is left unchanged and the error wraps
// ErrAuditFailure; callers must not acknowledge the audited operation.
func (l *Log) Append(action, resourceType, resourceID, actorID string, metadata map[string]string) (*structs.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &structs.AuditEntry{
		ID:           uuid.Generate(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      actorID,
		Timestamp:    time.Now().UTC(),
		Metadata:     metadata,
		PreviousHash: l.tailHash,
		CreateIndex:  l.position + 1,
	}
	entry.Seal()

	if err := l.store.AppendEntry(entry); err != nil {
		l.logger.Error("audit append failed", "action", action,
			"resource_type", resourceType, "error", err)
		return nil, fmt.Errorf("%w: %v", structs.ErrAuditFailure, err)
	}

	l.tailHash = entry.EntryHash
	l.position = entry.CreateIndex
	return entry.Copy(), nil
}

// VerifyChain re-verifies every persisted entry and link, returning
// all defects found.
func (l *Log) VerifyChain() error {
	entries, err := l.store.Entries()
	if err != nil {
		return fmt.Errorf("audit read failed: %w", err)
	}

	var mErr *multierror.Error
	var prev *structs.AuditEntry
	for _, e := range entries {
		if !e.VerifyHash() {
			mErr = multierror.Append(mErr, fmt.Errorf("entry %s fails hash verification", e.ID))
		}
		if !e.VerifyChain(prev) {
			mErr = multierror.Append(mErr, fmt.Errorf("entry %s breaks the chain link", e.ID))
		}
		prev = e
	}
	return mErr.ErrorOrNil()
}

// memdbStore is the default in-memory Store.
type memdbStore struct {
	db *memdb.MemDB
}

const (
	tableAudit    = "audit"
	indexID       = "id"
	indexPosition = "position"
)

func auditSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableAudit: {
				Name: tableAudit,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexPosition: {
						Name:    indexPosition,
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "CreateIndex"},
					},
				},
			},
		},
	}
}

// NewMemdbStore returns an in-memory Store suitable for a single
// process.
func NewMemdbStore() (Store, error) {
	db, err := memdb.NewMemDB(auditSchema())
	if err != nil {
		return nil, fmt.Errorf("audit store setup failed: %w", err)
	}
	return &memdbStore{db: db}, nil
}

func (s *memdbStore) AppendEntry(e *structs.AuditEntry) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableAudit, e.Copy()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *memdbStore) TailEntry() (*structs.AuditEntry, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1], nil
}

func (s *memdbStore) Entries() ([]*structs.AuditEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableAudit, indexID)
	if err != nil {
		return nil, err
	}
	var out []*structs.AuditEntry
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.AuditEntry).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, nil
}

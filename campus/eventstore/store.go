// Package eventstore implements the append-only per-stream event log
// that is the source of truth for enrollment aggregates. Appends are
// fenced by per-stream versions; a compound unique index on
// (StreamID, StreamPosition) backs the fence at the storage layer.
// Streams are independent: there is no cross-stream ordering.
package eventstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/helper/uuid"
)

const (
	tableEvents = "events"

	indexID     = "id"
	indexStream = "stream"
	indexUnique = "stream_position"
)

// Envelope is the persisted form of one domain event: typed header
// plus msgpack-encoded payload and metadata blobs.
type Envelope struct {
	EventID        string
	StreamID       string
	StreamPosition uint64
	EventType      structs.EventType
	Timestamp      time.Time
	Payload        []byte
	Metadata       []byte
}

func (e *Envelope) Copy() *Envelope {
	if e == nil {
		return nil
	}
	ne := *e
	ne.Payload = append([]byte(nil), e.Payload...)
	ne.Metadata = append([]byte(nil), e.Metadata...)
	return &ne
}

// Snapshot caches the fold of a stream's events 1..Version so replay
// does not start from the beginning. Snapshots are disposable; losing
// one only costs replay time.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	State         []byte
	Version       uint64
	EventCount    uint64
	CreateTime    time.Time
}

// Folder is implemented by aggregates that can be rebuilt from a
// snapshot plus subsequent envelopes.
type Folder interface {
	RestoreSnapshot(*Snapshot) error
	ApplyEnvelope(*Envelope) error
}

func eventStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "EventID"},
					},
					indexStream: {
						Name:    indexStream,
						Indexer: &memdb.StringFieldIndex{Field: "StreamID"},
					},
					// The storage-level enforcement of the version
					// fence: two appends can never land on the same
					// position of one stream.
					indexUnique: {
						Name:   indexUnique,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "StreamID"},
								&memdb.UintFieldIndex{Field: "StreamPosition"},
							},
						},
					},
				},
			},
		},
	}
}

// EventStore stores envelopes and snapshots. Safe for concurrent use;
// appends serialize on the underlying write transaction.
type EventStore struct {
	db        *memdb.MemDB
	snapshots *lru.Cache[string, *Snapshot]
	logger    hclog.Logger
}

// Config for the event store; zero values fall back to defaults.
type Config struct {
	// SnapshotCacheSize bounds snapshot retention.
	SnapshotCacheSize int
}

func New(cfg Config, logger hclog.Logger) (*EventStore, error) {
	db, err := memdb.NewMemDB(eventStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("event store setup failed: %w", err)
	}
	size := cfg.SnapshotCacheSize
	if size <= 0 {
		size = 512
	}
	snapshots, err := lru.New[string, *Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache setup failed: %w", err)
	}
	return &EventStore{
		db:        db,
		snapshots: snapshots,
		logger:    logger.Named("event_store"),
	}, nil
}

// Append writes one domain event to the stream. With a non-nil
// expected version the append succeeds only if the stream tail equals
// it, otherwise a ConcurrencyError reports both versions and the
// caller may refetch and retry. A nil expected version appends at the
// current tail unconditionally.
func (s *EventStore) Append(streamID string, expected *uint64, event structs.DomainEvent, metadata map[string]string) (*Envelope, error) {
	defer metrics.MeasureSince([]string{"campus", "eventstore", "append"}, time.Now())

	payload, err := structs.Encode(event)
	if err != nil {
		return nil, fmt.Errorf("event payload encoding failed: %w", err)
	}
	var mdBlob []byte
	if len(metadata) > 0 {
		if mdBlob, err = structs.Encode(metadata); err != nil {
			return nil, fmt.Errorf("event metadata encoding failed: %w", err)
		}
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	tail, err := streamVersionTxn(txn, streamID)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != tail {
		metrics.IncrCounter([]string{"campus", "eventstore", "append_conflict"}, 1)
		return nil, &structs.ConcurrencyError{
			StreamID: streamID,
			Expected: *expected,
			Actual:   tail,
		}
	}

	env := &Envelope{
		EventID:        uuid.Generate(),
		StreamID:       streamID,
		StreamPosition: tail + 1,
		EventType:      event.EventType(),
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
		Metadata:       mdBlob,
	}
	if err := txn.Insert(tableEvents, env); err != nil {
		return nil, fmt.Errorf("event insert failed: %w", err)
	}
	txn.Commit()

	s.logger.Trace("appended event", "stream_id", streamID,
		"position", env.StreamPosition, "event_type", env.EventType)
	return env.Copy(), nil
}

// StreamVersion returns the stream's tail position; zero for an empty
// stream.
func (s *EventStore) StreamVersion(streamID string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return streamVersionTxn(txn, streamID)
}

func streamVersionTxn(txn *memdb.Txn, streamID string) (uint64, error) {
	iter, err := txn.Get(tableEvents, indexStream, streamID)
	if err != nil {
		return 0, fmt.Errorf("stream lookup failed: %w", err)
	}
	var tail uint64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if env := raw.(*Envelope); env.StreamPosition > tail {
			tail = env.StreamPosition
		}
	}
	return tail, nil
}

// ReadStream returns the stream's envelopes ordered by position.
// from/to bound the positions inclusively; zero means unbounded.
func (s *EventStore) ReadStream(streamID string, from, to uint64) ([]*Envelope, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableEvents, indexStream, streamID)
	if err != nil {
		return nil, fmt.Errorf("stream lookup failed: %w", err)
	}

	var out []*Envelope
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		env := raw.(*Envelope)
		if from != 0 && env.StreamPosition < from {
			continue
		}
		if to != 0 && env.StreamPosition > to {
			continue
		}
		out = append(out, env.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StreamPosition < out[j].StreamPosition
	})
	return out, nil
}

// SaveSnapshot retains the snapshot as the latest for its aggregate.
// Older snapshots for the aggregate are superseded; the cache bound
// evicts cold aggregates entirely, which only costs a longer replay.
func (s *EventStore) SaveSnapshot(snap *Snapshot) error {
	if snap.AggregateID == "" {
		return fmt.Errorf("snapshot missing aggregate ID")
	}
	snap.CreateTime = time.Now().UTC()
	s.snapshots.Add(snap.AggregateID, snap)
	metrics.SetGauge([]string{"campus", "eventstore", "snapshots"}, float32(s.snapshots.Len()))
	return nil
}

// LatestSnapshot returns the retained snapshot for the aggregate, or
// nil when none is cached.
func (s *EventStore) LatestSnapshot(aggregateID string) (*Snapshot, error) {
	snap, ok := s.snapshots.Get(aggregateID)
	if !ok {
		return nil, nil
	}
	return snap, nil
}

// Replay rebuilds agg from the latest snapshot (when present) plus all
// subsequent envelopes, and returns the resulting version. The result
// equals the fold of events 1..tail regardless of snapshot presence.
func (s *EventStore) Replay(streamID, aggregateID string, agg Folder) (uint64, error) {
	defer metrics.MeasureSince([]string{"campus", "eventstore", "replay"}, time.Now())

	var from uint64 = 1
	snap, err := s.LatestSnapshot(aggregateID)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := agg.RestoreSnapshot(snap); err != nil {
			return 0, fmt.Errorf("snapshot restore failed: %w", err)
		}
		from = snap.Version + 1
	}

	envs, err := s.ReadStream(streamID, from, 0)
	if err != nil {
		return 0, err
	}
	version := from - 1
	for _, env := range envs {
		if env.StreamPosition != version+1 {
			return 0, fmt.Errorf("stream %s has gap at position %d", streamID, version+1)
		}
		if err := agg.ApplyEnvelope(env); err != nil {
			return 0, fmt.Errorf("replay of stream %s failed at position %d: %w",
				streamID, env.StreamPosition, err)
		}
		version = env.StreamPosition
	}
	return version, nil
}

// DecodeEvent reconstructs the typed domain event from an envelope.
func DecodeEvent(env *Envelope) (structs.DomainEvent, error) {
	switch env.EventType {
	case structs.TypeStudentEnrolled:
		var ev structs.StudentEnrolledEvent
		if err := structs.Decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case structs.TypeStudentWaitlisted:
		var ev structs.StudentWaitlistedEvent
		if err := structs.Decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case structs.TypeStudentPromoted:
		var ev structs.StudentPromotedEvent
		if err := structs.Decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case structs.TypeStudentDropped:
		var ev structs.StudentDroppedEvent
		if err := structs.Decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case structs.TypeEnrollmentCompleted:
		var ev structs.EnrollmentCompletedEvent
		if err := structs.Decode(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
}

// DecodeMetadata returns the envelope's metadata map; nil when the
// envelope carries none.
func DecodeMetadata(env *Envelope) (map[string]string, error) {
	if len(env.Metadata) == 0 {
		return nil, nil
	}
	var md map[string]string
	if err := structs.Decode(env.Metadata, &md); err != nil {
		return nil, err
	}
	return md, nil
}

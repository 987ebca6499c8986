// Package enrollment contains the enrollment aggregate and the service
// that orchestrates policy checks, event persistence, read-model
// updates, and auditing for enrollment requests.
package enrollment

import (
	"fmt"
	"time"

	"github.com/Musonder/Smart-Campus-Assignment/campus/eventstore"
	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
)

// AggregateType labels snapshots of enrollment aggregates.
const AggregateType = "enrollment"

// StreamID returns the event stream key for an enrollment aggregate.
func StreamID(enrollmentID string) string {
	return "enrollment-" + enrollmentID
}

// Aggregate is the enrollment state machine:
//
//	(none) --enroll--> enrolled --drop--> dropped
//	       --waitlist--> waitlisted --promote--> enrolled
//	                                --drop--> dropped
//	enrolled --complete--> completed
//
// Each transition raises exactly one domain event. The aggregate
// buffers raised events until the service persists them and calls
// MarkCommitted. Version counts applied events.
type Aggregate struct {
	ID         string
	StudentID  string
	SectionID  string
	CourseCode string

	// Status is empty until the first event applies.
	Status string

	// WaitlistPosition is zero unless Status is waitlisted.
	WaitlistPosition int

	EnrolledAt time.Time
	Version    uint64

	uncommitted []structs.DomainEvent
}

func NewAggregate(id string) *Aggregate {
	return &Aggregate{ID: id}
}

// Enroll transitions a fresh aggregate directly into a seat.
func (a *Aggregate) Enroll(studentID, sectionID, courseCode, actorID string) error {
	if a.Status != "" {
		return fmt.Errorf("%w: enroll from %q", structs.ErrInvalidTransition, a.Status)
	}
	return a.raise(structs.StudentEnrolledEvent{
		StudentID:  studentID,
		SectionID:  sectionID,
		CourseCode: courseCode,
		ActorID:    actorID,
		EnrolledAt: time.Now().UTC(),
	})
}

// Waitlist transitions a fresh aggregate onto the waitlist at the
// given 1-based position.
func (a *Aggregate) Waitlist(studentID, sectionID string, position int, actorID string) error {
	if a.Status != "" {
		return fmt.Errorf("%w: waitlist from %q", structs.ErrInvalidTransition, a.Status)
	}
	if position < 1 {
		return fmt.Errorf("waitlist position must be >= 1, got %d", position)
	}
	return a.raise(structs.StudentWaitlistedEvent{
		StudentID: studentID,
		SectionID: sectionID,
		Position:  position,
		ActorID:   actorID,
	})
}

// Promote moves a waitlisted aggregate into a seat.
func (a *Aggregate) Promote(actorID string) error {
	if a.Status != structs.EnrollmentStatusWaitlisted {
		return fmt.Errorf("%w: promote from %q", structs.ErrInvalidTransition, a.Status)
	}
	return a.raise(structs.StudentPromotedEvent{
		StudentID:  a.StudentID,
		SectionID:  a.SectionID,
		ActorID:    actorID,
		PromotedAt: time.Now().UTC(),
	})
}

// Drop terminates an enrolled or waitlisted aggregate.
func (a *Aggregate) Drop(actorID string) error {
	if a.Status != structs.EnrollmentStatusEnrolled && a.Status != structs.EnrollmentStatusWaitlisted {
		return fmt.Errorf("%w: drop from %q", structs.ErrInvalidTransition, a.Status)
	}
	return a.raise(structs.StudentDroppedEvent{
		StudentID: a.StudentID,
		SectionID: a.SectionID,
		ActorID:   actorID,
		DroppedAt: time.Now().UTC(),
	})
}

// Complete terminates an enrolled aggregate successfully.
func (a *Aggregate) Complete(actorID string) error {
	if a.Status != structs.EnrollmentStatusEnrolled {
		return fmt.Errorf("%w: complete from %q", structs.ErrInvalidTransition, a.Status)
	}
	return a.raise(structs.EnrollmentCompletedEvent{
		StudentID:   a.StudentID,
		SectionID:   a.SectionID,
		ActorID:     actorID,
		CompletedAt: time.Now().UTC(),
	})
}

// raise applies the event and buffers it for persistence.
func (a *Aggregate) raise(ev structs.DomainEvent) error {
	if err := a.apply(ev); err != nil {
		return err
	}
	a.uncommitted = append(a.uncommitted, ev)
	return nil
}

// apply mutates the aggregate per the event and increments Version.
func (a *Aggregate) apply(ev structs.DomainEvent) error {
	switch e := ev.(type) {
	case structs.StudentEnrolledEvent:
		a.StudentID = e.StudentID
		a.SectionID = e.SectionID
		a.CourseCode = e.CourseCode
		a.Status = structs.EnrollmentStatusEnrolled
		a.EnrolledAt = e.EnrolledAt
	case structs.StudentWaitlistedEvent:
		a.StudentID = e.StudentID
		a.SectionID = e.SectionID
		a.Status = structs.EnrollmentStatusWaitlisted
		a.WaitlistPosition = e.Position
	case structs.StudentPromotedEvent:
		a.Status = structs.EnrollmentStatusEnrolled
		a.WaitlistPosition = 0
		a.EnrolledAt = e.PromotedAt
	case structs.StudentDroppedEvent:
		a.Status = structs.EnrollmentStatusDropped
		a.WaitlistPosition = 0
	case structs.EnrollmentCompletedEvent:
		a.Status = structs.EnrollmentStatusCompleted
	default:
		return fmt.Errorf("unknown event type %T", ev)
	}
	a.Version++
	return nil
}

// UncommittedEvents returns raised events awaiting persistence, in
// raise order.
func (a *Aggregate) UncommittedEvents() []structs.DomainEvent {
	return append([]structs.DomainEvent(nil), a.uncommitted...)
}

// MarkCommitted clears the buffer once events are persisted.
func (a *Aggregate) MarkCommitted() {
	a.uncommitted = nil
}

// ApplyEnvelope folds one persisted envelope during replay.
func (a *Aggregate) ApplyEnvelope(env *eventstore.Envelope) error {
	ev, err := eventstore.DecodeEvent(env)
	if err != nil {
		return err
	}
	return a.apply(ev)
}

// aggregateState is the snapshot encoding of an aggregate.
type aggregateState struct {
	ID               string
	StudentID        string
	SectionID        string
	CourseCode       string
	Status           string
	WaitlistPosition int
	EnrolledAt       time.Time
}

// Snapshot encodes the aggregate's current state at its version.
func (a *Aggregate) Snapshot() (*eventstore.Snapshot, error) {
	blob, err := structs.Encode(&aggregateState{
		ID:               a.ID,
		StudentID:        a.StudentID,
		SectionID:        a.SectionID,
		CourseCode:       a.CourseCode,
		Status:           a.Status,
		WaitlistPosition: a.WaitlistPosition,
		EnrolledAt:       a.EnrolledAt,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot encoding failed: %w", err)
	}
	return &eventstore.Snapshot{
		AggregateID:   a.ID,
		AggregateType: AggregateType,
		State:         blob,
		Version:       a.Version,
		EventCount:    a.Version,
	}, nil
}

// RestoreSnapshot loads state captured by Snapshot, setting Version to
// the snapshot's.
func (a *Aggregate) RestoreSnapshot(snap *eventstore.Snapshot) error {
	var st aggregateState
	if err := structs.Decode(snap.State, &st); err != nil {
		return fmt.Errorf("snapshot decoding failed: %w", err)
	}
	a.ID = st.ID
	a.StudentID = st.StudentID
	a.SectionID = st.SectionID
	a.CourseCode = st.CourseCode
	a.Status = st.Status
	a.WaitlistPosition = st.WaitlistPosition
	a.EnrolledAt = st.EnrolledAt
	a.Version = snap.Version
	a.uncommitted = nil
	return nil
}

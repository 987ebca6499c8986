package structs

import "time"

// EventType identifies a domain event kind on the wire and in storage.
type EventType string

const (
	TypeStudentEnrolled     EventType = "StudentEnrolled"
	TypeStudentWaitlisted   EventType = "StudentWaitlisted"
	TypeStudentPromoted     EventType = "StudentPromoted"
	TypeStudentDropped      EventType = "StudentDropped"
	TypeEnrollmentCompleted EventType = "EnrollmentCompleted"
)

// DomainEvent is implemented by every enrollment domain event. Events
// are immutable once appended to a stream.
type DomainEvent interface {
	EventType() EventType
}

// StudentEnrolledEvent records a direct enrollment into a seat.
type StudentEnrolledEvent struct {
	StudentID  string
	SectionID  string
	CourseCode string
	ActorID    string
	EnrolledAt time.Time
}

func (StudentEnrolledEvent) EventType() EventType { return TypeStudentEnrolled }

// StudentWaitlistedEvent records placement onto the waitlist at a
// 1-based position.
type StudentWaitlistedEvent struct {
	StudentID string
	SectionID string
	Position  int
	ActorID   string
}

func (StudentWaitlistedEvent) EventType() EventType { return TypeStudentWaitlisted }

// StudentPromotedEvent records a waitlisted student taking a freed
// seat.
type StudentPromotedEvent struct {
	StudentID  string
	SectionID  string
	ActorID    string
	PromotedAt time.Time
}

func (StudentPromotedEvent) EventType() EventType { return TypeStudentPromoted }

// StudentDroppedEvent records a drop from either a seat or the
// waitlist.
type StudentDroppedEvent struct {
	StudentID string
	SectionID string
	ActorID   string
	DroppedAt time.Time
}

func (StudentDroppedEvent) EventType() EventType { return TypeStudentDropped }

// EnrollmentCompletedEvent records successful completion of the
// section, feeding the completed-courses projection.
type EnrollmentCompletedEvent struct {
	StudentID   string
	SectionID   string
	ActorID     string
	CompletedAt time.Time
}

func (EnrollmentCompletedEvent) EventType() EventType { return TypeEnrollmentCompleted }

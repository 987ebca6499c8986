// Package structs holds the domain types shared across the campus
// enrollment core. Components communicate by passing these types; they
// are persistence-agnostic and carry no behavior beyond validation and
// copying.
package structs

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/Musonder/Smart-Campus-Assignment/helper/pointer"
)

const (
	// EnrollmentStatusEnrolled means the student holds a seat in the
	// section.
	EnrollmentStatusEnrolled = "enrolled"

	// EnrollmentStatusWaitlisted means the student holds a numbered
	// waitlist position and no seat.
	EnrollmentStatusWaitlisted = "waitlisted"

	// EnrollmentStatusDropped is terminal.
	EnrollmentStatusDropped = "dropped"

	// EnrollmentStatusCompleted is terminal and feeds the
	// completed-courses projection used for prerequisite checks.
	EnrollmentStatusCompleted = "completed"
)

const (
	StandingGood      = "good"
	StandingWarning   = "warning"
	StandingProbation = "probation"
	StandingSuspended = "suspended"
)

// MsgpackHandle is a shared handle used for encoding and decoding
// persisted blobs (event payloads, snapshot state).
var MsgpackHandle = &codec.MsgpackHandle{}

// Encode serializes v with the shared msgpack handle.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, MsgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes buf into out with the shared msgpack handle.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), MsgpackHandle).Decode(out)
}

// Course is a catalog entry. Courses are immutable after creation
// except for metadata.
type Course struct {
	ID            string
	Code          string
	Title         string
	Credits       int
	Level         string
	Department    string
	Prerequisites []string
	Corequisites  []string

	CreateIndex uint64
	ModifyIndex uint64
}

func (c *Course) Copy() *Course {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Prerequisites = append([]string(nil), c.Prerequisites...)
	nc.Corequisites = append([]string(nil), c.Corequisites...)
	return &nc
}

func (c *Course) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("missing course ID")
	}
	if c.Code == "" {
		return fmt.Errorf("missing course code")
	}
	if c.Credits <= 0 {
		return fmt.Errorf("course %s: credits must be positive, got %d", c.Code, c.Credits)
	}
	return nil
}

// Section is a scheduled offering of a course for one semester.
type Section struct {
	ID           string
	CourseID     string
	Semester     string
	InstructorID string
	Schedule     *Schedule
	RoomID       *string

	MaxEnrollment     int
	CurrentEnrollment int
	WaitlistSize      int
	MaxWaitlist       int

	StartDate          time.Time
	EndDate            time.Time
	AddDropDeadline    time.Time
	WithdrawalDeadline time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *Section) Copy() *Section {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Schedule = s.Schedule.Copy()
	ns.RoomID = pointer.Copy(s.RoomID)
	return &ns
}

func (s *Section) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing section ID")
	}
	if s.CourseID == "" {
		return fmt.Errorf("section %s: missing course ID", s.ID)
	}
	if s.Schedule == nil {
		return fmt.Errorf("section %s: missing schedule", s.ID)
	}
	if err := s.Schedule.Validate(); err != nil {
		return fmt.Errorf("section %s: %w", s.ID, err)
	}
	if s.MaxEnrollment < 0 || s.CurrentEnrollment < 0 || s.CurrentEnrollment > s.MaxEnrollment {
		return fmt.Errorf("section %s: enrollment count %d outside [0, %d]",
			s.ID, s.CurrentEnrollment, s.MaxEnrollment)
	}
	if s.MaxWaitlist < 0 || s.WaitlistSize < 0 || s.WaitlistSize > s.MaxWaitlist {
		return fmt.Errorf("section %s: waitlist size %d outside [0, %d]",
			s.ID, s.WaitlistSize, s.MaxWaitlist)
	}
	if !s.AddDropDeadline.IsZero() && !s.WithdrawalDeadline.IsZero() {
		if s.WithdrawalDeadline.Before(s.AddDropDeadline) {
			return fmt.Errorf("section %s: withdrawal deadline precedes add/drop deadline", s.ID)
		}
		if !s.EndDate.IsZero() && s.EndDate.Before(s.WithdrawalDeadline) {
			return fmt.Errorf("section %s: withdrawal deadline after section end", s.ID)
		}
	}
	return nil
}

// HasSeat reports whether the section can take another direct
// enrollment.
func (s *Section) HasSeat() bool {
	return s.CurrentEnrollment < s.MaxEnrollment
}

// HasWaitlistSlot reports whether the section waitlist can take another
// student.
func (s *Section) HasWaitlistSlot() bool {
	return s.WaitlistSize < s.MaxWaitlist
}

// Student is the slice of a student record the enrollment core needs.
// Completed courses and current schedule are projections served by the
// read model, not fields here.
type Student struct {
	ID               string
	GPA              float64
	AcademicStanding string

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *Student) Copy() *Student {
	if s == nil {
		return nil
	}
	ns := *s
	return &ns
}

func (s *Student) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing student ID")
	}
	switch s.AcademicStanding {
	case StandingGood, StandingWarning, StandingProbation, StandingSuspended:
		return nil
	default:
		return fmt.Errorf("student %s: unknown academic standing %q", s.ID, s.AcademicStanding)
	}
}

// Enrollment is the read-model projection of one enrollment aggregate.
// Version mirrors the aggregate's applied event count.
type Enrollment struct {
	ID        string
	StudentID string
	SectionID string
	Status    string

	// WaitlistPosition is nil unless Status is waitlisted.
	WaitlistPosition *int

	EnrolledAt time.Time
	Version    uint64

	CreateIndex uint64
	ModifyIndex uint64
}

func (e *Enrollment) Copy() *Enrollment {
	if e == nil {
		return nil
	}
	ne := *e
	ne.WaitlistPosition = pointer.Copy(e.WaitlistPosition)
	return &ne
}

// Active reports whether the enrollment occupies a seat or waitlist
// slot. At most one active enrollment may exist per (student, section).
func (e *Enrollment) Active() bool {
	return e.Status == EnrollmentStatusEnrolled || e.Status == EnrollmentStatusWaitlisted
}

// Grade is an immutable grade record. Regrades insert a new row
// pointing at the superseded one; rows are never updated in place.
type Grade struct {
	ID           string
	StudentID    string
	SectionID    string
	AssessmentID string

	PointsEarned float64
	TotalPoints  float64
	LetterGrade  string

	GradedBy string
	GradedAt time.Time

	PreviousGradeID *string
	Version         int

	CreateIndex uint64
}

func (g *Grade) Copy() *Grade {
	if g == nil {
		return nil
	}
	ng := *g
	ng.PreviousGradeID = pointer.Copy(g.PreviousGradeID)
	return &ng
}

func (g *Grade) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("missing grade ID")
	}
	if g.StudentID == "" || g.SectionID == "" {
		return fmt.Errorf("grade %s: missing student or section ID", g.ID)
	}
	if g.TotalPoints <= 0 {
		return fmt.Errorf("grade %s: total points must be positive", g.ID)
	}
	if g.Version < 1 {
		return fmt.Errorf("grade %s: version must be >= 1", g.ID)
	}
	return nil
}

// ScheduledSection pairs a section's schedule with identifying info,
// used when checking a student's existing commitments for conflicts.
type ScheduledSection struct {
	SectionID  string
	CourseCode string
	Schedule   *Schedule
}

package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/Musonder/Smart-Campus-Assignment/campus/audit"
	"github.com/Musonder/Smart-Campus-Assignment/campus/config"
	"github.com/Musonder/Smart-Campus-Assignment/campus/eventstore"
	"github.com/Musonder/Smart-Campus-Assignment/campus/lockmanager"
	"github.com/Musonder/Smart-Campus-Assignment/campus/policy"
	"github.com/Musonder/Smart-Campus-Assignment/campus/resilience"
	"github.com/Musonder/Smart-Campus-Assignment/campus/state"
	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/helper/backoff"
	"github.com/Musonder/Smart-Campus-Assignment/helper/uuid"
)

// Breaker names used by the service.
const (
	breakerEventStore = "event_store"
	breakerAudit      = "audit"
)

// Service orchestrates enrollment requests: it gathers context from
// the read model, consults the policy engine, mutates the aggregate,
// persists events behind the version fence, projects the result back
// into the read model, and chains an audit entry. Concurrency control
// is optimistic by default; hot sections are additionally serialized
// through an advisory lease when configured.
type Service struct {
	cfg      *config.Config
	logger   hclog.Logger
	state    *state.StateStore
	events   *eventstore.EventStore
	engine   *policy.Engine
	locks    *lockmanager.Manager
	auditLog *audit.Log
	breakers *resilience.Registry

	// index feeds read-model writes. The read model is not the source
	// of truth, so a process-local counter is sufficient.
	index atomic.Uint64
}

func NewService(
	cfg *config.Config,
	logger hclog.Logger,
	stateStore *state.StateStore,
	events *eventstore.EventStore,
	engine *policy.Engine,
	locks *lockmanager.Manager,
	auditLog *audit.Log,
	breakers *resilience.Registry,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger.Named("enrollment"),
		state:    stateStore,
		events:   events,
		engine:   engine,
		locks:    locks,
		auditLog: auditLog,
		breakers: breakers,
	}
	s.index.Store(stateStore.LatestIndex())
	return s, nil
}

func (s *Service) nextIndex() uint64 {
	return s.index.Add(1)
}

// retryable reports whether the error is a transient race worth
// retrying: a version fence failure, a lost counter reservation, or a
// lease that could not be taken in time.
func retryable(err error) bool {
	return structs.IsConcurrencyError(err) ||
		errors.Is(err, state.ErrCounterOutOfRange) ||
		errors.Is(err, structs.ErrLockTimeout)
}

// withRetries runs fn up to the configured retry limit, backing off
// with jitter between attempts. Only transient races retry; every
// other error surfaces immediately.
func (s *Service) withRetries(ctx context.Context, op string, fn func() (*structs.Enrollment, error)) (*structs.Enrollment, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.EnrollRetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			metrics.IncrCounterWithLabels([]string{"campus", "enrollment", "retry"}, 1,
				[]metrics.Label{{Name: "op", Value: op}})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.Wait(attempt, s.cfg.RetryBaseDelay, 250*time.Millisecond)):
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("retrying after transient conflict", "op", op,
			"attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%s retries exhausted: %w", op, lastErr)
}

// Enroll admits the student into the section or onto its waitlist.
// Policy denials, NotFound, AlreadyEnrolled, and SectionFull surface
// immediately; transient races retry internally with jittered backoff
// up to the configured limit.
func (s *Service) Enroll(ctx context.Context, studentID, sectionID, actorID string) (*structs.Enrollment, error) {
	defer metrics.MeasureSince([]string{"campus", "enrollment", "enroll"}, time.Now())

	return s.withRetries(ctx, "enroll", func() (*structs.Enrollment, error) {
		return s.enrollOnce(ctx, studentID, sectionID, actorID)
	})
}

func (s *Service) enrollOnce(ctx context.Context, studentID, sectionID, actorID string) (*structs.Enrollment, error) {
	s.logger.Info("starting enrollment", "student_id", studentID, "section_id", sectionID)

	if s.cfg.SectionLeases {
		release, err := s.leaseSection(ctx, sectionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	section, err := s.state.SectionByID(sectionID)
	if err != nil {
		return nil, err
	}
	course, err := s.state.CourseByID(section.CourseID)
	if err != nil {
		return nil, err
	}
	student, err := s.state.StudentByID(studentID)
	if err != nil {
		return nil, err
	}

	existing, err := s.state.ActiveEnrollment(studentID, sectionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("student %s in section %s: %w",
			studentID, sectionID, structs.ErrAlreadyEnrolled)
	}

	pctx, err := s.buildPolicyContext(student, section, course)
	if err != nil {
		return nil, err
	}

	results := s.engine.EvaluateAll(pctx)
	firstFailure := firstDenied(results)
	if firstFailure != nil && !capacityOnlyFailure(results) {
		s.logger.Warn("enrollment denied by policy",
			"student_id", studentID, "section_id", sectionID,
			"policy", firstFailure.PolicyName, "reason", firstFailure.Reason)
		metrics.IncrCounter([]string{"campus", "enrollment", "denied"}, 1)
		return nil, &structs.PolicyDeniedError{
			Reason:        firstFailure.Reason,
			ViolatedRules: append([]string(nil), firstFailure.ViolatedRules...),
			Metadata:      firstFailure.Metadata,
		}
	}

	// Register first: the active-pair check, the bounds-checked counter
	// claim, and the row insert land in one state-store transaction, so
	// racing requests for the same pair or the last seat cannot both
	// succeed. A lost seat claim comes back ErrCounterOutOfRange and
	// the request re-decides on retry.
	enrollmentID := uuid.Generate()
	aggregate := NewAggregate(enrollmentID)
	row := &structs.Enrollment{
		ID:         enrollmentID,
		StudentID:  studentID,
		SectionID:  sectionID,
		EnrolledAt: time.Now().UTC(),
	}

	var counterField string
	switch {
	case firstFailure == nil && section.HasSeat():
		counterField = state.CounterCurrentEnrollment
		row.Status = structs.EnrollmentStatusEnrolled
	case section.HasWaitlistSlot():
		counterField = state.CounterWaitlistSize
		row.Status = structs.EnrollmentStatusWaitlisted
	default:
		return nil, fmt.Errorf("section %s: %w", sectionID, structs.ErrSectionFull)
	}

	pos, err := s.state.RegisterEnrollment(s.nextIndex(), row, counterField)
	if err != nil {
		if counterField == state.CounterWaitlistSize && errors.Is(err, state.ErrCounterOutOfRange) {
			return nil, fmt.Errorf("section %s: %w", sectionID, structs.ErrSectionFull)
		}
		return nil, err
	}

	switch row.Status {
	case structs.EnrollmentStatusEnrolled:
		err = aggregate.Enroll(studentID, sectionID, course.Code, actorID)
	default:
		row.WaitlistPosition = &pos
		err = aggregate.Waitlist(studentID, sectionID, pos, actorID)
	}
	if err == nil {
		err = s.appendEvents(aggregate, 0, actorID)
	}
	if err != nil {
		// The stream was not extended; undo the registration so the
		// claimed slot and the row go back together.
		if derr := s.state.DeregisterEnrollment(s.nextIndex(), enrollmentID, counterField); derr != nil {
			s.logger.Error("failed to undo registration after append failure",
				"enrollment_id", enrollmentID, "section_id", sectionID, "error", derr)
		}
		return nil, err
	}

	if row.Status == structs.EnrollmentStatusEnrolled {
		row.EnrolledAt = aggregate.EnrolledAt
	}
	row.Version = aggregate.Version
	if err := s.state.UpsertEnrollment(s.nextIndex(), row); err != nil {
		return nil, err
	}

	s.maybeSnapshot(aggregate)

	if err := s.appendAudit("enrollment.create", enrollmentID, actorID, map[string]string{
		"student_id": studentID,
		"section_id": sectionID,
		"status":     aggregate.Status,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("enrollment completed", "enrollment_id", enrollmentID,
		"student_id", studentID, "section_id", sectionID, "status", aggregate.Status)
	metrics.IncrCounterWithLabels([]string{"campus", "enrollment", "admitted"}, 1,
		[]metrics.Label{{Name: "status", Value: aggregate.Status}})
	return row.Copy(), nil
}

// Drop terminates an active enrollment. Dropping a seated student
// promotes the head of the waitlist into the freed seat and renumbers
// the remaining positions. Transient races retry like Enroll does.
func (s *Service) Drop(ctx context.Context, enrollmentID, actorID string) (*structs.Enrollment, error) {
	defer metrics.MeasureSince([]string{"campus", "enrollment", "drop"}, time.Now())

	return s.withRetries(ctx, "drop", func() (*structs.Enrollment, error) {
		return s.dropOnce(ctx, enrollmentID, actorID)
	})
}

func (s *Service) dropOnce(ctx context.Context, enrollmentID, actorID string) (*structs.Enrollment, error) {
	row, err := s.state.EnrollmentByID(enrollmentID)
	if err != nil {
		return nil, err
	}
	if !row.Active() {
		return nil, fmt.Errorf("%w: drop from %q", structs.ErrInvalidTransition, row.Status)
	}

	if s.cfg.SectionLeases {
		release, err := s.leaseSection(ctx, row.SectionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	aggregate := NewAggregate(enrollmentID)
	version, err := s.events.Replay(StreamID(enrollmentID), enrollmentID, aggregate)
	if err != nil {
		return nil, err
	}
	wasEnrolled := aggregate.Status == structs.EnrollmentStatusEnrolled
	freedPosition := aggregate.WaitlistPosition

	if err := aggregate.Drop(actorID); err != nil {
		return nil, err
	}
	if err := s.appendEvents(aggregate, version, actorID); err != nil {
		return nil, err
	}

	row.Status = structs.EnrollmentStatusDropped
	row.WaitlistPosition = nil
	row.Version = aggregate.Version
	if err := s.state.UpsertEnrollment(s.nextIndex(), row); err != nil {
		return nil, err
	}

	if wasEnrolled {
		if _, err := s.state.IncrementSectionCounter(
			s.nextIndex(), row.SectionID, state.CounterCurrentEnrollment, -1); err != nil {
			return nil, err
		}
		if err := s.promoteHead(row.SectionID, actorID); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.state.IncrementSectionCounter(
			s.nextIndex(), row.SectionID, state.CounterWaitlistSize, -1); err != nil {
			return nil, err
		}
		if err := s.state.RenumberWaitlist(s.nextIndex(), row.SectionID, freedPosition); err != nil {
			return nil, err
		}
	}

	s.maybeSnapshot(aggregate)

	if err := s.appendAudit("enrollment.drop", enrollmentID, actorID, map[string]string{
		"student_id": row.StudentID,
		"section_id": row.SectionID,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("enrollment dropped", "enrollment_id", enrollmentID,
		"student_id", row.StudentID, "section_id", row.SectionID)
	return row.Copy(), nil
}

// promoteHead moves the position-1 waitlisted enrollment into the
// freed seat: its aggregate transitions, the seat and waitlist
// counters adjust, and everyone behind moves up one place.
func (s *Service) promoteHead(sectionID, actorID string) error {
	waitlist, err := s.state.WaitlistForSection(sectionID)
	if err != nil {
		return err
	}
	if len(waitlist) == 0 {
		return nil
	}
	head := waitlist[0]
	headPosition := 1
	if head.WaitlistPosition != nil {
		headPosition = *head.WaitlistPosition
	}

	aggregate := NewAggregate(head.ID)
	version, err := s.events.Replay(StreamID(head.ID), head.ID, aggregate)
	if err != nil {
		return err
	}
	if err := aggregate.Promote(actorID); err != nil {
		return err
	}
	if err := s.appendEvents(aggregate, version, actorID); err != nil {
		return err
	}

	head.Status = structs.EnrollmentStatusEnrolled
	head.WaitlistPosition = nil
	head.EnrolledAt = aggregate.EnrolledAt
	head.Version = aggregate.Version
	if err := s.state.UpsertEnrollment(s.nextIndex(), head); err != nil {
		return err
	}

	if _, err := s.state.IncrementSectionCounter(
		s.nextIndex(), sectionID, state.CounterCurrentEnrollment, 1); err != nil {
		return err
	}
	if _, err := s.state.IncrementSectionCounter(
		s.nextIndex(), sectionID, state.CounterWaitlistSize, -1); err != nil {
		return err
	}
	if err := s.state.RenumberWaitlist(s.nextIndex(), sectionID, headPosition); err != nil {
		return err
	}

	s.maybeSnapshot(aggregate)

	if err := s.appendAudit("enrollment.promote", head.ID, actorID, map[string]string{
		"student_id": head.StudentID,
		"section_id": sectionID,
	}); err != nil {
		return err
	}

	s.logger.Info("waitlisted student promoted", "enrollment_id", head.ID,
		"student_id", head.StudentID, "section_id", sectionID)
	metrics.IncrCounter([]string{"campus", "enrollment", "promoted"}, 1)
	return nil
}

// Complete marks an enrolled student as having finished the section,
// feeding the completed-courses projection. Counters are untouched:
// completion happens after the semester, not mid-flight. Transient
// races retry like Enroll does.
func (s *Service) Complete(ctx context.Context, enrollmentID, actorID string) (*structs.Enrollment, error) {
	defer metrics.MeasureSince([]string{"campus", "enrollment", "complete"}, time.Now())

	return s.withRetries(ctx, "complete", func() (*structs.Enrollment, error) {
		return s.completeOnce(ctx, enrollmentID, actorID)
	})
}

func (s *Service) completeOnce(ctx context.Context, enrollmentID, actorID string) (*structs.Enrollment, error) {
	row, err := s.state.EnrollmentByID(enrollmentID)
	if err != nil {
		return nil, err
	}

	aggregate := NewAggregate(enrollmentID)
	version, err := s.events.Replay(StreamID(enrollmentID), enrollmentID, aggregate)
	if err != nil {
		return nil, err
	}
	if err := aggregate.Complete(actorID); err != nil {
		return nil, err
	}
	if err := s.appendEvents(aggregate, version, actorID); err != nil {
		return nil, err
	}

	row.Status = structs.EnrollmentStatusCompleted
	row.Version = aggregate.Version
	if err := s.state.UpsertEnrollment(s.nextIndex(), row); err != nil {
		return nil, err
	}

	s.maybeSnapshot(aggregate)

	if err := s.appendAudit("enrollment.complete", enrollmentID, actorID, map[string]string{
		"student_id": row.StudentID,
		"section_id": row.SectionID,
	}); err != nil {
		return nil, err
	}
	return row.Copy(), nil
}

// ListEnrollments returns the student's enrollment rows, optionally
// restricted to a semester.
func (s *Service) ListEnrollments(studentID, semester string) ([]*structs.Enrollment, error) {
	return s.state.EnrollmentsByStudent(studentID, semester)
}

// RegisterSection adds or replaces a section in the catalog. Sections
// registered without a waitlist bound inherit the configured default.
func (s *Service) RegisterSection(ctx context.Context, section *structs.Section, actorID string) (*structs.Section, error) {
	section = section.Copy()
	if section.MaxWaitlist == 0 {
		section.MaxWaitlist = s.cfg.DefaultMaxWaitlist
	}
	if err := s.state.UpsertSection(s.nextIndex(), section); err != nil {
		return nil, err
	}
	if err := s.breakers.Get(breakerAudit).Call(func() error {
		_, err := s.auditLog.Append("section.register", "section", section.ID, actorID, map[string]string{
			"course_id":    section.CourseID,
			"semester":     section.Semester,
			"max_waitlist": fmt.Sprintf("%d", section.MaxWaitlist),
		})
		return err
	}); err != nil {
		return nil, err
	}
	s.logger.Info("section registered", "section_id", section.ID,
		"course_id", section.CourseID, "max_waitlist", section.MaxWaitlist)
	return section, nil
}

// RecordGrade stores an immutable grade row and audits the write.
func (s *Service) RecordGrade(ctx context.Context, grade *structs.Grade, actorID string) error {
	if err := s.state.UpsertGrade(s.nextIndex(), grade); err != nil {
		return err
	}
	return s.appendAudit("grade.record", grade.ID, actorID, map[string]string{
		"student_id": grade.StudentID,
		"section_id": grade.SectionID,
	})
}

// leaseSection takes the advisory per-section lease and returns its
// release func.
func (s *Service) leaseSection(ctx context.Context, sectionID string) (func(), error) {
	owner := uuid.Generate()
	resource := "section:" + sectionID
	if _, err := s.locks.Acquire(ctx, resource, owner,
		s.cfg.LockDefaultTTL, s.cfg.LockWaitTimeout); err != nil {
		return nil, err
	}
	return func() {
		if err := s.locks.Release(resource, owner); err != nil {
			s.logger.Warn("section lease release failed", "resource", resource, "error", err)
		}
	}, nil
}

// appendEvents persists the aggregate's uncommitted events behind the
// version fence, starting from baseVersion, and marks them committed.
func (s *Service) appendEvents(aggregate *Aggregate, baseVersion uint64, actorID string) error {
	events := aggregate.UncommittedEvents()
	metadata := map[string]string{"actor_id": actorID}

	err := s.breakers.Get(breakerEventStore).Call(func() error {
		expected := baseVersion
		for _, ev := range events {
			if _, err := s.events.Append(StreamID(aggregate.ID), &expected, ev, metadata); err != nil {
				return err
			}
			expected++
		}
		return nil
	})
	if err != nil {
		return err
	}
	aggregate.MarkCommitted()
	return nil
}

// maybeSnapshot persists a snapshot at the configured cadence.
// Snapshot failures are logged and swallowed; snapshots are a cache.
func (s *Service) maybeSnapshot(aggregate *Aggregate) {
	n := uint64(s.cfg.SnapshotEveryNEvents)
	if aggregate.Version == 0 || aggregate.Version%n != 0 {
		return
	}
	snap, err := aggregate.Snapshot()
	if err != nil {
		s.logger.Warn("snapshot encoding failed", "aggregate_id", aggregate.ID, "error", err)
		return
	}
	if err := s.events.SaveSnapshot(snap); err != nil {
		s.logger.Warn("snapshot save failed", "aggregate_id", aggregate.ID, "error", err)
	}
}

// appendAudit chains an audit entry. Failure is fatal for the calling
// operation: the outcome must not be acknowledged without its audit
// record.
func (s *Service) appendAudit(action, enrollmentID, actorID string, metadata map[string]string) error {
	return s.breakers.Get(breakerAudit).Call(func() error {
		_, err := s.auditLog.Append(action, "enrollment", enrollmentID, actorID, metadata)
		return err
	})
}

func (s *Service) buildPolicyContext(student *structs.Student, section *structs.Section, course *structs.Course) (*policy.Context, error) {
	completed, err := s.state.CompletedCourses(student.ID)
	if err != nil {
		return nil, err
	}
	schedule, err := s.state.CurrentSchedule(student.ID, section.Semester)
	if err != nil {
		return nil, err
	}
	credits, err := s.state.CurrentCredits(student.ID, section.Semester)
	if err != nil {
		return nil, err
	}
	return &policy.Context{
		StudentID:                student.ID,
		SectionID:                section.ID,
		CourseCode:               course.Code,
		CourseCredits:            course.Credits,
		CoursePrerequisites:      course.Prerequisites,
		SectionMaxEnrollment:     section.MaxEnrollment,
		SectionCurrentEnrollment: section.CurrentEnrollment,
		SectionSchedule:          section.Schedule,
		StudentCompletedCourses:  completed,
		StudentCurrentCredits:    credits,
		StudentGPA:               student.GPA,
		StudentAcademicStanding:  student.AcademicStanding,
		StudentCurrentSchedule:   schedule,
		Now:                      time.Now().UTC(),
	}, nil
}

// firstDenied returns the first failing result in evaluation order.
func firstDenied(results []*policy.Result) *policy.Result {
	for _, r := range results {
		if !r.Allowed {
			return r
		}
	}
	return nil
}

// capacityOnlyFailure reports whether capacity is the sole failing
// policy, in which case the service falls through to the waitlist
// decision instead of denying.
func capacityOnlyFailure(results []*policy.Result) bool {
	sawCapacity := false
	for _, r := range results {
		if r.Allowed {
			continue
		}
		for _, rule := range r.ViolatedRules {
			if rule != policy.RuleCapacity {
				return false
			}
		}
		sawCapacity = true
	}
	return sawCapacity
}

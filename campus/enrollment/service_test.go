package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/Musonder/Smart-Campus-Assignment/campus/audit"
	"github.com/Musonder/Smart-Campus-Assignment/campus/config"
	"github.com/Musonder/Smart-Campus-Assignment/campus/eventstore"
	"github.com/Musonder/Smart-Campus-Assignment/campus/lockmanager"
	"github.com/Musonder/Smart-Campus-Assignment/campus/mock"
	"github.com/Musonder/Smart-Campus-Assignment/campus/policy"
	"github.com/Musonder/Smart-Campus-Assignment/campus/resilience"
	"github.com/Musonder/Smart-Campus-Assignment/campus/state"
	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/ci"
	"github.com/Musonder/Smart-Campus-Assignment/helper/testlog"
)

type harness struct {
	cfg        *config.Config
	state      *state.StateStore
	events     *eventstore.EventStore
	auditStore audit.Store
	auditLog   *audit.Log
	locks      *lockmanager.Manager
	service    *Service

	idx uint64
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	logger := testlog.HCLogger(t)

	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.SectionLeases = false
		cfg.RetryBaseDelay = time.Millisecond
	}

	stateStore, err := state.NewStateStore(logger)
	must.NoError(t, err)
	events, err := eventstore.New(eventstore.Config{SnapshotCacheSize: cfg.SnapshotCacheSize}, logger)
	must.NoError(t, err)
	auditStore, err := audit.NewMemdbStore()
	must.NoError(t, err)
	auditLog, err := audit.NewLog(logger, auditStore)
	must.NoError(t, err)

	h := &harness{
		cfg:        cfg,
		state:      stateStore,
		events:     events,
		auditStore: auditStore,
		auditLog:   auditLog,
		locks:      lockmanager.New(logger, cfg.LockDefaultTTL),
	}
	h.service, err = NewService(cfg, logger,
		stateStore, events,
		policy.DefaultEngine(logger, cfg.MaxCreditsPerSemester),
		h.locks,
		auditLog,
		resilience.NewRegistry(resilience.Config{}, logger),
	)
	must.NoError(t, err)
	return h
}

func (h *harness) nextIdx() uint64 {
	h.idx++
	return h.idx
}

func (h *harness) seedCourse(t *testing.T, c *structs.Course) {
	t.Helper()
	must.NoError(t, h.state.UpsertCourse(h.nextIdx(), c))
}

func (h *harness) seedSection(t *testing.T, s *structs.Section) {
	t.Helper()
	must.NoError(t, h.state.UpsertSection(h.nextIdx(), s))
}

func (h *harness) seedStudent(t *testing.T, s *structs.Student) {
	t.Helper()
	must.NoError(t, h.state.UpsertStudent(h.nextIdx(), s))
}

func (h *harness) auditCount(t *testing.T) int {
	t.Helper()
	entries, err := h.auditStore.Entries()
	must.NoError(t, err)
	return len(entries)
}

func TestService_Enroll_Seat(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	row, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusEnrolled, row.Status)
	must.Nil(t, row.WaitlistPosition)
	must.Eq(t, uint64(1), row.Version)

	// Read model reflects the seat.
	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.CurrentEnrollment)

	// The stream holds exactly the one event.
	version, err := h.events.StreamVersion(StreamID(row.ID))
	must.NoError(t, err)
	must.Eq(t, uint64(1), version)

	// The operation was audited and the chain verifies.
	must.Eq(t, 1, h.auditCount(t))
	must.NoError(t, h.auditLog.VerifyChain())
}

func TestService_Enroll_NotFound(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, "missing", student.ID)
	must.ErrorIs(t, err, structs.ErrNotFound)

	_, err = h.service.Enroll(context.Background(), "missing", section.ID, "missing")
	must.ErrorIs(t, err, structs.ErrNotFound)

	must.Eq(t, 0, h.auditCount(t))
}

func TestService_Enroll_AlreadyEnrolled(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)

	_, err = h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.ErrorIs(t, err, structs.ErrAlreadyEnrolled)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.CurrentEnrollment)
}

func TestService_Enroll_PolicyDenied_NoSideEffects(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.AdvancedCourse("CS101")
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.True(t, structs.IsPolicyDenied(err))

	var pd *structs.PolicyDeniedError
	must.True(t, errors.As(err, &pd))
	must.Eq(t, []string{policy.RulePrerequisite}, pd.ViolatedRules)
	must.Eq(t, []string{"CS101"}, pd.Metadata["missing_prerequisites"].([]string))

	// Denial leaves no trace: no rows, no events, no audit entries,
	// untouched counters.
	rows, err := h.service.ListEnrollments(student.ID, "")
	must.NoError(t, err)
	must.Len(t, 0, rows)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 0, out.CurrentEnrollment)
	must.Eq(t, 0, h.auditCount(t))
}

func TestService_Enroll_SuspendedDenied(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.SuspendedStudent()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.True(t, structs.IsPolicyDenied(err))

	var pd *structs.PolicyDeniedError
	must.True(t, errors.As(err, &pd))
	must.Eq(t, []string{policy.RuleAcademicStanding}, pd.ViolatedRules)
}

func TestService_Enroll_TimeConflictDenied(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	courseA := mock.Course()
	courseB := mock.Course()
	courseB.Code = "PHYS210"
	sectionA := mock.Section(courseA.ID)
	sectionB := mock.Section(courseB.ID)
	sectionB.Schedule = mock.OverlappingSchedule()
	student := mock.Student()
	h.seedCourse(t, courseA)
	h.seedCourse(t, courseB)
	h.seedSection(t, sectionA)
	h.seedSection(t, sectionB)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, sectionA.ID, student.ID)
	must.NoError(t, err)

	_, err = h.service.Enroll(context.Background(), student.ID, sectionB.ID, student.ID)
	must.True(t, structs.IsPolicyDenied(err))

	var pd *structs.PolicyDeniedError
	must.True(t, errors.As(err, &pd))
	must.Eq(t, []string{policy.RuleTimeConflict}, pd.ViolatedRules)
	must.Eq(t, []string{courseA.Code}, pd.Metadata["conflicting_courses"].([]string))

	// Only the first enrollment left side effects.
	rows, err := h.service.ListEnrollments(student.ID, "")
	must.NoError(t, err)
	must.Len(t, 1, rows)
	must.Eq(t, 1, h.auditCount(t))
}

func TestService_Enroll_CreditLimitDenied(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	heavy := mock.Course()
	heavy.Code = "ENGR400"
	heavy.Credits = 16
	light := mock.Course()
	light.Code = "ART110"

	heavySec := mock.Section(heavy.ID)
	lightSec := mock.Section(light.ID)
	lightSec.Schedule = mock.DisjointSchedule()
	student := mock.Student()
	h.seedCourse(t, heavy)
	h.seedCourse(t, light)
	h.seedSection(t, heavySec)
	h.seedSection(t, lightSec)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, heavySec.ID, student.ID)
	must.NoError(t, err)

	// 16 + 3 exceeds the 18-credit cap.
	_, err = h.service.Enroll(context.Background(), student.ID, lightSec.ID, student.ID)
	must.True(t, structs.IsPolicyDenied(err))

	var pd *structs.PolicyDeniedError
	must.True(t, errors.As(err, &pd))
	must.Eq(t, []string{policy.RuleCreditLimit}, pd.ViolatedRules)
}

func TestService_Enroll_WaitlistOverflow(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.SmallSection(course.ID, 2, 2)
	h.seedCourse(t, course)
	h.seedSection(t, section)

	var rows []*structs.Enrollment
	for i := 0; i < 4; i++ {
		student := mock.Student()
		h.seedStudent(t, student)
		row, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
		must.NoError(t, err)
		rows = append(rows, row)
	}

	// Seats first, then numbered waitlist positions.
	must.Eq(t, structs.EnrollmentStatusEnrolled, rows[0].Status)
	must.Eq(t, structs.EnrollmentStatusEnrolled, rows[1].Status)
	must.Eq(t, structs.EnrollmentStatusWaitlisted, rows[2].Status)
	must.Eq(t, 1, *rows[2].WaitlistPosition)
	must.Eq(t, structs.EnrollmentStatusWaitlisted, rows[3].Status)
	must.Eq(t, 2, *rows[3].WaitlistPosition)

	// Everything full: the fifth student is turned away.
	last := mock.Student()
	h.seedStudent(t, last)
	_, err := h.service.Enroll(context.Background(), last.ID, section.ID, last.ID)
	must.ErrorIs(t, err, structs.ErrSectionFull)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 2, out.CurrentEnrollment)
	must.Eq(t, 2, out.WaitlistSize)
}

func TestService_Drop_PromotesWaitlistHead(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.SmallSection(course.ID, 1, 2)
	h.seedCourse(t, course)
	h.seedSection(t, section)

	students := make([]*structs.Student, 3)
	rows := make([]*structs.Enrollment, 3)
	for i := range students {
		students[i] = mock.Student()
		h.seedStudent(t, students[i])
		row, err := h.service.Enroll(context.Background(), students[i].ID, section.ID, students[i].ID)
		must.NoError(t, err)
		rows[i] = row
	}
	must.Eq(t, structs.EnrollmentStatusEnrolled, rows[0].Status)
	must.Eq(t, 1, *rows[1].WaitlistPosition)
	must.Eq(t, 2, *rows[2].WaitlistPosition)

	// The seat holder drops; the head of the waitlist takes the seat
	// and everyone behind moves up.
	dropped, err := h.service.Drop(context.Background(), rows[0].ID, students[0].ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusDropped, dropped.Status)

	promoted, err := h.state.EnrollmentByID(rows[1].ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusEnrolled, promoted.Status)
	must.Nil(t, promoted.WaitlistPosition)

	remaining, err := h.state.EnrollmentByID(rows[2].ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusWaitlisted, remaining.Status)
	must.Eq(t, 1, *remaining.WaitlistPosition)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.CurrentEnrollment)
	must.Eq(t, 1, out.WaitlistSize)

	// Promotion is part of the promoted stream's history.
	version, err := h.events.StreamVersion(StreamID(rows[1].ID))
	must.NoError(t, err)
	must.Eq(t, uint64(2), version)

	must.NoError(t, h.auditLog.VerifyChain())
}

func TestService_Drop_WaitlistedRenumbers(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.SmallSection(course.ID, 1, 3)
	h.seedCourse(t, course)
	h.seedSection(t, section)

	rows := make([]*structs.Enrollment, 4)
	owners := make([]*structs.Student, 4)
	for i := range rows {
		owners[i] = mock.Student()
		h.seedStudent(t, owners[i])
		row, err := h.service.Enroll(context.Background(), owners[i].ID, section.ID, owners[i].ID)
		must.NoError(t, err)
		rows[i] = row
	}

	// Middle of the waitlist (position 2) drops; no promotion happens
	// and positions behind close the gap.
	_, err := h.service.Drop(context.Background(), rows[2].ID, owners[2].ID)
	must.NoError(t, err)

	wl, err := h.state.WaitlistForSection(section.ID)
	must.NoError(t, err)
	must.Len(t, 2, wl)
	must.Eq(t, rows[1].ID, wl[0].ID)
	must.Eq(t, 1, *wl[0].WaitlistPosition)
	must.Eq(t, rows[3].ID, wl[1].ID)
	must.Eq(t, 2, *wl[1].WaitlistPosition)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.CurrentEnrollment)
	must.Eq(t, 2, out.WaitlistSize)
}

func TestService_Drop_InvalidStates(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Drop(context.Background(), "missing", student.ID)
	must.ErrorIs(t, err, structs.ErrNotFound)

	row, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)
	_, err = h.service.Drop(context.Background(), row.ID, student.ID)
	must.NoError(t, err)

	// Dropping twice is an invalid transition.
	_, err = h.service.Drop(context.Background(), row.ID, student.ID)
	must.ErrorIs(t, err, structs.ErrInvalidTransition)
}

func TestService_Complete_FeedsPrerequisites(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	intro := mock.Course()
	algo := mock.AdvancedCourse(intro.Code)
	introSec := mock.Section(intro.ID)
	algoSec := mock.Section(algo.ID)
	student := mock.Student()
	h.seedCourse(t, intro)
	h.seedCourse(t, algo)
	h.seedSection(t, introSec)
	h.seedSection(t, algoSec)
	h.seedStudent(t, student)

	// CS301 requires CS101, which the student has not completed.
	_, err := h.service.Enroll(context.Background(), student.ID, algoSec.ID, student.ID)
	must.True(t, structs.IsPolicyDenied(err))

	row, err := h.service.Enroll(context.Background(), student.ID, introSec.ID, student.ID)
	must.NoError(t, err)
	completed, err := h.service.Complete(context.Background(), row.ID, "registrar-1")
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusCompleted, completed.Status)

	// With CS101 on the transcript the same request succeeds.
	_, err = h.service.Enroll(context.Background(), student.ID, algoSec.ID, student.ID)
	must.NoError(t, err)

	must.NoError(t, h.auditLog.VerifyChain())
}

func TestService_ListEnrollments(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	_, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)

	rows, err := h.service.ListEnrollments(student.ID, mock.Semester)
	must.NoError(t, err)
	must.Len(t, 1, rows)

	rows, err = h.service.ListEnrollments(student.ID, "1999-spring")
	must.NoError(t, err)
	must.Len(t, 0, rows)
}

func TestService_RecordGrade(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	student := mock.Student()
	h.seedStudent(t, student)

	grade := mock.Grade(student.ID, "sec-1")
	must.NoError(t, h.service.RecordGrade(context.Background(), grade, "instructor-1"))

	grades, err := h.state.GradesByStudent(student.ID)
	must.NoError(t, err)
	must.Len(t, 1, grades)
	must.Eq(t, 1, h.auditCount(t))
}

func TestService_Enroll_AuditFailureIsFatal(t *testing.T) {
	ci.Parallel(t)

	logger := testlog.HCLogger(t)
	cfg := config.DefaultConfig()
	cfg.SectionLeases = false

	stateStore, err := state.NewStateStore(logger)
	must.NoError(t, err)
	events, err := eventstore.New(eventstore.Config{}, logger)
	must.NoError(t, err)
	auditLog, err := audit.NewLog(logger, &failingAuditStore{})
	must.NoError(t, err)

	svc, err := NewService(cfg, logger, stateStore, events,
		policy.DefaultEngine(logger, cfg.MaxCreditsPerSemester),
		lockmanager.New(logger, cfg.LockDefaultTTL),
		auditLog,
		resilience.NewRegistry(resilience.Config{}, logger))
	must.NoError(t, err)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	must.NoError(t, stateStore.UpsertCourse(1, course))
	must.NoError(t, stateStore.UpsertSection(2, section))
	must.NoError(t, stateStore.UpsertStudent(3, student))

	_, err = svc.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.ErrorIs(t, err, structs.ErrAuditFailure)
}

type failingAuditStore struct{}

func (failingAuditStore) AppendEntry(*structs.AuditEntry) error { return errors.New("append refused") }
func (failingAuditStore) TailEntry() (*structs.AuditEntry, error) {
	return nil, nil
}
func (failingAuditStore) Entries() ([]*structs.AuditEntry, error) { return nil, nil }

func TestService_Enroll_ConcurrentCapacityRace(t *testing.T) {
	ci.Parallel(t)

	cfg := config.DefaultConfig()
	cfg.SectionLeases = true
	cfg.LockWaitTimeout = 10 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	h := newHarness(t, cfg)

	course := mock.Course()
	section := mock.SmallSection(course.ID, 10, 5)
	h.seedCourse(t, course)
	h.seedSection(t, section)

	const students = 50
	ids := make([]string, students)
	for i := 0; i < students; i++ {
		s := mock.Student()
		h.seedStudent(t, s)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	results := make([]*structs.Enrollment, students)
	errs := make([]error, students)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.service.Enroll(context.Background(), ids[i], section.ID, ids[i])
		}(i)
	}
	wg.Wait()

	enrolled, waitlisted := 0, 0
	positions := map[int]bool{}
	for i := 0; i < students; i++ {
		switch {
		case errs[i] == nil && results[i].Status == structs.EnrollmentStatusEnrolled:
			enrolled++
		case errs[i] == nil && results[i].Status == structs.EnrollmentStatusWaitlisted:
			waitlisted++
			pos := *results[i].WaitlistPosition
			must.False(t, positions[pos])
			positions[pos] = true
		default:
			// Losers are turned away cleanly, never with a partial
			// enrollment.
			must.True(t, errors.Is(errs[i], structs.ErrSectionFull) ||
				structs.IsPolicyDenied(errs[i]))
		}
	}

	// Exactly capacity seats and waitlist slots were granted.
	must.Eq(t, 10, enrolled)
	must.Eq(t, 5, waitlisted)
	for pos := 1; pos <= 5; pos++ {
		must.True(t, positions[pos])
	}

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 10, out.CurrentEnrollment)
	must.Eq(t, 5, out.WaitlistSize)

	must.NoError(t, h.auditLog.VerifyChain())
}

func Test_retryable(t *testing.T) {
	ci.Parallel(t)

	must.True(t, retryable(&structs.ConcurrencyError{StreamID: "s", Expected: 1, Actual: 2}))
	must.True(t, retryable(fmt.Errorf("wrapped: %w", state.ErrCounterOutOfRange)))
	must.True(t, retryable(fmt.Errorf("wrapped: %w", structs.ErrLockTimeout)))

	must.False(t, retryable(structs.ErrSectionFull))
	must.False(t, retryable(structs.ErrAlreadyEnrolled))
	must.False(t, retryable(&structs.PolicyDeniedError{Reason: "nope"}))
}

func TestService_Enroll_SamePairRace(t *testing.T) {
	ci.Parallel(t)

	// Correctness must not depend on the advisory lease: with leases
	// off, concurrent requests for the same (student, section) pair
	// must still produce exactly one enrollment and one claimed seat.
	h := newHarness(t, nil)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < attempts; i++ {
		if errs[i] == nil {
			wins++
			continue
		}
		must.ErrorIs(t, errs[i], structs.ErrAlreadyEnrolled)
	}
	must.Eq(t, 1, wins)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 1, out.CurrentEnrollment)
	must.Eq(t, 0, out.WaitlistSize)

	rows, err := h.service.ListEnrollments(student.ID, "")
	must.NoError(t, err)
	must.Len(t, 1, rows)
	must.Eq(t, structs.EnrollmentStatusEnrolled, rows[0].Status)

	// Losers left no orphan streams behind.
	version, err := h.events.StreamVersion(StreamID(rows[0].ID))
	must.NoError(t, err)
	must.Eq(t, uint64(1), version)
	must.Eq(t, 1, h.auditCount(t))
	must.NoError(t, h.auditLog.VerifyChain())
}

func TestService_RegisterSection_DefaultWaitlist(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, nil)

	course := mock.Course()
	h.seedCourse(t, course)

	// A section registered without a waitlist bound inherits the
	// configured default.
	section := mock.SmallSection(course.ID, 1, 0)
	registered, err := h.service.RegisterSection(context.Background(), section, "registrar-1")
	must.NoError(t, err)
	must.Eq(t, h.cfg.DefaultMaxWaitlist, registered.MaxWaitlist)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, h.cfg.DefaultMaxWaitlist, out.MaxWaitlist)
	must.Eq(t, 1, h.auditCount(t))

	// The inherited bound is live: the second student overflows onto
	// the waitlist instead of being turned away.
	first, second := mock.Student(), mock.Student()
	h.seedStudent(t, first)
	h.seedStudent(t, second)

	row, err := h.service.Enroll(context.Background(), first.ID, section.ID, first.ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusEnrolled, row.Status)

	row, err = h.service.Enroll(context.Background(), second.ID, section.ID, second.ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusWaitlisted, row.Status)
	must.Eq(t, 1, *row.WaitlistPosition)

	// An explicit bound survives registration untouched.
	explicit := mock.SmallSection(course.ID, 1, 2)
	registered, err = h.service.RegisterSection(context.Background(), explicit, "registrar-1")
	must.NoError(t, err)
	must.Eq(t, 2, registered.MaxWaitlist)
}

func TestService_Enroll_LeaseTimeoutExhaustsRetries(t *testing.T) {
	ci.Parallel(t)

	cfg := config.DefaultConfig()
	cfg.SectionLeases = true
	cfg.LockWaitTimeout = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.EnrollRetryLimit = 1
	h := newHarness(t, cfg)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	// A foreign holder sits on the section lease longer than every
	// attempt combined; the timeout surfaces after the retries.
	_, err := h.locks.Acquire(context.Background(), "section:"+section.ID, "registrar-batch",
		10*time.Second, time.Millisecond)
	must.NoError(t, err)

	_, err = h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.ErrorIs(t, err, structs.ErrLockTimeout)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 0, out.CurrentEnrollment)
}

func TestService_Enroll_RetriesThroughLeaseExpiry(t *testing.T) {
	ci.Parallel(t)

	cfg := config.DefaultConfig()
	cfg.SectionLeases = true
	cfg.LockWaitTimeout = 25 * time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.EnrollRetryLimit = 5
	h := newHarness(t, cfg)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	// The foreign lease outlives the first attempt's wait but expires
	// well within the retry budget, so a later attempt wins the lease.
	_, err := h.locks.Acquire(context.Background(), "section:"+section.ID, "registrar-batch",
		100*time.Millisecond, time.Millisecond)
	must.NoError(t, err)

	row, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusEnrolled, row.Status)
}

func TestService_Drop_RetriesThroughLeaseExpiry(t *testing.T) {
	ci.Parallel(t)

	cfg := config.DefaultConfig()
	cfg.SectionLeases = true
	cfg.LockWaitTimeout = 25 * time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.EnrollRetryLimit = 5
	h := newHarness(t, cfg)

	course := mock.Course()
	section := mock.Section(course.ID)
	student := mock.Student()
	h.seedCourse(t, course)
	h.seedSection(t, section)
	h.seedStudent(t, student)

	row, err := h.service.Enroll(context.Background(), student.ID, section.ID, student.ID)
	must.NoError(t, err)

	_, err = h.locks.Acquire(context.Background(), "section:"+section.ID, "registrar-batch",
		100*time.Millisecond, time.Millisecond)
	must.NoError(t, err)

	dropped, err := h.service.Drop(context.Background(), row.ID, student.ID)
	must.NoError(t, err)
	must.Eq(t, structs.EnrollmentStatusDropped, dropped.Status)

	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 0, out.CurrentEnrollment)
}

func TestService_EnrollDropChurn(t *testing.T) {
	ci.SkipSlow(t, "sustained enroll/drop churn against one section")
	ci.Parallel(t)

	cfg := config.DefaultConfig()
	cfg.SectionLeases = true
	cfg.LockWaitTimeout = 30 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	h := newHarness(t, cfg)

	course := mock.Course()
	section := mock.SmallSection(course.ID, 3, 3)
	h.seedCourse(t, course)
	h.seedSection(t, section)

	const students = 12
	const iterations = 8
	ids := make([]string, students)
	for i := 0; i < students; i++ {
		s := mock.Student()
		h.seedStudent(t, s)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	failures := make([]error, students)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int, studentID string) {
			defer wg.Done()
			for n := 0; n < iterations; n++ {
				row, err := h.service.Enroll(context.Background(), studentID, section.ID, studentID)
				if errors.Is(err, structs.ErrSectionFull) {
					continue
				}
				if err == nil {
					_, err = h.service.Drop(context.Background(), row.ID, studentID)
				}
				if err != nil {
					failures[i] = err
					return
				}
			}
		}(i, ids[i])
	}
	wg.Wait()

	for i := 0; i < students; i++ {
		must.NoError(t, failures[i])
	}

	// Every admission was eventually dropped, so both counters return
	// to zero and no active rows remain.
	out, err := h.state.SectionByID(section.ID)
	must.NoError(t, err)
	must.Eq(t, 0, out.CurrentEnrollment)
	must.Eq(t, 0, out.WaitlistSize)

	for _, id := range ids {
		rows, err := h.service.ListEnrollments(id, "")
		must.NoError(t, err)
		for _, row := range rows {
			must.False(t, row.Active())
		}
	}
	must.NoError(t, h.auditLog.VerifyChain())
}

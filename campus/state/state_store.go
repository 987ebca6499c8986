// Package state implements the enrollment read model: an in-memory,
// indexed projection of courses, sections, students, enrollments, and
// grades. Writes carry a monotonic index per table so callers can
// reason about staleness; the event store, not this package, is the
// source of truth.
package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
)

// Section counter fields accepted by IncrementSectionCounter.
const (
	CounterCurrentEnrollment = "current_enrollment"
	CounterWaitlistSize      = "waitlist_size"
)

// ErrCounterOutOfRange is returned when a counter update would leave
// the section outside its capacity bounds. Recoverable: the caller
// refetches the section and re-decides.
var ErrCounterOutOfRange = errors.New("section counter update out of range")

// StateStore is the queryable read model. All reads return copies;
// callers never share memory with stored rows.
type StateStore struct {
	db     *memdb.MemDB
	logger hclog.Logger
}

func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &StateStore{
		db:     db,
		logger: logger.Named("state_store"),
	}, nil
}

// LatestIndex returns the highest write index across all tables.
func (s *StateStore) LatestIndex() uint64 {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var latest uint64
	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return 0
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if entry := raw.(*IndexEntry); entry.Value > latest {
			latest = entry.Value
		}
	}
	return latest
}

func bumpIndexTxn(txn *memdb.Txn, table string, idx uint64) error {
	if err := txn.Insert(tableIndex, &IndexEntry{Key: table, Value: idx}); err != nil {
		return fmt.Errorf("index update failed: %w", err)
	}
	return nil
}

// UpsertCourse inserts or replaces a course.
func (s *StateStore) UpsertCourse(idx uint64, course *structs.Course) error {
	if err := course.Validate(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableCourses, indexID, course.ID)
	if err != nil {
		return fmt.Errorf("course lookup failed: %w", err)
	}

	course = course.Copy()
	if existing != nil {
		course.CreateIndex = existing.(*structs.Course).CreateIndex
	} else {
		course.CreateIndex = idx
	}
	course.ModifyIndex = idx

	if err := txn.Insert(TableCourses, course); err != nil {
		return fmt.Errorf("course insert failed: %w", err)
	}
	if err := bumpIndexTxn(txn, TableCourses, idx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// CourseByID returns a copy of the course, or ErrNotFound.
func (s *StateStore) CourseByID(id string) (*structs.Course, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableCourses, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("course lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("course %q: %w", id, structs.ErrNotFound)
	}
	return raw.(*structs.Course).Copy(), nil
}

// CourseByCode returns a copy of the course with the given unique
// code, or ErrNotFound.
func (s *StateStore) CourseByCode(code string) (*structs.Course, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableCourses, indexCode, code)
	if err != nil {
		return nil, fmt.Errorf("course lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("course %q: %w", code, structs.ErrNotFound)
	}
	return raw.(*structs.Course).Copy(), nil
}

// UpsertSection inserts or replaces a section after validation.
func (s *StateStore) UpsertSection(idx uint64, section *structs.Section) error {
	if err := section.Validate(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableSections, indexID, section.ID)
	if err != nil {
		return fmt.Errorf("section lookup failed: %w", err)
	}

	section = section.Copy()
	if existing != nil {
		section.CreateIndex = existing.(*structs.Section).CreateIndex
	} else {
		section.CreateIndex = idx
	}
	section.ModifyIndex = idx

	if err := txn.Insert(TableSections, section); err != nil {
		return fmt.Errorf("section insert failed: %w", err)
	}
	if err := bumpIndexTxn(txn, TableSections, idx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// SectionByID returns a copy of the section, or ErrNotFound.
func (s *StateStore) SectionByID(id string) (*structs.Section, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return sectionByIDTxn(txn, id)
}

func sectionByIDTxn(txn *memdb.Txn, id string) (*structs.Section, error) {
	raw, err := txn.First(TableSections, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("section lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("section %q: %w", id, structs.ErrNotFound)
	}
	return raw.(*structs.Section).Copy(), nil
}

// UpsertStudent inserts or replaces a student.
func (s *StateStore) UpsertStudent(idx uint64, student *structs.Student) error {
	if err := student.Validate(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableStudents, indexID, student.ID)
	if err != nil {
		return fmt.Errorf("student lookup failed: %w", err)
	}

	student = student.Copy()
	if existing != nil {
		student.CreateIndex = existing.(*structs.Student).CreateIndex
	} else {
		student.CreateIndex = idx
	}
	student.ModifyIndex = idx

	if err := txn.Insert(TableStudents, student); err != nil {
		return fmt.Errorf("student insert failed: %w", err)
	}
	if err := bumpIndexTxn(txn, TableStudents, idx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// StudentByID returns a copy of the student, or ErrNotFound.
func (s *StateStore) StudentByID(id string) (*structs.Student, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableStudents, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("student lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("student %q: %w", id, structs.ErrNotFound)
	}
	return raw.(*structs.Student).Copy(), nil
}

// UpsertEnrollment inserts or replaces an enrollment row, enforcing
// the single-active-row invariant per (student, section).
func (s *StateStore) UpsertEnrollment(idx uint64, e *structs.Enrollment) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := upsertEnrollmentTxn(txn, idx, e); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func upsertEnrollmentTxn(txn *memdb.Txn, idx uint64, e *structs.Enrollment) error {
	if e.ID == "" {
		return fmt.Errorf("missing enrollment ID")
	}

	if e.Active() {
		iter, err := txn.Get(TableEnrollments, indexStudentSection, e.StudentID, e.SectionID)
		if err != nil {
			return fmt.Errorf("enrollment lookup failed: %w", err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			other := raw.(*structs.Enrollment)
			if other.ID != e.ID && other.Active() {
				return &structs.InvariantViolationError{
					Type: structs.ViolationDoubleEnrollment,
					Detail: fmt.Sprintf("student %s already active in section %s via enrollment %s",
						e.StudentID, e.SectionID, other.ID),
				}
			}
		}
	}

	existing, err := txn.First(TableEnrollments, indexID, e.ID)
	if err != nil {
		return fmt.Errorf("enrollment lookup failed: %w", err)
	}

	e = e.Copy()
	if existing != nil {
		e.CreateIndex = existing.(*structs.Enrollment).CreateIndex
	} else {
		e.CreateIndex = idx
	}
	e.ModifyIndex = idx

	if err := txn.Insert(TableEnrollments, e); err != nil {
		return fmt.Errorf("enrollment insert failed: %w", err)
	}
	return bumpIndexTxn(txn, TableEnrollments, idx)
}

// EnrollmentByID returns a copy of the enrollment row, or ErrNotFound.
func (s *StateStore) EnrollmentByID(id string) (*structs.Enrollment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableEnrollments, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("enrollment %q: %w", id, structs.ErrNotFound)
	}
	return raw.(*structs.Enrollment).Copy(), nil
}

// ActiveEnrollment returns the single active (enrolled or waitlisted)
// row for the pair, or nil when none exists.
func (s *StateStore) ActiveEnrollment(studentID, sectionID string) (*structs.Enrollment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudentSection, studentID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if e := raw.(*structs.Enrollment); e.Active() {
			return e.Copy(), nil
		}
	}
	return nil, nil
}

// EnrollmentsByStudent lists a student's enrollment rows, optionally
// restricted to one semester. Results are sorted by creation order.
func (s *StateStore) EnrollmentsByStudent(studentID, semester string) ([]*structs.Enrollment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudent, studentID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}

	var out []*structs.Enrollment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if semester != "" {
			section, err := sectionByIDTxn(txn, e.SectionID)
			if err != nil {
				return nil, err
			}
			if section.Semester != semester {
				continue
			}
		}
		out = append(out, e.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, nil
}

// WaitlistForSection returns active waitlisted rows ordered by
// position.
func (s *StateStore) WaitlistForSection(sectionID string) ([]*structs.Enrollment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexSection, sectionID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}

	var out []*structs.Enrollment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if e.Status == structs.EnrollmentStatusWaitlisted {
			out = append(out, e.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := 0, 0
		if out[i].WaitlistPosition != nil {
			pi = *out[i].WaitlistPosition
		}
		if out[j].WaitlistPosition != nil {
			pj = *out[j].WaitlistPosition
		}
		return pi < pj
	})
	return out, nil
}

// CompletedCourses returns the course codes the student has completed.
func (s *StateStore) CompletedCourses(studentID string) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudent, studentID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}

	var codes []string
	seen := map[string]struct{}{}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if e.Status != structs.EnrollmentStatusCompleted {
			continue
		}
		section, err := sectionByIDTxn(txn, e.SectionID)
		if err != nil {
			return nil, err
		}
		rawCourse, err := txn.First(TableCourses, indexID, section.CourseID)
		if err != nil || rawCourse == nil {
			return nil, fmt.Errorf("course %q: %w", section.CourseID, structs.ErrNotFound)
		}
		code := rawCourse.(*structs.Course).Code
		if _, ok := seen[code]; !ok {
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// CurrentSchedule returns the schedules of sections the student is
// enrolled in for the semester, for time-conflict checking.
func (s *StateStore) CurrentSchedule(studentID, semester string) ([]*structs.ScheduledSection, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudent, studentID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}

	var out []*structs.ScheduledSection
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if e.Status != structs.EnrollmentStatusEnrolled {
			continue
		}
		section, err := sectionByIDTxn(txn, e.SectionID)
		if err != nil {
			return nil, err
		}
		if section.Semester != semester {
			continue
		}
		rawCourse, err := txn.First(TableCourses, indexID, section.CourseID)
		if err != nil || rawCourse == nil {
			return nil, fmt.Errorf("course %q: %w", section.CourseID, structs.ErrNotFound)
		}
		out = append(out, &structs.ScheduledSection{
			SectionID:  section.ID,
			CourseCode: rawCourse.(*structs.Course).Code,
			Schedule:   section.Schedule,
		})
	}
	return out, nil
}

// CurrentCredits sums the credits of the student's enrolled sections
// in the semester.
func (s *StateStore) CurrentCredits(studentID, semester string) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudent, studentID)
	if err != nil {
		return 0, fmt.Errorf("enrollment lookup failed: %w", err)
	}

	total := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if e.Status != structs.EnrollmentStatusEnrolled {
			continue
		}
		section, err := sectionByIDTxn(txn, e.SectionID)
		if err != nil {
			return 0, err
		}
		if section.Semester != semester {
			continue
		}
		rawCourse, err := txn.First(TableCourses, indexID, section.CourseID)
		if err != nil || rawCourse == nil {
			return 0, fmt.Errorf("course %q: %w", section.CourseID, structs.ErrNotFound)
		}
		total += rawCourse.(*structs.Course).Credits
	}
	return total, nil
}

// IncrementSectionCounter applies a bounds-checked delta to one of the
// section's counters and returns the new value. The check-and-update
// runs inside a single write transaction, so concurrent callers cannot
// overshoot capacity even without the section lease.
func (s *StateStore) IncrementSectionCounter(idx uint64, sectionID, field string, delta int) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	val, err := incrementSectionCounterTxn(txn, idx, sectionID, field, delta)
	if err != nil {
		return 0, err
	}
	txn.Commit()
	return val, nil
}

func incrementSectionCounterTxn(txn *memdb.Txn, idx uint64, sectionID, field string, delta int) (int, error) {
	raw, err := txn.First(TableSections, indexID, sectionID)
	if err != nil {
		return 0, fmt.Errorf("section lookup failed: %w", err)
	}
	if raw == nil {
		return 0, fmt.Errorf("section %q: %w", sectionID, structs.ErrNotFound)
	}
	section := raw.(*structs.Section).Copy()

	var val, bound int
	switch field {
	case CounterCurrentEnrollment:
		val, bound = section.CurrentEnrollment+delta, section.MaxEnrollment
	case CounterWaitlistSize:
		val, bound = section.WaitlistSize+delta, section.MaxWaitlist
	default:
		return 0, fmt.Errorf("unknown section counter %q", field)
	}
	if val < 0 || val > bound {
		return 0, fmt.Errorf("section %s %s -> %d (bound %d): %w",
			sectionID, field, val, bound, ErrCounterOutOfRange)
	}

	switch field {
	case CounterCurrentEnrollment:
		section.CurrentEnrollment = val
	case CounterWaitlistSize:
		section.WaitlistSize = val
	}
	section.ModifyIndex = idx

	if err := txn.Insert(TableSections, section); err != nil {
		return 0, fmt.Errorf("section insert failed: %w", err)
	}
	if err := bumpIndexTxn(txn, TableSections, idx); err != nil {
		return 0, err
	}
	return val, nil
}

// RegisterEnrollment claims a seat or waitlist slot and inserts the
// enrollment row in a single write transaction. The active-pair check,
// the bounds-checked counter update, and the row insert land together,
// so two racing registrations for the same (student, section) cannot
// both succeed and the counter can never outrun the rows. For waitlist
// registrations the claimed 1-based position is set on the stored row
// and returned.
func (s *StateStore) RegisterEnrollment(idx uint64, e *structs.Enrollment, field string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(TableEnrollments, indexStudentSection, e.StudentID, e.SectionID)
	if err != nil {
		return 0, fmt.Errorf("enrollment lookup failed: %w", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		other := raw.(*structs.Enrollment)
		if other.ID != e.ID && other.Active() {
			return 0, fmt.Errorf("student %s in section %s: %w",
				e.StudentID, e.SectionID, structs.ErrAlreadyEnrolled)
		}
	}

	val, err := incrementSectionCounterTxn(txn, idx, e.SectionID, field, 1)
	if err != nil {
		return 0, err
	}

	e = e.Copy()
	if field == CounterWaitlistSize {
		pos := val
		e.WaitlistPosition = &pos
	}
	if err := upsertEnrollmentTxn(txn, idx, e); err != nil {
		return 0, err
	}
	txn.Commit()
	return val, nil
}

// DeregisterEnrollment reverses a registration whose events never made
// it into the stream: the row is deleted and the claimed slot released
// in one write transaction. Waitlist deregistrations renumber the rows
// behind the released position.
func (s *StateStore) DeregisterEnrollment(idx uint64, enrollmentID, field string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableEnrollments, indexID, enrollmentID)
	if err != nil {
		return fmt.Errorf("enrollment lookup failed: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("enrollment %q: %w", enrollmentID, structs.ErrNotFound)
	}
	e := raw.(*structs.Enrollment)

	if err := txn.Delete(TableEnrollments, raw); err != nil {
		return fmt.Errorf("enrollment delete failed: %w", err)
	}
	if _, err := incrementSectionCounterTxn(txn, idx, e.SectionID, field, -1); err != nil {
		return err
	}
	if field == CounterWaitlistSize && e.WaitlistPosition != nil {
		if err := renumberWaitlistTxn(txn, idx, e.SectionID, *e.WaitlistPosition); err != nil {
			return err
		}
	}
	if err := bumpIndexTxn(txn, TableEnrollments, idx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RenumberWaitlist closes the gap left by removing the given waitlist
// position: every active waitlisted row behind it moves up one place.
func (s *StateStore) RenumberWaitlist(idx uint64, sectionID string, removedPosition int) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := renumberWaitlistTxn(txn, idx, sectionID, removedPosition); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func renumberWaitlistTxn(txn *memdb.Txn, idx uint64, sectionID string, removedPosition int) error {
	iter, err := txn.Get(TableEnrollments, indexSection, sectionID)
	if err != nil {
		return fmt.Errorf("enrollment lookup failed: %w", err)
	}

	var updates []*structs.Enrollment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		e := raw.(*structs.Enrollment)
		if e.Status != structs.EnrollmentStatusWaitlisted || e.WaitlistPosition == nil {
			continue
		}
		if *e.WaitlistPosition > removedPosition {
			ne := e.Copy()
			pos := *ne.WaitlistPosition - 1
			ne.WaitlistPosition = &pos
			ne.ModifyIndex = idx
			updates = append(updates, ne)
		}
	}
	for _, ne := range updates {
		if err := txn.Insert(TableEnrollments, ne); err != nil {
			return fmt.Errorf("enrollment insert failed: %w", err)
		}
	}
	if len(updates) > 0 {
		if err := bumpIndexTxn(txn, TableEnrollments, idx); err != nil {
			return err
		}
	}
	return nil
}

// UpsertGrade inserts a grade row. Grades are immutable: replacing an
// existing ID is rejected, and regrades must chain to their
// predecessor with an incremented version.
func (s *StateStore) UpsertGrade(idx uint64, g *structs.Grade) error {
	if err := g.Validate(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableGrades, indexID, g.ID)
	if err != nil {
		return fmt.Errorf("grade lookup failed: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("grade %s already exists; grades are immutable", g.ID)
	}

	if g.PreviousGradeID != nil {
		rawPrev, err := txn.First(TableGrades, indexID, *g.PreviousGradeID)
		if err != nil {
			return fmt.Errorf("grade lookup failed: %w", err)
		}
		if rawPrev == nil {
			return fmt.Errorf("previous grade %q: %w", *g.PreviousGradeID, structs.ErrNotFound)
		}
		if prev := rawPrev.(*structs.Grade); g.Version != prev.Version+1 {
			return fmt.Errorf("regrade of %s must carry version %d, got %d",
				prev.ID, prev.Version+1, g.Version)
		}
	} else if g.Version != 1 {
		return fmt.Errorf("initial grade must carry version 1, got %d", g.Version)
	}

	g = g.Copy()
	g.CreateIndex = idx
	if err := txn.Insert(TableGrades, g); err != nil {
		return fmt.Errorf("grade insert failed: %w", err)
	}
	if err := bumpIndexTxn(txn, TableGrades, idx); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GradesByStudent lists grade rows for a student, newest version
// chains included.
func (s *StateStore) GradesByStudent(studentID string) ([]*structs.Grade, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableGrades, indexStudent, studentID)
	if err != nil {
		return nil, fmt.Errorf("grade lookup failed: %w", err)
	}
	var out []*structs.Grade
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Grade).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, nil
}

// Package invariant implements the runtime checker for the global
// enrollment invariants: no overlapping schedules per student (I1),
// capacity respected per section (I2), and no double enrollment (I3).
// The monitor is the canonical test oracle for the policy engine.
package invariant

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
)

// SectionState is the monitor's view of one section: its bounds,
// schedule, and current roster.
type SectionState struct {
	SectionID string
	CourseID  string
	Capacity  int
	Schedule  *structs.Schedule
	Enrolled  *set.Set[string]
}

func NewSectionState(sectionID, courseID string, capacity int, schedule *structs.Schedule) *SectionState {
	return &SectionState{
		SectionID: sectionID,
		CourseID:  courseID,
		Capacity:  capacity,
		Schedule:  schedule,
		Enrolled:  set.New[string](capacity),
	}
}

// Monitor decides whether proposed enrollments preserve the global
// invariants and can audit an entire section set for violations.
type Monitor struct {
	logger hclog.Logger
}

func NewMonitor(logger hclog.Logger) *Monitor {
	return &Monitor{logger: logger.Named("invariant")}
}

// CheckEnrollment reports whether enrolling the student into the
// section preserves I1-I3 given the current section set. On failure it
// returns the violated invariant and a human-readable reason.
func (m *Monitor) CheckEnrollment(studentID, sectionID string, sections map[string]*SectionState) (bool, string, structs.ViolationType) {
	target, ok := sections[sectionID]
	if !ok {
		return false, fmt.Sprintf("section %s not registered", sectionID), ""
	}

	// I3: the student must not already be on this roster.
	if target.Enrolled.Contains(studentID) {
		return false,
			fmt.Sprintf("student %s already enrolled in section %s", studentID, sectionID),
			structs.ViolationDoubleEnrollment
	}

	// I2: the roster must stay within capacity.
	if target.Enrolled.Size() >= target.Capacity {
		return false,
			fmt.Sprintf("section %s at capacity %d", sectionID, target.Capacity),
			structs.ViolationCapacityExceeded
	}

	// I1: no schedule overlap with any section the student is in.
	for _, other := range sections {
		if other.SectionID == sectionID || !other.Enrolled.Contains(studentID) {
			continue
		}
		if target.Schedule.OverlapsWith(other.Schedule) {
			return false,
				fmt.Sprintf("section %s overlaps section %s for student %s",
					sectionID, other.SectionID, studentID),
				structs.ViolationTimeOverlap
		}
	}

	return true, "", ""
}

// VerifyAllEnrollments scans the whole section set pairwise and
// returns every invariant violation found, aggregated.
func (m *Monitor) VerifyAllEnrollments(sections map[string]*SectionState) error {
	var mErr *multierror.Error

	ids := make([]string, 0, len(sections))
	for id := range sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := sections[id]
		// I2 per section.
		if s.Enrolled.Size() > s.Capacity {
			mErr = multierror.Append(mErr, &structs.InvariantViolationError{
				Type: structs.ViolationCapacityExceeded,
				Detail: fmt.Sprintf("section %s holds %d students over capacity %d",
					s.SectionID, s.Enrolled.Size(), s.Capacity),
			})
		}
	}

	// I1 pairwise across sections sharing students.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := sections[ids[i]], sections[ids[j]]
			if !a.Schedule.OverlapsWith(b.Schedule) {
				continue
			}
			shared := a.Enrolled.Intersect(b.Enrolled)
			for _, studentID := range shared.Slice() {
				mErr = multierror.Append(mErr, &structs.InvariantViolationError{
					Type: structs.ViolationTimeOverlap,
					Detail: fmt.Sprintf("student %s enrolled in overlapping sections %s and %s",
						studentID, a.SectionID, b.SectionID),
				})
			}
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		m.logger.Error("enrollment invariants violated", "error", err)
		return err
	}
	return nil
}

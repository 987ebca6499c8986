// Package mock provides canonical fixtures for tests. Fixtures are
// deep-copied from prototypes so tests can mutate them freely.
package mock

import (
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/helper/uuid"
)

// Semester used by all fixtures unless a test overrides it.
const Semester = "2026-fall"

func deepCopy[T any](v T) T {
	out, err := copystructure.Copy(v)
	if err != nil {
		panic(err)
	}
	return out.(T)
}

var courseProto = &structs.Course{
	Code:       "CS101",
	Title:      "Introduction to Computer Science",
	Credits:    3,
	Level:      "undergraduate",
	Department: "CS",
}

// Course returns a fresh three-credit course with no prerequisites.
func Course() *structs.Course {
	c := deepCopy(courseProto)
	c.ID = uuid.Generate()
	return c
}

// AdvancedCourse returns a course that requires the given prerequisite
// codes.
func AdvancedCourse(prereqs ...string) *structs.Course {
	c := Course()
	c.Code = "CS301"
	c.Title = "Algorithms"
	c.Prerequisites = prereqs
	return c
}

var scheduleProto = &structs.Schedule{
	Days:      []string{"Monday", "Wednesday"},
	StartTime: "10:00",
	EndTime:   "11:30",
}

// Schedule returns the default Monday/Wednesday morning slot.
func Schedule() *structs.Schedule {
	return deepCopy(scheduleProto)
}

// OverlappingSchedule shares days with Schedule and overlaps its time
// window.
func OverlappingSchedule() *structs.Schedule {
	s := Schedule()
	s.StartTime = "11:00"
	s.EndTime = "12:30"
	return s
}

// DisjointSchedule shares days with Schedule but not time.
func DisjointSchedule() *structs.Schedule {
	s := Schedule()
	s.StartTime = "14:00"
	s.EndTime = "15:30"
	return s
}

// Section returns a section of the given course with 30 seats, a
// 10-slot waitlist, and the default schedule.
func Section(courseID string) *structs.Section {
	now := time.Now().UTC()
	return &structs.Section{
		ID:                 uuid.Generate(),
		CourseID:           courseID,
		Semester:           Semester,
		InstructorID:       uuid.Generate(),
		Schedule:           Schedule(),
		MaxEnrollment:      30,
		MaxWaitlist:        10,
		StartDate:          now,
		EndDate:            now.Add(16 * 7 * 24 * time.Hour),
		AddDropDeadline:    now.Add(2 * 7 * 24 * time.Hour),
		WithdrawalDeadline: now.Add(10 * 7 * 24 * time.Hour),
	}
}

// SmallSection returns a section with the given seat and waitlist
// bounds, for capacity scenarios.
func SmallSection(courseID string, seats, waitlist int) *structs.Section {
	s := Section(courseID)
	s.MaxEnrollment = seats
	s.MaxWaitlist = waitlist
	return s
}

var studentProto = &structs.Student{
	GPA:              3.2,
	AcademicStanding: structs.StandingGood,
}

// Student returns a student in good standing.
func Student() *structs.Student {
	s := deepCopy(studentProto)
	s.ID = uuid.Generate()
	return s
}

// SuspendedStudent returns a student whose standing blocks enrollment.
func SuspendedStudent() *structs.Student {
	s := Student()
	s.GPA = 1.2
	s.AcademicStanding = structs.StandingSuspended
	return s
}

// Grade returns a version-1 grade row for the student and section.
func Grade(studentID, sectionID string) *structs.Grade {
	return &structs.Grade{
		ID:           uuid.Generate(),
		StudentID:    studentID,
		SectionID:    sectionID,
		AssessmentID: uuid.Generate(),
		PointsEarned: 88,
		TotalPoints:  100,
		LetterGrade:  "B+",
		GradedBy:     uuid.Generate(),
		GradedAt:     time.Now().UTC(),
		Version:      1,
	}
}

package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
)

// PrerequisitePolicy requires every course prerequisite to appear in
// the student's completed courses. The denial metadata lists the
// missing codes.
type PrerequisitePolicy struct{}

func (PrerequisitePolicy) Name() string { return "prerequisite" }

func (p PrerequisitePolicy) Evaluate(ctx *Context) *Result {
	completed := set.From(ctx.StudentCompletedCourses)
	var missing []string
	for _, code := range ctx.CoursePrerequisites {
		if !completed.Contains(code) {
			missing = append(missing, code)
		}
	}
	if len(missing) == 0 {
		return allow(p.Name())
	}
	sort.Strings(missing)
	res := deny(p.Name(),
		fmt.Sprintf("missing prerequisites for %s: %s", ctx.CourseCode, strings.Join(missing, ", ")),
		RulePrerequisite)
	res.Metadata = map[string]interface{}{"missing_prerequisites": missing}
	return res
}

// CapacityPolicy allows only while seats remain. Waitlist placement is
// the service's decision, not this policy's.
type CapacityPolicy struct{}

func (CapacityPolicy) Name() string { return "capacity" }

func (p CapacityPolicy) Evaluate(ctx *Context) *Result {
	if ctx.SectionCurrentEnrollment < ctx.SectionMaxEnrollment {
		return allow(p.Name())
	}
	res := deny(p.Name(),
		fmt.Sprintf("section is full (%d/%d)", ctx.SectionCurrentEnrollment, ctx.SectionMaxEnrollment),
		RuleCapacity)
	res.Metadata = map[string]interface{}{
		"current_enrollment": ctx.SectionCurrentEnrollment,
		"max_enrollment":     ctx.SectionMaxEnrollment,
	}
	return res
}

// TimeConflictPolicy denies when the candidate section's schedule
// overlaps any section the student is already enrolled in: day sets
// intersect and the half-open [start, end) intervals overlap.
type TimeConflictPolicy struct{}

func (TimeConflictPolicy) Name() string { return "time_conflict" }

func (p TimeConflictPolicy) Evaluate(ctx *Context) *Result {
	if ctx.SectionSchedule == nil {
		return allow(p.Name())
	}
	var conflicts []string
	for _, existing := range ctx.StudentCurrentSchedule {
		if ctx.SectionSchedule.OverlapsWith(existing.Schedule) {
			conflicts = append(conflicts, existing.CourseCode)
		}
	}
	if len(conflicts) == 0 {
		return allow(p.Name())
	}
	sort.Strings(conflicts)
	res := deny(p.Name(),
		fmt.Sprintf("schedule conflicts with: %s", strings.Join(conflicts, ", ")),
		RuleTimeConflict)
	res.Metadata = map[string]interface{}{"conflicting_courses": conflicts}
	return res
}

// CreditLimitPolicy caps the student's semester credit load.
type CreditLimitPolicy struct {
	MaxCredits int
}

func (CreditLimitPolicy) Name() string { return "credit_limit" }

func (p CreditLimitPolicy) Evaluate(ctx *Context) *Result {
	max := p.MaxCredits
	if max <= 0 {
		max = 18
	}
	total := ctx.StudentCurrentCredits + ctx.CourseCredits
	if total <= max {
		return allow(p.Name())
	}
	res := deny(p.Name(),
		fmt.Sprintf("enrolling would carry %d credits, above the %d credit limit", total, max),
		RuleCreditLimit)
	res.Metadata = map[string]interface{}{
		"current_credits": ctx.StudentCurrentCredits,
		"course_credits":  ctx.CourseCredits,
		"max_credits":     max,
	}
	return res
}

// AcademicStandingPolicy denies suspended students and lets probation
// through with a warning.
type AcademicStandingPolicy struct{}

func (AcademicStandingPolicy) Name() string { return "academic_standing" }

func (p AcademicStandingPolicy) Evaluate(ctx *Context) *Result {
	switch ctx.StudentAcademicStanding {
	case structs.StandingSuspended:
		res := deny(p.Name(), "student is suspended", RuleAcademicStanding)
		res.Metadata = map[string]interface{}{"academic_standing": ctx.StudentAcademicStanding}
		return res
	case structs.StandingProbation:
		res := allow(p.Name())
		res.Warnings = []string{"student is on academic probation"}
		return res
	default:
		return allow(p.Name())
	}
}

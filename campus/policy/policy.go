// Package policy implements the enrollment policy engine: an ordered
// list of pure predicates evaluated against a read-only context. The
// engine short-circuits on the first failure, whose reason and
// violated rules become the denial surfaced to the caller.
package policy

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
)

// Rule identifiers surfaced in denials.
const (
	RulePrerequisite     = "prerequisite_requirement"
	RuleCapacity         = "capacity_limit"
	RuleTimeConflict     = "no_time_conflict"
	RuleCreditLimit      = "credit_limit"
	RuleAcademicStanding = "academic_standing"
)

// Context is the read-only input to policy evaluation, assembled by
// the orchestrator from the read model. Policies access it by field
// and never perform I/O.
type Context struct {
	StudentID string
	SectionID string

	CourseCode          string
	CourseCredits       int
	CoursePrerequisites []string

	SectionMaxEnrollment     int
	SectionCurrentEnrollment int
	SectionSchedule          *structs.Schedule

	StudentCompletedCourses  []string
	StudentCurrentCredits    int
	StudentGPA               float64
	StudentAcademicStanding  string
	StudentCurrentSchedule   []*structs.ScheduledSection

	Now time.Time
}

// Result is one policy's verdict. Equal contexts always produce equal
// results.
type Result struct {
	PolicyName    string
	Allowed       bool
	Reason        string
	ViolatedRules []string
	Metadata      map[string]interface{}
	Warnings      []string
}

func allow(name string) *Result {
	return &Result{PolicyName: name, Allowed: true}
}

func deny(name, reason, rule string) *Result {
	return &Result{
		PolicyName:    name,
		Allowed:       false,
		Reason:        reason,
		ViolatedRules: []string{rule},
	}
}

// Policy is a pure predicate over an enrollment context.
type Policy interface {
	Name() string
	Evaluate(*Context) *Result
}

// Engine evaluates policies in a fixed order. Ordering is part of the
// contract: the first failure is the denial the caller sees, so
// cheaper and more specific checks run first.
type Engine struct {
	policies []Policy
	logger   hclog.Logger
}

func NewEngine(logger hclog.Logger, policies ...Policy) *Engine {
	return &Engine{
		policies: policies,
		logger:   logger.Named("policy"),
	}
}

// DefaultEngine returns the standard chain:
// Prerequisite, Capacity, TimeConflict, CreditLimit, AcademicStanding.
func DefaultEngine(logger hclog.Logger, maxCredits int) *Engine {
	return NewEngine(logger,
		&PrerequisitePolicy{},
		&CapacityPolicy{},
		&TimeConflictPolicy{},
		&CreditLimitPolicy{MaxCredits: maxCredits},
		&AcademicStandingPolicy{},
	)
}

// Policies returns the evaluation order, for introspection and tests.
func (e *Engine) Policies() []string {
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name()
	}
	return names
}

// EvaluateAll runs every policy without short-circuiting and returns
// the results in evaluation order. Callers that need to distinguish a
// capacity-only failure (waitlist eligible) from a hard denial use
// this instead of Evaluate.
func (e *Engine) EvaluateAll(ctx *Context) []*Result {
	out := make([]*Result, 0, len(e.policies))
	for _, p := range e.policies {
		res := p.Evaluate(ctx)
		if !res.Allowed {
			e.logger.Debug("policy denied enrollment",
				"policy", p.Name(),
				"student_id", ctx.StudentID,
				"section_id", ctx.SectionID,
				"reason", res.Reason)
		}
		out = append(out, res)
	}
	return out
}

// Evaluate runs the chain, short-circuiting on the first failing
// policy and returning its result. When every policy allows, the
// returned result is allowed and accumulates any warnings raised
// along the way.
func (e *Engine) Evaluate(ctx *Context) *Result {
	var warnings []string
	for _, p := range e.policies {
		res := p.Evaluate(ctx)
		if !res.Allowed {
			e.logger.Debug("policy denied enrollment",
				"policy", p.Name(),
				"student_id", ctx.StudentID,
				"section_id", ctx.SectionID,
				"reason", res.Reason)
			return res
		}
		warnings = append(warnings, res.Warnings...)
	}
	out := allow("engine")
	out.Warnings = warnings
	return out
}

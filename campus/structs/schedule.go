package structs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-set/v3"
)

// weekdays is the set of recognized schedule day names.
var weekdays = set.From([]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
})

// Schedule describes when a section meets. Times are "HH:MM" strings in
// local semester time with minute precision; callers are responsible
// for normalization, no timezone handling happens at this layer.
type Schedule struct {
	Days      []string
	StartTime string
	EndTime   string
}

func (s *Schedule) Copy() *Schedule {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Days = append([]string(nil), s.Days...)
	return &ns
}

func (s *Schedule) Validate() error {
	if len(s.Days) == 0 {
		return fmt.Errorf("schedule has no days")
	}
	for _, d := range s.Days {
		if !weekdays.Contains(d) {
			return fmt.Errorf("unknown schedule day %q", d)
		}
	}
	start, err := ParseMinutes(s.StartTime)
	if err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	end, err := ParseMinutes(s.EndTime)
	if err != nil {
		return fmt.Errorf("invalid end time: %w", err)
	}
	if start >= end {
		return fmt.Errorf("start time %s not before end time %s", s.StartTime, s.EndTime)
	}
	return nil
}

// OverlapsWith reports whether two schedules conflict: their day sets
// intersect and their half-open time intervals [start, end) overlap on
// the shared day. Malformed times never overlap; Validate catches them
// before schedules reach comparison.
func (s *Schedule) OverlapsWith(other *Schedule) bool {
	if s == nil || other == nil {
		return false
	}
	if set.From(s.Days).Intersect(set.From(other.Days)).Empty() {
		return false
	}

	aStart, err := ParseMinutes(s.StartTime)
	if err != nil {
		return false
	}
	aEnd, err := ParseMinutes(s.EndTime)
	if err != nil {
		return false
	}
	bStart, err := ParseMinutes(other.StartTime)
	if err != nil {
		return false
	}
	bEnd, err := ParseMinutes(other.EndTime)
	if err != nil {
		return false
	}

	return aStart < bEnd && bStart < aEnd
}

// ParseMinutes converts an "HH:MM" string to minutes past midnight.
func ParseMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed time %q, want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute in %q", hhmm)
	}
	return hour*60 + minute, nil
}

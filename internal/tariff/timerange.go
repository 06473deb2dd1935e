package tariff

import (
	"fmt"
	"sort"

	"github.com/septivank/utility-billing/tools/timeparser"
)

// Slot is an unparsed time-of-use zone as submitted by a client
type Slot struct {
	ID    string
	Start string
	End   string
}

// TimeRangeValidator checks a set of time-of-use zones for overlaps and,
// optionally, gaps in the 24h clock.
type TimeRangeValidator struct {
	RequireFullCoverage bool
}

// NewTimeRangeValidator creates a validator that only checks overlaps
func NewTimeRangeValidator() *TimeRangeValidator {
	return &TimeRangeValidator{}
}

type interval struct {
	start int
	end   int
}

type parsedSlot struct {
	slot     Slot
	segments []interval
}

// Validate returns one message per problem found. It never mutates slots.
// Zones with id "weekend" are a separate weekend schedule and are left out of
// the weekday overlap and coverage checks.
func (v *TimeRangeValidator) Validate(slots []Slot) []string {
	if len(slots) == 0 {
		return []string{"at least one time zone is required"}
	}

	var messages []string
	var parsed []parsedSlot
	seen := make(map[string]bool, len(slots))

	for i, s := range slots {
		label := s.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if s.ID != "" {
			if seen[s.ID] {
				messages = append(messages, fmt.Sprintf("zone id %q is used more than once", s.ID))
			}
			seen[s.ID] = true
		}

		start, errStart := timeparser.ParseClock(s.Start)
		if errStart != nil {
			messages = append(messages, fmt.Sprintf("zone %s: start %q must be in HH:MM format", label, s.Start))
		}
		end, errEnd := timeparser.ParseClock(s.End)
		if errEnd != nil {
			messages = append(messages, fmt.Sprintf("zone %s: end %q must be in HH:MM format", label, s.End))
		}
		if errStart != nil || errEnd != nil {
			continue
		}
		if start == end {
			messages = append(messages, fmt.Sprintf("zone %s: start and end must differ", label))
			continue
		}
		if s.ID == WeekendZoneID {
			continue
		}

		parsed = append(parsed, parsedSlot{slot: s, segments: segments(start, end)})
	}

	for i := 0; i < len(parsed); i++ {
		for j := i + 1; j < len(parsed); j++ {
			if overlaps(parsed[i].segments, parsed[j].segments) {
				a, b := parsed[i].slot, parsed[j].slot
				messages = append(messages, fmt.Sprintf(
					"zone %s (%s-%s) overlaps zone %s (%s-%s)",
					displayID(a.ID), a.Start, a.End, displayID(b.ID), b.Start, b.End,
				))
			}
		}
	}

	if v.RequireFullCoverage && len(parsed) > 0 {
		for _, gap := range gaps(parsed) {
			messages = append(messages, fmt.Sprintf(
				"time range %s-%s is not covered by any zone",
				timeparser.FormatClock(gap.start), timeparser.FormatClock(gap.end),
			))
		}
	}

	return messages
}

func displayID(id string) string {
	if id == "" {
		return "(unnamed)"
	}
	return fmt.Sprintf("%q", id)
}

// segments splits [start, end) into at most two non-wrapping intervals
func segments(start, end int) []interval {
	if start < end {
		return []interval{{start, end}}
	}
	out := []interval{{start, timeparser.MinutesPerDay}}
	if end > 0 {
		out = append(out, interval{0, end})
	}
	return out
}

func overlaps(a, b []interval) bool {
	for _, x := range a {
		for _, y := range b {
			if x.start < y.end && y.start < x.end {
				return true
			}
		}
	}
	return false
}

func gaps(parsed []parsedSlot) []interval {
	var all []interval
	for _, p := range parsed {
		all = append(all, p.segments...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })

	var out []interval
	cursor := 0
	for _, seg := range all {
		if seg.start > cursor {
			out = append(out, interval{cursor, seg.start})
		}
		if seg.end > cursor {
			cursor = seg.end
		}
	}
	if cursor < timeparser.MinutesPerDay {
		out = append(out, interval{cursor, timeparser.MinutesPerDay})
	}
	return out
}

// Minutes returns the length of the zone in minutes, accounting for midnight wrap
func (z Zone) Minutes() int {
	total := 0
	for _, s := range segments(z.Start, z.End) {
		total += s.end - s.start
	}
	return total
}

// Contains reports whether minute-of-day m falls inside the zone
func (z Zone) Contains(m int) bool {
	for _, s := range segments(z.Start, z.End) {
		if m >= s.start && m < s.end {
			return true
		}
	}
	return false
}

// Slot converts a parsed zone back into its submitted form
func (z Zone) Slot() Slot {
	return Slot{ID: z.ID, Start: timeparser.FormatClock(z.Start), End: timeparser.FormatClock(z.End)}
}

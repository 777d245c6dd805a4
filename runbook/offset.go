package runbook

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Offset is a parsed `T-` phase offset. Minutes is always non-negative;
// sub-minute offsets round up so a phase never dispatches early.
type Offset struct {
	Minutes int
	Unit    byte // 'd', 'h', 'm' or 's'; 'm' for T-0
}

var offsetRe = regexp.MustCompile(`^T-(0|[1-9][0-9]*)([dhms])?$`)

// ParseOffset parses `T-0` or `T-<n>{d|h|m|s}` with n > 0.
func ParseOffset(s string) (Offset, error) {
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return Offset{}, fmt.Errorf("invalid offset %q: want T-0 or T-<n>{d|h|m|s}", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	if n == 0 {
		if m[2] != "" {
			return Offset{}, fmt.Errorf("invalid offset %q: zero offset is written T-0", s)
		}
		return Offset{Minutes: 0, Unit: 'm'}, nil
	}
	if m[2] == "" {
		return Offset{}, fmt.Errorf("invalid offset %q: missing unit", s)
	}
	unit := m[2][0]
	var minutes int
	switch unit {
	case 'd':
		minutes = n * 24 * 60
	case 'h':
		minutes = n * 60
	case 'm':
		minutes = n
	case 's':
		minutes = (n + 59) / 60 // round up, never dispatch early
	}
	return Offset{Minutes: minutes, Unit: unit}, nil
}

// String formats the offset back from (minutes, unit). Sub-minute inputs
// normalise once (`T-90s` parses to 2 minutes and formats as `T-120s`);
// formatting is stable from then on.
func (o Offset) String() string {
	if o.Minutes == 0 {
		return "T-0"
	}
	switch o.Unit {
	case 'd':
		return fmt.Sprintf("T-%dd", o.Minutes/(24*60))
	case 'h':
		return fmt.Sprintf("T-%dh", o.Minutes/60)
	case 's':
		return fmt.Sprintf("T-%ds", o.Minutes*60)
	default:
		return fmt.Sprintf("T-%dm", o.Minutes)
	}
}

var durationRe = regexp.MustCompile(`^([1-9][0-9]*)([smhd])$`)

// ParseDurationSeconds parses `<n>{s|m|h|d}` into whole seconds.
func ParseDurationSeconds(s string) (int, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <n>{s|m|h|d}", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2][0] {
	case 's':
		return n, nil
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	default:
		return n * 86400, nil
	}
}

// DueAt computes the due time of a phase with this offset for a batch
// starting at start.
func (o Offset) DueAt(start time.Time) time.Time {
	return start.Add(-time.Duration(o.Minutes) * time.Minute)
}

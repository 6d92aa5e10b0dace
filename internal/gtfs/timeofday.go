package gtfs

import (
	"strconv"
	"strings"
	"time"
)

// MaxHours is the largest hour field ParseTimeOfDay accepts.
const MaxHours = 99

// ParseTimeOfDay parses HH:MM:SS where hours may be >= 24 for trips running
// past midnight, up to MaxHours. Minutes and seconds must be in 0..59. The
// second return is false for anything that does not conform.
func ParseTimeOfDay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, ok := parseField(parts[0], MaxHours)
	if !ok {
		return 0, false
	}
	m, ok := parseField(parts[1], 59)
	if !ok {
		return 0, false
	}
	sec, ok := parseField(parts[2], 59)
	if !ok {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
}

// parseField accepts only unsigned decimal digits up to max.
func parseField(s string, max int) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if v > max {
		return 0, false
	}
	return v, true
}

// Package governor implements the autonomy governance loops: metrics
// collection, readiness assessment, the circuit breaker, and the
// scope-expansion proposer.
package governor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var windowPattern = regexp.MustCompile(`^([0-9]+)(s|m|h|d)$`)

// ParseWindow converts a rule window like "30s", "5m", "1h", "24h", "7d"
// into a duration.
func ParseWindow(s string) (time.Duration, error) {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid window %q: want <number><s|m|h|d>", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

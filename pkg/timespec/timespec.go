// Package timespec resolves textual time expressions into absolute instants.
//
// Expressions are resolved against a caller-supplied reference instant and
// location so resolution is deterministic; the package never reads the
// process clock. Grammars are tried in order: epoch seconds/milliseconds,
// duration offset before the reference, local time-of-day, UTC time-of-day,
// RFC 3339 timestamp, bare date at local midnight.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

// epochMillisFloor is 2000-01-01T00:00:00Z in milliseconds. Bare integers
// above it are read as epoch milliseconds, below it as epoch seconds.
const epochMillisFloor = 946684800000

// Spec pairs a raw expression with its resolved instant. It is never
// mutated after resolution.
type Spec struct {
	Raw string
	At  time.Time
}

// Resolve parses expr relative to now. Time-of-day expressions resolve to
// the most recent occurrence of that wall-clock time at or before now.
func Resolve(expr string, now time.Time, loc *time.Location) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Spec{}, &cwlogs.ParseError{Input: expr, Reason: "empty time expression"}
	}

	if at, ok := parseEpoch(expr); ok {
		return Spec{Raw: expr, At: at}, nil
	}
	if d, err := ParseDuration(expr); err == nil {
		return Spec{Raw: expr, At: now.Add(-d)}, nil
	}
	if at, ok := parseTimeOfDay(expr, now, loc); ok {
		return Spec{Raw: expr, At: at}, nil
	}
	if at, err := time.Parse(time.RFC3339Nano, expr); err == nil {
		return Spec{Raw: expr, At: at.UTC()}, nil
	}
	if at, err := time.ParseInLocation("2006-01-02", expr, loc); err == nil {
		return Spec{Raw: expr, At: at.UTC()}, nil
	}

	return Spec{}, &cwlogs.ParseError{
		Input:  expr,
		Reason: "not a duration, time of day, UTC time of day, date, epoch or RFC 3339 timestamp",
	}
}

// Window resolves the [start, end] pair for a query. start defaults to
// "60m" (one hour before now) when empty. end and length are mutually
// exclusive; when both are empty the window ends at now.
func Window(startExpr, endExpr, lengthExpr string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if endExpr != "" && lengthExpr != "" {
		return time.Time{}, time.Time{}, &cwlogs.ParseError{
			Input:  endExpr,
			Reason: "end and length are mutually exclusive",
		}
	}

	if startExpr == "" {
		startExpr = "60m"
	}
	start, err := Resolve(startExpr, now, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	var end time.Time
	switch {
	case endExpr != "":
		spec, err := Resolve(endExpr, now, loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = spec.At
	case lengthExpr != "":
		d, err := ParseDuration(lengthExpr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = start.At.Add(d)
	default:
		end = now
	}

	if end.Before(start.At) {
		return time.Time{}, time.Time{}, &cwlogs.ParseError{
			Input:  startExpr,
			Reason: fmt.Sprintf("end %s is before start %s", end.Format(time.RFC3339), start.At.Format(time.RFC3339)),
		}
	}
	return start.At, end, nil
}

// ParseDuration parses a duration composed of day/hour/minute/second
// components, e.g. "10m", "1m30s", "2d12h". A bare number is seconds.
func ParseDuration(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "+"), "-")
	if s == "" {
		return 0, &cwlogs.ParseError{Input: expr, Reason: "empty duration"}
	}

	// A bare number is seconds, unless it is large enough to read as an
	// epoch timestamp, in which case it is not a duration at all.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > epochMillisFloor/1000 {
			return 0, &cwlogs.ParseError{Input: expr, Reason: "reads as an epoch timestamp, not a duration"}
		}
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	var seen bool
	num := 0
	hasNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			hasNum = true
		case r == 'd' || r == 'h' || r == 'm' || r == 's':
			if !hasNum {
				return 0, &cwlogs.ParseError{Input: expr, Reason: fmt.Sprintf("unit %q without a value", r)}
			}
			switch r {
			case 'd':
				total += time.Duration(num) * 24 * time.Hour
			case 'h':
				total += time.Duration(num) * time.Hour
			case 'm':
				total += time.Duration(num) * time.Minute
			case 's':
				total += time.Duration(num) * time.Second
			}
			num = 0
			hasNum = false
			seen = true
		default:
			return 0, &cwlogs.ParseError{Input: expr, Reason: fmt.Sprintf("unexpected character %q in duration", r)}
		}
	}
	if hasNum || !seen {
		return 0, &cwlogs.ParseError{Input: expr, Reason: "trailing value without a unit"}
	}
	return total, nil
}

// parseEpoch reads a bare integer as epoch milliseconds or seconds.
// Small integers are ambiguous with bare-second durations; the original
// tool resolved them as durations, so anything at or below the year-2000
// boundary is rejected here and falls through to the duration grammar.
func parseEpoch(expr string) (time.Time, bool) {
	n, err := strconv.ParseInt(expr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if n > epochMillisFloor {
		return time.UnixMilli(n).UTC(), true
	}
	if n > epochMillisFloor/1000 {
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// parseTimeOfDay reads "HH:MM[:SS[.mmm]]" with an optional trailing "Z".
// The result is today's date at that time, or yesterday's if that time of
// day has not yet occurred relative to now.
func parseTimeOfDay(expr string, now time.Time, loc *time.Location) (time.Time, bool) {
	zone := loc
	s := expr
	if strings.HasSuffix(s, "Z") {
		zone = time.UTC
		s = strings.TrimSuffix(s, "Z")
	}

	var clock time.Time
	var err error
	for _, layout := range []string{"15:04", "15:04:05", "15:04:05.000"} {
		clock, err = time.Parse(layout, s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, false
	}

	local := now.In(zone)
	at := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), zone)
	if at.After(now) {
		at = at.AddDate(0, 0, -1)
	}
	return at.UTC(), true
}

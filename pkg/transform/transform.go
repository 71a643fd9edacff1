// Package transform formats log events for display: an optional regex
// substitution on the message followed by strftime-style timestamp
// rendering. Both stages are pure per-event functions; rules and formats
// are validated at construction, never per event.
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

// DefaultDatetimeFormat renders like "02Jan 15:04:05.000".
const DefaultDatetimeFormat = "%d%b %H:%M:%S%.3f"

// Rule is a compiled message-replace rule. Immutable after construction.
type Rule struct {
	re          *regexp.Regexp
	replacement string
}

// ParseRule compiles a rule of the form
// "<delimiter><pattern><delimiter><replacement>" where the delimiter is
// the first character of the string. The replacement may reference
// capture groups as $1, $2, ... A backslash escapes the delimiter inside
// the pattern.
func ParseRule(s string) (*Rule, error) {
	if len(s) < 2 {
		return nil, &cwlogs.ParseError{Input: s, Reason: "replace rule needs a delimiter, a pattern and a replacement"}
	}
	delim := rune(s[0])
	rest := s[1:]

	fields := splitUnescaped(rest, delim)
	if len(fields) != 2 {
		return nil, &cwlogs.ParseError{
			Input:  s,
			Reason: fmt.Sprintf("expected pattern%creplacement, got %d fields", delim, len(fields)),
		}
	}

	re, err := regexp.Compile(fields[0])
	if err != nil {
		return nil, &cwlogs.ParseError{Input: fields[0], Reason: "invalid pattern", Err: err}
	}
	return &Rule{re: re, replacement: fields[1]}, nil
}

// Apply runs the substitution over a message.
func (r *Rule) Apply(message string) string {
	return r.re.ReplaceAllString(message, r.replacement)
}

// Pattern returns the compiled pattern text.
func (r *Rule) Pattern() string { return r.re.String() }

// Replacement returns the replacement template.
func (r *Rule) Replacement() string { return r.replacement }

// splitUnescaped splits s on unescaped occurrences of delim, unescaping
// "\<delim>" in the fields.
func splitUnescaped(s string, delim rune) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			if r != delim {
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == delim:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	fields = append(fields, cur.String())
	return fields
}

// Formatter renders events as output lines. Safe to apply independently
// to each event; holds no per-event state.
type Formatter struct {
	rule   *Rule
	layout string
	loc    *time.Location
}

// NewFormatter builds a formatter from a strftime-style datetime format
// and an optional replace rule. Timestamps render in loc.
func NewFormatter(datetimeFormat string, rule *Rule, loc *time.Location) (*Formatter, error) {
	layout, err := strftimeLayout(datetimeFormat)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &Formatter{rule: rule, layout: layout, loc: loc}, nil
}

// Line renders one event as "<datetime>|<message>".
func (f *Formatter) Line(ev cwlogs.LogEvent) string {
	return f.Datetime(ev.Timestamp) + "|" + f.Message(ev)
}

// Datetime renders a timestamp with the configured format.
func (f *Formatter) Datetime(t time.Time) string {
	return t.In(f.loc).Format(f.layout)
}

// Message returns the event message after substitution.
func (f *Formatter) Message(ev cwlogs.LogEvent) string {
	if f.rule == nil {
		return ev.Message
	}
	return f.rule.Apply(ev.Message)
}

// strftime directives mapped to Go reference-time layouts. Fractional
// seconds use the chrono-style "%.3f" family.
var strftimeDirectives = map[string]string{
	"%Y": "2006", "%y": "06",
	"%m": "01", "%b": "Jan", "%B": "January",
	"%d": "02", "%e": "_2", "%a": "Mon", "%A": "Monday", "%j": "002",
	"%H": "15", "%I": "03", "%p": "PM",
	"%M": "04", "%S": "05",
	"%.3f": ".000", "%.6f": ".000000", "%.9f": ".000000000",
	"%z": "-0700", "%:z": "-07:00", "%Z": "MST",
	"%F": "2006-01-02", "%T": "15:04:05", "%R": "15:04",
	"%%": "%",
}

// strftimeLayout converts a strftime-style format into a Go time layout.
// Unknown directives are a ParseError.
func strftimeLayout(format string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(format); {
		if format[i] != '%' {
			out.WriteByte(format[i])
			i++
			continue
		}
		matched := false
		// Longest directive first: "%.3f" and "%:z" are 4 and 3 bytes.
		for _, n := range []int{4, 3, 2} {
			if i+n <= len(format) {
				if layout, ok := strftimeDirectives[format[i:i+n]]; ok {
					out.WriteString(layout)
					i += n
					matched = true
					break
				}
			}
		}
		if !matched {
			return "", &cwlogs.ParseError{
				Input:  format,
				Reason: fmt.Sprintf("unsupported datetime directive at position %d", i),
			}
		}
	}
	return out.String(), nil
}

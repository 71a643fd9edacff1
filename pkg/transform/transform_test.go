package transform

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

var refTime = time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC)

func TestParseRule(t *testing.T) {
	rule, err := ParseRule(`/(\d{4})[^|]+/$1`)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, `(\d{4})[^|]+`, rule.Pattern())
	assert.Equal(t, "$1", rule.Replacement())
	assert.Equal(t, "ts=2024|level=info", rule.Apply("ts=2024-01-02T00:00:00+00:00|level=info"))
}

func TestParseRule_AnyDelimiter(t *testing.T) {
	rule, err := ParseRule(",foo,bar")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "bar baz", rule.Apply("foo baz"))
}

func TestParseRule_EscapedDelimiter(t *testing.T) {
	rule, err := ParseRule(`/foo\/bar/baz`)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "foo/bar", rule.Pattern())
	assert.Equal(t, "x baz y", rule.Apply("x foo/bar y"))
}

func TestParseRule_KeepsOtherEscapes(t *testing.T) {
	// Backslash sequences that do not escape the delimiter pass through
	// to the regexp engine.
	rule, err := ParseRule(`/\d+/N`)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "id=N", rule.Apply("id=42"))
}

func TestParseRule_Malformed(t *testing.T) {
	for _, s := range []string{"", "/", "/abc", "/a/b/c", `/[/x`} {
		_, err := ParseRule(s)
		var parseErr *cwlogs.ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("ParseRule(%q): expected ParseError, got %v", s, err)
		}
	}
}

func TestFormatter_DefaultFormat(t *testing.T) {
	f, err := NewFormatter(DefaultDatetimeFormat, nil, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "02Jan 03:04:05.678", f.Datetime(refTime))
}

func TestFormatter_Line(t *testing.T) {
	rule, err := ParseRule(`/level=\w+ //`)
	if err != nil {
		t.Fatal(err)
	}
	f, err := NewFormatter(DefaultDatetimeFormat, rule, time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	ev := cwlogs.LogEvent{
		Timestamp:  refTime,
		StreamName: "s",
		Message:    "level=info request served",
	}
	assert.Equal(t, "02Jan 03:04:05.678|request served", f.Line(ev))
}

func TestFormatter_NoRulePassesMessageThrough(t *testing.T) {
	f, err := NewFormatter("%H:%M", nil, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ev := cwlogs.LogEvent{Timestamp: refTime, Message: "raw | message $1"}
	assert.Equal(t, "03:04|raw | message $1", f.Line(ev))
}

func TestFormatter_RendersInLocation(t *testing.T) {
	zone := time.FixedZone("PST", -8*3600)
	f, err := NewFormatter(DefaultDatetimeFormat, nil, zone)
	if err != nil {
		t.Fatal(err)
	}
	// 03:04Z is 19:04 the previous day at UTC-8.
	assert.Equal(t, "01Jan 19:04:05.678", f.Datetime(refTime))
}

func TestStrftimeLayout(t *testing.T) {
	cases := map[string]string{
		"%Y-%m-%d %H:%M:%S": "2024-01-02 03:04:05",
		"%F %T%.3f":         "2024-01-02 03:04:05.678",
		"%d%b%y":            "02Jan24",
		"%H:%M:%S%.6f":      "03:04:05.678000",
		"100%% %H":          "100% 03",
	}
	for format, want := range cases {
		f, err := NewFormatter(format, nil, time.UTC)
		if err != nil {
			t.Fatalf("NewFormatter(%q): %v", format, err)
		}
		assert.Equal(t, want, f.Datetime(refTime), "format %q", format)
	}
}

func TestStrftimeLayout_UnknownDirective(t *testing.T) {
	for _, format := range []string{"%Q", "%H:%M %", "%.4f"} {
		_, err := NewFormatter(format, nil, time.UTC)
		var parseErr *cwlogs.ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("NewFormatter(%q): expected ParseError, got %v", format, err)
		}
	}
}

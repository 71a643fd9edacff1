// Package cwlogs retrieves log events from CloudWatch Logs through an
// explicit cursor-driven pagination loop with its own retry policy.
package cwlogs

import (
	"fmt"
	"strings"
	"time"
)

// MaxChunkSize is the hard ceiling the service imposes on page sizes.
const MaxChunkSize = 10000

// LogEvent is a single log record. Immutable once produced.
type LogEvent struct {
	Timestamp     time.Time
	StreamName    string
	IngestionTime time.Time
	Message       string
}

// Key orders events by (timestamp, stream name).
func (e LogEvent) Key() EventKey {
	return EventKey{Timestamp: e.Timestamp, StreamName: e.StreamName}
}

// EventKey is the ordering key for merged event sequences.
type EventKey struct {
	Timestamp  time.Time
	StreamName string
}

// Less reports whether k sorts strictly before other.
func (k EventKey) Less(other EventKey) bool {
	if !k.Timestamp.Equal(other.Timestamp) {
		return k.Timestamp.Before(other.Timestamp)
	}
	return k.StreamName < other.StreamName
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s", k.Timestamp.Format(time.RFC3339Nano), k.StreamName)
}

// Query describes one historical retrieval.
type Query struct {
	Group string
	// Streams holds the target stream names. Empty means all streams in
	// the group, which forces the filter API.
	Streams []string
	Start   time.Time
	End     time.Time
	// FilterPattern is forwarded to the service verbatim. Server-side
	// matching is known to occasionally miss events; no client-side
	// re-filtering is attempted since those events are never returned.
	FilterPattern string
	ChunkSize     int
}

// Validate rejects contradictory or out-of-range query parameters.
func (q Query) Validate() error {
	if q.Group == "" {
		return &ParseError{Input: q.Group, Reason: "log group is required"}
	}
	if q.ChunkSize < 1 || q.ChunkSize > MaxChunkSize {
		return &ParseError{
			Input:  fmt.Sprintf("%d", q.ChunkSize),
			Reason: fmt.Sprintf("chunk size must be between 1 and %d", MaxChunkSize),
		}
	}
	if !q.End.IsZero() && q.End.Before(q.Start) {
		return &ParseError{
			Input:  q.End.Format(time.RFC3339),
			Reason: "end time is before start time",
		}
	}
	return nil
}

// String renders the query compactly for error context.
func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "group=%s", q.Group)
	if len(q.Streams) > 0 {
		fmt.Fprintf(&b, " streams=%s", strings.Join(q.Streams, ","))
	}
	fmt.Fprintf(&b, " start=%s", q.Start.Format(time.RFC3339))
	if !q.End.IsZero() {
		fmt.Fprintf(&b, " end=%s", q.End.Format(time.RFC3339))
	}
	if q.FilterPattern != "" {
		fmt.Fprintf(&b, " filter=%q", q.FilterPattern)
	}
	return b.String()
}

package cwlogs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

// fastRetry keeps the tests quick.
var fastRetry = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func ev(ts int64, stream, msg string) LogEvent {
	return LogEvent{
		Timestamp:     time.UnixMilli(ts),
		StreamName:    stream,
		IngestionTime: time.UnixMilli(ts + 1),
		Message:       msg,
	}
}

// pagedBackend serves a fixed set of pages keyed by cursor.
type pagedBackend struct {
	pages   map[string]Page[LogEvent]
	fetches int
}

func (b *pagedBackend) fetch(_ context.Context, cursor *string) (Page[LogEvent], error) {
	b.fetches++
	key := ""
	if cursor != nil {
		key = *cursor
	}
	return b.pages[key], nil
}

func TestPager_EmitsAllPagesInOrder(t *testing.T) {
	backend := &pagedBackend{pages: map[string]Page[LogEvent]{
		"":   {Items: []LogEvent{ev(1, "a", "m1"), ev(2, "a", "m2")}, Cursor: aws.String("p2")},
		"p2": {Items: []LogEvent{ev(3, "b", "m3")}, Cursor: aws.String("p3")},
		"p3": {}, // empty page terminates
	}}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: backend.fetch, Retry: fastRetry}

	var got []LogEvent
	err := EachEvent(context.Background(), pager, func(e LogEvent) bool {
		got = append(got, e)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].Message)
	assert.Equal(t, "m3", got[2].Message)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Key().Less(got[i-1].Key()), "events out of order at %d", i)
	}
}

func TestPager_RepeatedCursorTerminates(t *testing.T) {
	// GetLogEvents keeps returning the same forward token once drained.
	backend := &pagedBackend{pages: map[string]Page[LogEvent]{
		"":     {Items: []LogEvent{ev(1, "a", "m1")}, Cursor: aws.String("same")},
		"same": {Items: []LogEvent{ev(2, "a", "m2")}, Cursor: aws.String("same")},
	}}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: backend.fetch, Retry: fastRetry}

	var got []LogEvent
	err := pager.Each(context.Background(), func(e LogEvent) bool {
		got = append(got, e)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, got, 2)
	assert.Equal(t, 2, backend.fetches)
}

func TestEachEvent_OutOfOrderIsProtocolError(t *testing.T) {
	backend := &pagedBackend{pages: map[string]Page[LogEvent]{
		"": {Items: []LogEvent{ev(5, "a", "late"), ev(3, "a", "early")}},
	}}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: backend.fetch, Retry: fastRetry}

	err := EachEvent(context.Background(), pager, func(LogEvent) bool { return true })
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestPager_RetriesThrottlingThenSucceeds(t *testing.T) {
	calls := 0
	fetch := func(context.Context, *string) (Page[LogEvent], error) {
		calls++
		if calls < 3 {
			return Page[LogEvent]{}, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
		}
		return Page[LogEvent]{Items: []LogEvent{ev(1, "a", "m1")}}, nil
	}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: fetch, Retry: fastRetry}

	var got []LogEvent
	err := pager.Each(context.Background(), func(e LogEvent) bool {
		got = append(got, e)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 3, calls)
	assert.Len(t, got, 1)
}

func TestPager_ThrottlingExhaustsRetryBudget(t *testing.T) {
	calls := 0
	fetch := func(context.Context, *string) (Page[LogEvent], error) {
		calls++
		return Page[LogEvent]{}, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: fetch, Retry: fastRetry}

	err := pager.Each(context.Background(), func(LogEvent) bool { return true })
	var throttled *ThrottlingError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottlingError, got %v", err)
	}
	assert.Equal(t, fastRetry.MaxAttempts, calls)
	assert.Equal(t, fastRetry.MaxAttempts, throttled.Attempts)
}

func TestPager_RejectionIsNotRetried(t *testing.T) {
	calls := 0
	fetch := func(context.Context, *string) (Page[LogEvent], error) {
		calls++
		return Page[LogEvent]{}, &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "bad group"}
	}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: fetch, Retry: fastRetry}

	err := pager.Each(context.Background(), func(LogEvent) bool { return true })
	var rejection *RemoteRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RemoteRejection, got %v", err)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, "InvalidParameterException", rejection.Code)
}

func TestPager_AuthErrorIsFatal(t *testing.T) {
	fetch := func(context.Context, *string) (Page[LogEvent], error) {
		return Page[LogEvent]{}, &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}
	}

	pager := &Pager[LogEvent]{Op: "test", Query: "q", Fetch: fetch, Retry: fastRetry}

	err := pager.Each(context.Background(), func(LogEvent) bool { return true })
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestQuery_Validate(t *testing.T) {
	base := Query{
		Group:     "g",
		Streams:   []string{"s"},
		Start:     time.UnixMilli(0),
		End:       time.UnixMilli(1000),
		ChunkSize: 500,
	}
	assert.NoError(t, base.Validate())

	zero := base
	zero.ChunkSize = 0
	assert.Error(t, zero.Validate())

	huge := base
	huge.ChunkSize = 20000
	assert.Error(t, huge.Validate())

	backwards := base
	backwards.End = time.UnixMilli(-1000)
	backwards.Start = time.UnixMilli(0)
	assert.Error(t, backwards.Validate())
}

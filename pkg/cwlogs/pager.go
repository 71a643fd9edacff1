package cwlogs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds the retry loop around each page fetch. Throttling and
// transient network failures are retried with exponential backoff and
// jitter; everything else fails immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the service's documented throttling guidance.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// Page is one page of results plus the continuation cursor for the next
// request. A nil cursor means the result set is exhausted.
type Page[T any] struct {
	Items  []T
	Cursor *string
}

// FetchFunc retrieves one page. The first call receives a nil cursor.
type FetchFunc[T any] func(ctx context.Context, cursor *string) (Page[T], error)

// Pager drives a cursor-based pagination loop over any paged API. Page
// fetches are inherently sequential: each request depends on the cursor
// returned by the previous one.
type Pager[T any] struct {
	// Op names the underlying API call for error context.
	Op string
	// Query describes the request parameters for error context.
	Query string

	Fetch FetchFunc[T]
	Retry RetryPolicy
}

// Each fetches pages until exhaustion, passing every item to fn in
// server-delivered order. fn returning false stops the loop early.
//
// Termination: an empty page, an absent cursor, or a cursor identical to
// the previous one (GetLogEvents keeps returning the same forward token
// once drained).
func (p *Pager[T]) Each(ctx context.Context, fn func(T) bool) error {
	var cursor *string
	for pageNum := 0; ; pageNum++ {
		page, err := p.fetchWithRetry(ctx, cursor)
		if err != nil {
			return err
		}
		log.Debug().Str("op", p.Op).Int("page", pageNum).Int("items", len(page.Items)).Msg("fetched page")

		if len(page.Items) == 0 {
			return nil
		}
		for _, item := range page.Items {
			if !fn(item) {
				return nil
			}
		}
		if page.Cursor == nil || (cursor != nil && *page.Cursor == *cursor) {
			return nil
		}
		cursor = page.Cursor
	}
}

func (p *Pager[T]) fetchWithRetry(ctx context.Context, cursor *string) (Page[T], error) {
	policy := p.Retry.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.MaxElapsedTime = 0

	var page Page[T]
	attempts := 0
	op := func() error {
		attempts++
		var err error
		page, err = p.Fetch(ctx, cursor)
		if err == nil {
			return nil
		}
		switch classify(err) {
		case classThrottle, classTransient:
			log.Debug().Str("op", p.Op).Int("attempt", attempts).Err(err).Msg("retrying page fetch")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1)), ctx))
	if err != nil {
		return Page[T]{}, wrapFetchErr(err, p.Op, p.Query, attempts)
	}
	return page, nil
}

// EachEvent runs an event pager and verifies the server's ordering
// guarantee: the emitted sequence must be non-decreasing by
// (timestamp, stream name). A violation aborts the query with a
// ProtocolError.
func EachEvent(ctx context.Context, p *Pager[LogEvent], fn func(LogEvent) bool) error {
	var last *EventKey
	var orderErr error

	err := p.Each(ctx, func(ev LogEvent) bool {
		key := ev.Key()
		if last != nil && key.Less(*last) {
			orderErr = &ProtocolError{
				Op:     p.Op,
				Detail: fmt.Sprintf("server delivered %s after %s (%s)", key, *last, p.Query),
			}
			return false
		}
		last = &key
		return fn(ev)
	})
	if err != nil {
		return err
	}
	return orderErr
}

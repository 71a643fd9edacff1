package livetail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

const (
	targetStartLiveTail = "Logs_20140328.StartLiveTail"
	contentTypeJSON     = "application/x-amz-json-1.1"
	contentTypeStream   = "application/vnd.amazon.eventstream"
	signingService      = "logs"
)

// Options configures a live-tail engine.
type Options struct {
	Credentials aws.CredentialsProvider
	Region      string

	// GroupIdentifiers are log group ARNs (without the ":*" suffix).
	GroupIdentifiers []string
	// StreamNames limits the tail to specific streams. Empty tails the
	// whole group.
	StreamNames []string
	// FilterPattern is forwarded to the service verbatim.
	FilterPattern string

	// Endpoint overrides the service endpoint; tests point it at a fake.
	Endpoint   string
	HTTPClient *http.Client

	// BufferSize caps buffered events per session. When the consumer
	// falls behind, the engine stops reading from the wire rather than
	// dropping events.
	BufferSize int
	// ConnectTimeout bounds connection establishment and response
	// headers; it does not apply to the streaming body.
	ConnectTimeout time.Duration
	// IdleTimeout triggers a reconnect when no frame arrives in time.
	// The service sends keepalive updates well inside this window.
	IdleTimeout time.Duration
	// MaxReconnects bounds consecutive failed reconnect attempts.
	MaxReconnects int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = fmt.Sprintf("https://streaming-logs.%s.amazonaws.com", o.Region)
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: o.ConnectTimeout}).DialContext,
				ResponseHeaderTimeout: o.ConnectTimeout,
			},
		}
	}
	return o
}

// Stream is a running live-tail session as seen by the consumer. Events
// arrive on Events; a terminal failure arrives on Errs. Both channels are
// closed when the session ends.
type Stream struct {
	Events <-chan cwlogs.LogEvent
	Errs   <-chan error
	cancel context.CancelFunc
}

// Close shuts the session down and releases the connection.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}

// Engine opens and supervises live-tail sessions.
type Engine struct {
	opts Options
}

// New validates options and returns an engine.
func New(opts Options) (*Engine, error) {
	if opts.Credentials == nil {
		return nil, &cwlogs.AuthError{Op: "live tail setup", Err: errors.New("no credential provider")}
	}
	if opts.Region == "" {
		return nil, &cwlogs.ParseError{Reason: "region is required for live tail"}
	}
	if len(opts.GroupIdentifiers) == 0 {
		return nil, &cwlogs.ParseError{Reason: "at least one log group is required for live tail"}
	}
	return &Engine{opts: opts.withDefaults()}, nil
}

// Tail starts a session. The session reconnects on idle timeouts,
// protocol errors and server-initiated stream ends; reconnects restart
// from "now" (the service exposes no resume cursor), so a gap between
// disconnect and reconnect is possible but nothing already delivered is
// redelivered.
func (e *Engine) Tail(ctx context.Context) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	s := &session{
		opts:     e.opts,
		id:       uuid.NewString(),
		events:   make(chan cwlogs.LogEvent, e.opts.BufferSize),
		errs:     make(chan error, 1),
		lastSeen: map[string]cwlogs.EventKey{},
		resuming: map[string]bool{},
		merge:    newMerger(),
	}
	go s.run(ctx)

	return &Stream{Events: s.events, Errs: s.errs, cancel: cancel}, nil
}

// session states.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateSigning
	stateStreaming
	stateReconnecting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateSigning:
		return "signing"
	case stateStreaming:
		return "streaming"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// errServerClosed marks a server-initiated clean end of stream.
var errServerClosed = errors.New("server closed the stream")

// errIdle marks an idle-timeout expiry.
var errIdle = errors.New("no frames within idle timeout")

type session struct {
	opts   Options
	id     string
	events chan cwlogs.LogEvent
	errs   chan error

	state sessionState
	// lastSeen records the newest emitted key per stream; resuming marks
	// streams that must skip past it after a reconnect.
	lastSeen map[string]cwlogs.EventKey
	resuming map[string]bool
	merge    *merger
}

func (s *session) setState(next sessionState) {
	log.Debug().Str("session", s.id).Stringer("from", s.state).Stringer("to", next).Msg("live tail state")
	s.state = next
}

func (s *session) run(ctx context.Context) {
	defer close(s.events)
	defer close(s.errs)
	defer s.setState(stateClosed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		body, err := s.connect(ctx)
		if err == nil {
			s.setState(stateStreaming)
			err = s.stream(ctx, body)
			body.Close()
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			// A completed streaming period resets the failure budget.
			failures = 0
			bo.Reset()
			// The next connection starts from "now"; anything at or
			// before the last emitted key per stream is a redelivery.
			for stream := range s.lastSeen {
				s.resuming[stream] = true
			}
		}

		if ctx.Err() != nil {
			return
		}
		if isFatal(err) {
			s.fail(err)
			return
		}

		failures++
		if failures > s.opts.MaxReconnects {
			s.fail(&cwlogs.TransientNetworkError{
				Op:       "live tail",
				Query:    s.queryContext(),
				Attempts: failures,
				Err:      err,
			})
			return
		}

		s.setState(stateReconnecting)
		log.Debug().Str("session", s.id).Err(err).Int("failures", failures).Msg("live tail reconnecting")
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *session) queryContext() string {
	return fmt.Sprintf("session=%s groups=%v streams=%v filter=%q",
		s.id, s.opts.GroupIdentifiers, s.opts.StreamNames, s.opts.FilterPattern)
}

// isFatal reports whether the error should end the session instead of
// triggering a reconnect.
func isFatal(err error) bool {
	var authErr *cwlogs.AuthError
	var rejection *cwlogs.RemoteRejection
	var parseErr *cwlogs.ParseError
	return errors.As(err, &authErr) || errors.As(err, &rejection) || errors.As(err, &parseErr)
}

type startLiveTailRequest struct {
	LogGroupIdentifiers   []string `json:"logGroupIdentifiers"`
	LogStreamNames        []string `json:"logStreamNames,omitempty"`
	LogEventFilterPattern string   `json:"logEventFilterPattern"`
}

type apiErrorResponse struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// connect signs and issues the StartLiveTail request, returning the
// streaming body on success.
func (s *session) connect(ctx context.Context) (io.ReadCloser, error) {
	s.setState(stateConnecting)

	creds, err := s.opts.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, &cwlogs.AuthError{Op: "credential resolution", Err: err}
	}

	body, err := json.Marshal(startLiveTailRequest{
		LogGroupIdentifiers:   s.opts.GroupIdentifiers,
		LogStreamNames:        s.opts.StreamNames,
		LogEventFilterPattern: s.opts.FilterPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding live tail request: %w", err)
	}

	endpoint, err := url.Parse(s.opts.Endpoint)
	if err != nil {
		return nil, &cwlogs.ParseError{Input: s.opts.Endpoint, Reason: "invalid endpoint", Err: err}
	}

	s.setState(stateSigning)
	now := s.opts.Now().UTC()
	hash := payloadHash(body)
	headers := map[string]string{
		"content-type":         contentTypeJSON,
		"host":                 endpoint.Host,
		"x-amz-content-sha256": hash,
		"x-amz-date":           now.Format("20060102T150405Z"),
		"x-amz-target":         targetStartLiveTail,
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}

	authorization, err := Sign(SignRequest{
		Credentials: creds,
		Region:      s.opts.Region,
		Service:     signingService,
		Method:      http.MethodPost,
		Path:        "/",
		Headers:     headers,
		PayloadHash: hash,
		Time:        now,
	})
	if err != nil {
		return nil, &cwlogs.AuthError{Op: "request signing", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building live tail request: %w", err)
	}
	for name, value := range headers {
		if name == "host" {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", authorization)

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &cwlogs.TransientNetworkError{Op: "StartLiveTail", Query: s.queryContext(), Attempts: 1, Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == contentTypeJSON {
		// A JSON body instead of an event stream is the service
		// rejecting the request.
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var apiErr apiErrorResponse
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Type == "" {
			apiErr.Type = resp.Status
			apiErr.Message = string(raw)
		}
		if cwlogs.IsAuthCode(trimErrorType(apiErr.Type)) {
			return nil, &cwlogs.AuthError{Op: "StartLiveTail", Err: fmt.Errorf("%s: %s", apiErr.Type, apiErr.Message)}
		}
		return nil, &cwlogs.RemoteRejection{
			Op:      "StartLiveTail",
			Query:   s.queryContext(),
			Code:    trimErrorType(apiErr.Type),
			Message: apiErr.Message,
		}
	}
	if contentType != contentTypeStream {
		resp.Body.Close()
		return nil, &cwlogs.ProtocolError{
			Op:     "StartLiveTail",
			Detail: fmt.Sprintf("unexpected response content type %q (%s)", contentType, s.queryContext()),
		}
	}
	return resp.Body, nil
}

// trimErrorType strips the namespace prefix from AWS error type strings
// like "com.amazonaws.logs#AccessDeniedException".
func trimErrorType(t string) string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i] == '#' || t[i] == '.' {
			return t[i+1:]
		}
	}
	return t
}

type frameResult struct {
	frame *Frame
	err   error
}

// stream decodes frames until the connection ends, the idle timeout
// fires, or the context is cancelled. The frame reader is the only
// writer to its channel and this loop the only reader; backpressure from
// the consumer propagates back to the wire through blocking sends.
func (s *session) stream(ctx context.Context, body io.Reader) error {
	frames := make(chan frameResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		dec := NewDecoder(body)
		for {
			frame, err := dec.Decode()
			select {
			case frames <- frameResult{frame: frame, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()

		case <-idle.C:
			return errIdle

		case res := <-frames:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return errServerClosed
				}
				return res.err
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.opts.IdleTimeout)

			if err := s.handleFrame(ctx, res.frame); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleFrame(ctx context.Context, frame *Frame) error {
	switch frame.MessageType() {
	case "exception", "error":
		return &cwlogs.ProtocolError{
			Op: "live tail",
			Detail: fmt.Sprintf("server error %s: %s (%s)",
				frame.Headers[headerErrorCode], frame.Headers[headerErrorMsg], s.queryContext()),
		}
	}

	switch frame.EventType() {
	case "sessionStart":
		log.Debug().Str("session", s.id).Msg("live tail session started")
		return nil

	case "sessionUpdate":
		var update sessionUpdate
		if err := json.Unmarshal(frame.Payload, &update); err != nil {
			return &cwlogs.ProtocolError{
				Op:     "live tail",
				Detail: fmt.Sprintf("undecodable session update: %v (%s)", err, s.queryContext()),
			}
		}
		for _, r := range update.SessionResults {
			ev := cwlogs.LogEvent{
				Timestamp:     time.UnixMilli(r.Timestamp),
				StreamName:    r.LogStreamName,
				IngestionTime: time.UnixMilli(r.IngestionTime),
				Message:       r.Message,
			}
			// Events already emitted before a reconnect gap are never
			// redelivered to the consumer.
			if s.resuming[ev.StreamName] {
				if last, ok := s.lastSeen[ev.StreamName]; ok && !last.Less(ev.Key()) {
					continue
				}
				delete(s.resuming, ev.StreamName)
			}
			s.merge.push(ev)
		}
		return s.drain(ctx)

	case "sessionError":
		return &cwlogs.ProtocolError{
			Op:     "live tail",
			Detail: fmt.Sprintf("session error: %s (%s)", string(frame.Payload), s.queryContext()),
		}

	default:
		log.Debug().Str("session", s.id).Str("event", frame.EventType()).Msg("ignoring unknown frame type")
		return nil
	}
}

// drain emits merged events in (timestamp, stream) order. Sends block on
// the bounded channel, which pauses frame reads until the consumer
// catches up.
func (s *session) drain(ctx context.Context) error {
	for {
		ev, ok := s.merge.pop()
		if !ok {
			return nil
		}
		select {
		case s.events <- ev:
			s.lastSeen[ev.StreamName] = ev.Key()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush makes a bounded attempt to hand buffered events to the consumer
// during shutdown, without waiting on a consumer that is already gone.
func (s *session) flush() {
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for {
		ev, ok := s.merge.pop()
		if !ok {
			return
		}
		select {
		case s.events <- ev:
		case <-deadline.C:
			log.Debug().Str("session", s.id).Int("pending", s.merge.pending()+1).Msg("consumer gone, dropping buffered events on shutdown")
			return
		}
	}
}

type sessionUpdate struct {
	SessionMetadata struct {
		Sampled bool `json:"sampled"`
	} `json:"sessionMetadata"`
	SessionResults []sessionResult `json:"sessionResults"`
}

type sessionResult struct {
	IngestionTime      int64  `json:"ingestionTime"`
	LogGroupIdentifier string `json:"logGroupIdentifier"`
	LogStreamName      string `json:"logStreamName"`
	Message            string `json:"message"`
	Timestamp          int64  `json:"timestamp"`
}

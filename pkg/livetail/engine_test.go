package livetail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

var testCreds = credentials.NewStaticCredentialsProvider("AKID", "SECRET", "")

const testGroupARN = "arn:aws:logs:us-east-1:123456789012:log-group:my-group"

func testOptions(endpoint string, client *http.Client) Options {
	return Options{
		Credentials:      testCreds,
		Region:           "us-east-1",
		GroupIdentifiers: []string{testGroupARN},
		Endpoint:         endpoint,
		HTTPClient:       client,
	}
}

func writeFrame(t *testing.T, w http.ResponseWriter, eventType string, payload []byte) {
	t.Helper()
	frame := Encode(map[string]string{
		headerMessageType: "event",
		headerEventType:   eventType,
	}, payload)
	if _, err := w.Write(frame); err != nil {
		t.Errorf("writing frame: %v", err)
	}
	w.(http.Flusher).Flush()
}

func updatePayload(results ...sessionResult) []byte {
	var update sessionUpdate
	update.SessionResults = results
	payload, _ := json.Marshal(update)
	return payload
}

// collect reads events until want arrive or the stream ends, then cancels.
func collect(cancel context.CancelFunc, stream *Stream, want int) []cwlogs.LogEvent {
	var got []cwlogs.LogEvent
	for ev := range stream.Events {
		got = append(got, ev)
		if len(got) == want {
			cancel()
		}
	}
	return got
}

type capturedRequest struct {
	target string
	auth   string
	body   startLiveTailRequest
}

func TestEngine_StreamsMergedEvents(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req startLiveTailRequest
		_ = json.Unmarshal(raw, &req)
		captured <- capturedRequest{
			target: r.Header.Get("x-amz-target"),
			auth:   r.Header.Get("Authorization"),
			body:   req,
		}

		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		writeFrame(t, w, "sessionStart", []byte(`{"sessionId":"s-1"}`))
		writeFrame(t, w, "sessionUpdate", updatePayload(
			sessionResult{Timestamp: 2, LogStreamName: "beta", Message: "second"},
			sessionResult{Timestamp: 1, LogStreamName: "alpha", Message: "first"},
			sessionResult{Timestamp: 3, LogStreamName: "alpha", Message: "third"},
		))
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(server.URL, server.Client())
	opts.StreamNames = []string{"alpha", "beta"}
	opts.FilterPattern = "ERROR"
	engine, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(cancel, stream, 3)
	if err, ok := <-stream.Errs; ok && err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	assert.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "alpha", got[0].StreamName)
	assert.Equal(t, "second", got[1].Message)
	assert.Equal(t, "third", got[2].Message)

	req := <-captured
	assert.Equal(t, targetStartLiveTail, req.target)
	assert.True(t, strings.HasPrefix(req.auth, "AWS4-HMAC-SHA256 Credential=AKID/"), "auth %q", req.auth)
	assert.Contains(t, req.auth, "/us-east-1/logs/aws4_request")
	assert.Equal(t, []string{testGroupARN}, req.body.LogGroupIdentifiers)
	assert.Equal(t, []string{"alpha", "beta"}, req.body.LogStreamNames)
	assert.Equal(t, "ERROR", req.body.LogEventFilterPattern)
}

func TestEngine_ReconnectSkipsRedeliveredEvents(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		writeFrame(t, w, "sessionStart", []byte(`{}`))
		if n == 1 {
			writeFrame(t, w, "sessionUpdate", updatePayload(
				sessionResult{Timestamp: 1, LogStreamName: "s", Message: "one"},
				sessionResult{Timestamp: 2, LogStreamName: "s", Message: "two"},
			))
			return // stream ends, client reconnects
		}
		// The fresh session replays the last event before the new ones.
		writeFrame(t, w, "sessionUpdate", updatePayload(
			sessionResult{Timestamp: 2, LogStreamName: "s", Message: "two"},
			sessionResult{Timestamp: 3, LogStreamName: "s", Message: "three"},
		))
		<-r.Context().Done()
	}))
	defer server.Close()

	engine, err := New(testOptions(server.URL, server.Client()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(cancel, stream, 3)
	if err, ok := <-stream.Errs; ok && err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	var msgs []string
	for _, ev := range got {
		msgs = append(msgs, ev.Message)
	}
	assert.Equal(t, []string{"one", "two", "three"}, msgs)
	assert.Equal(t, int32(2), requests.Load())
}

func TestEngine_IdleTimeoutTriggersReconnect(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		if n == 1 {
			// no frames at all; the client must not wait forever
			<-r.Context().Done()
			return
		}
		writeFrame(t, w, "sessionStart", []byte(`{}`))
		writeFrame(t, w, "sessionUpdate", updatePayload(
			sessionResult{Timestamp: 1, LogStreamName: "s", Message: "after reconnect"},
		))
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(server.URL, server.Client())
	opts.IdleTimeout = 50 * time.Millisecond
	engine, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(cancel, stream, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, "after reconnect", got[0].Message)
	assert.GreaterOrEqual(t, requests.Load(), int32(2))
}

func TestEngine_RejectionIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"__type":"com.amazonaws.logs#InvalidParameterException","message":"bad filter"}`))
	}))
	defer server.Close()

	engine, err := New(testOptions(server.URL, server.Client()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(cancel, stream, 1)
	assert.Empty(t, got)

	var rejection *cwlogs.RemoteRejection
	if !errors.As(<-stream.Errs, &rejection) {
		t.Fatal("expected RemoteRejection")
	}
	assert.Equal(t, "InvalidParameterException", rejection.Code)
	assert.Equal(t, "bad filter", rejection.Message)
}

func TestEngine_AccessDeniedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"__type":"com.amazonaws.logs#AccessDeniedException","message":"no"}`))
	}))
	defer server.Close()

	engine, err := New(testOptions(server.URL, server.Client()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	assert.Empty(t, collect(cancel, stream, 1))

	var authErr *cwlogs.AuthError
	if !errors.As(<-stream.Errs, &authErr) {
		t.Fatal("expected AuthError")
	}
}

func TestEngine_ConnectFailuresExhaustReconnectBudget(t *testing.T) {
	// A freshly closed port refuses connections immediately.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	opts := testOptions("http://"+addr, nil)
	opts.MaxReconnects = 1
	engine, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := engine.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}

	assert.Empty(t, collect(cancel, stream, 1))

	var netErr *cwlogs.TransientNetworkError
	if !errors.As(<-stream.Errs, &netErr) {
		t.Fatal("expected TransientNetworkError")
	}
	assert.Equal(t, 2, netErr.Attempts)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Region: "us-east-1", GroupIdentifiers: []string{testGroupARN}})
	assert.Error(t, err, "missing credentials")

	_, err = New(Options{Credentials: testCreds, GroupIdentifiers: []string{testGroupARN}})
	assert.Error(t, err, "missing region")

	_, err = New(Options{Credentials: testCreds, Region: "us-east-1"})
	assert.Error(t, err, "missing groups")
}

func TestTrimErrorType(t *testing.T) {
	assert.Equal(t, "AccessDeniedException", trimErrorType("com.amazonaws.logs#AccessDeniedException"))
	assert.Equal(t, "ThrottlingException", trimErrorType("ThrottlingException"))
	assert.Equal(t, "SessionStreamingException", trimErrorType("aws.logs.SessionStreamingException"))
}

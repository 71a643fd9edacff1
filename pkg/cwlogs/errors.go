package cwlogs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ParseError reports a malformed time expression, transform rule, or
// contradictory query arguments. Raised before any network activity.
type ParseError struct {
	Input  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error: %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthError reports a signing or credential failure. Fatal.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ThrottlingError is surfaced after the retry budget for throttling
// responses has been exhausted.
type ThrottlingError struct {
	Op       string
	Query    string
	Attempts int
	Err      error
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("%s throttled after %d attempts (%s): %v", e.Op, e.Attempts, e.Query, e.Err)
}

func (e *ThrottlingError) Unwrap() error { return e.Err }

// TransientNetworkError is surfaced after the retry budget for transient
// network failures has been exhausted.
type TransientNetworkError struct {
	Op       string
	Query    string
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts (%s): %v", e.Op, e.Attempts, e.Query, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a violation of the wire contract: a bad frame
// checksum or out-of-order server delivery. Fatal to the current
// connection only.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Detail)
}

// RemoteRejection reports a non-retryable rejection from the service,
// carrying the server-provided code and message. Never retried.
type RemoteRejection struct {
	Op      string
	Query   string
	Code    string
	Message string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s: %s", e.Op, e.Query, e.Code, e.Message)
}

// throttleCodes are the API error codes treated as throttling.
var throttleCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"ProvisionedThroughputExceededException": true,
}

// transientCodes are server-side API error codes worth retrying.
var transientCodes = map[string]bool{
	"ServiceUnavailableException": true,
	"ServiceUnavailable":          true,
	"InternalFailure":             true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
}

// authCodes are API error codes that indicate a credential problem.
var authCodes = map[string]bool{
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidSignatureException":   true,
	"ExpiredTokenException":       true,
	"MissingAuthenticationToken":  true,
}

// IsAuthCode reports whether a service error code indicates a credential
// or signature problem.
func IsAuthCode(code string) bool { return authCodes[code] }

type errClass int

const (
	classTransient errClass = iota
	classThrottle
	classAuth
	classRejection
)

// classify buckets an API call error into the retry taxonomy. Anything
// that is not a modeled API error is assumed to be a transient network
// failure, except context cancellation which is passed through.
func classify(err error) errClass {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttleCodes[code]:
			return classThrottle
		case transientCodes[code]:
			return classTransient
		case authCodes[code]:
			return classAuth
		default:
			return classRejection
		}
	}
	return classTransient
}

// wrapFetchErr converts a classified fetch failure into its taxonomy type.
func wrapFetchErr(err error, op, query string, attempts int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch classify(err) {
	case classThrottle:
		return &ThrottlingError{Op: op, Query: query, Attempts: attempts, Err: err}
	case classAuth:
		return &AuthError{Op: op, Err: err}
	case classRejection:
		var apiErr smithy.APIError
		errors.As(err, &apiErr)
		return &RemoteRejection{Op: op, Query: query, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}
	default:
		return &TransientNetworkError{Op: op, Query: query, Attempts: attempts, Err: err}
	}
}

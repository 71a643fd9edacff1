// Package livetail opens signed streaming connections to the CloudWatch
// Logs live-tail API and decodes the framed event stream it returns.
//
// The SDK has no support for StartLiveTail's streaming transport, so the
// request is signed by hand and the response body is decoded frame by
// frame off the chunked HTTP connection.
package livetail

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const signingAlgorithm = "AWS4-HMAC-SHA256"

// SignRequest carries everything needed to compute a request signature.
// Signing is a pure function of these inputs; there is no key cache.
type SignRequest struct {
	Credentials aws.Credentials
	Region      string
	Service     string

	Method   string
	Path     string
	RawQuery string
	// Headers maps lowercase header names to values. Must include host
	// and x-amz-date. All listed headers are signed.
	Headers     map[string]string
	PayloadHash string
	Time        time.Time
}

// Sign computes the Authorization header value for the request.
//
// The signing key is derived by chained HMAC-SHA256 over the date-scoped
// credential string, then applied to the hash of the canonical request.
func Sign(req SignRequest) (string, error) {
	if req.Credentials.AccessKeyID == "" || req.Credentials.SecretAccessKey == "" {
		return "", fmt.Errorf("credentials are incomplete")
	}
	if req.Headers["host"] == "" {
		return "", fmt.Errorf("host header is required for signing")
	}

	date := req.Time.UTC().Format("20060102")
	amzDate := req.Time.UTC().Format("20060102T150405Z")
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, req.Region, req.Service)

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	signedHeaders := strings.Join(names, ";")

	var canonical strings.Builder
	canonical.WriteString(req.Method)
	canonical.WriteByte('\n')
	path := req.Path
	if path == "" {
		path = "/"
	}
	canonical.WriteString(path)
	canonical.WriteByte('\n')
	canonical.WriteString(req.RawQuery)
	canonical.WriteByte('\n')
	for _, name := range names {
		canonical.WriteString(name)
		canonical.WriteByte(':')
		canonical.WriteString(strings.TrimSpace(req.Headers[name]))
		canonical.WriteByte('\n')
	}
	canonical.WriteByte('\n')
	canonical.WriteString(signedHeaders)
	canonical.WriteByte('\n')
	canonical.WriteString(req.PayloadHash)

	requestHash := sha256.Sum256([]byte(canonical.String()))

	stringToSign := strings.Join([]string{
		signingAlgorithm,
		amzDate,
		scope,
		hex.EncodeToString(requestHash[:]),
	}, "\n")

	key := deriveKey(req.Credentials.SecretAccessKey, date, req.Region, req.Service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signingAlgorithm, req.Credentials.AccessKeyID, scope, signedHeaders, signature), nil
}

// deriveKey produces the date-scoped signing key:
// HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
func deriveKey(secret, date, region, service string) []byte {
	key := hmacSHA256([]byte("AWS4"+secret), date)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	return hmacSHA256(key, "aws4_request")
}

func hmacSHA256(key []byte, content string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(content))
	return h.Sum(nil)
}

// payloadHash returns the lowercase hex SHA-256 of the request body.
func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

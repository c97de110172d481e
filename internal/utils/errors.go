package utils

import (
	"errors"
	"fmt"
)

// Upstream error kinds. Match with errors.Is.
var (
	// ErrMissingCredentials means neither an access token nor a refresh token is configured.
	ErrMissingCredentials = errors.New("missing oauth credentials")

	// ErrMissingClientCredentials means a refresh was needed but client id/secret are absent.
	ErrMissingClientCredentials = errors.New("missing oauth client credentials")

	// ErrUpstreamAuthExpired means the refresh token or access token was rejected upstream.
	ErrUpstreamAuthExpired = errors.New("upstream authorization expired")

	// ErrMalformedUpstreamResponse means a 2xx upstream response violated its contract.
	ErrMalformedUpstreamResponse = errors.New("malformed upstream response")

	// ErrUpstreamFailure is any other failed upstream call.
	ErrUpstreamFailure = errors.New("upstream request failed")
)

// UpstreamError describes a failed upstream or credential operation.
type UpstreamError struct {
	Kind       error  // one of the Err* kinds above
	Op         string // e.g. "oauth refresh", "jwt exchange"
	StatusCode int    // 0 when no response was received
	Body       string
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewUpstreamError builds an UpstreamError of the given kind.
func NewUpstreamError(kind error, op, message string) *UpstreamError {
	return &UpstreamError{Kind: kind, Op: op, Message: message}
}

// IsRecoverableError reports whether the caller can fix err by re-authenticating.
func IsRecoverableError(err error) bool {
	return errors.Is(err, ErrUpstreamAuthExpired)
}

// ErrorMessage returns the human-facing message of err, without kind prefixes.
func ErrorMessage(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Message != "" && ue.StatusCode == 0 && ue.Err == nil {
		return ue.Message
	}
	return err.Error()
}

// Package recaptcha verifies client challenge tokens against the reCAPTCHA
// v3 siteverify endpoint and applies the local trust policy to the verdict.
package recaptcha

import (
	"context"
	"errors"
	"time"
)

// Verifier is the interface that wraps the basic token verification method.
type Verifier interface {
	// Verify reports whether token was issued to a human. A false result is
	// a normal denial; an error means verification could not be completed.
	Verify(ctx context.Context, token string) (bool, error)
}

// VerifierFunc adapts an ordinary function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (bool, error)

// Verify calls f(ctx, token).
func (f VerifierFunc) Verify(ctx context.Context, token string) (bool, error) {
	return f(ctx, token)
}

var (
	// ErrTransport is returned when the scoring service could not be reached
	// or did not answer with a 2xx status.
	ErrTransport = errors.New("recaptcha: scoring service request failed")
	// ErrMalformedResponse is returned when the scoring service answered with
	// a body that cannot be turned into a VerificationResult.
	ErrMalformedResponse = errors.New("recaptcha: malformed scoring service response")
)

// Recorder receives verification observations. *monitoring.Metrics
// satisfies it.
type Recorder interface {
	RecordVerification(outcome string, duration time.Duration)
	RecordScore(score float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordVerification(string, time.Duration) {}
func (nopRecorder) RecordScore(float64)                      {}

// Outcome labels recorded in addition to the Check names.
const (
	OutcomeIgnored           = "ignored"
	OutcomeTransportError    = "transport_error"
	OutcomeMalformedResponse = "malformed_response"
)

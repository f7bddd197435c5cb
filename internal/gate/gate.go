// Package gate turns token verification into an authorization check placed
// in front of request handlers.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/FlooooowY/SteelMount-Human-Gate/internal/recaptcha"
)

// Decision names how the gate reached its answer.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionDeny          Decision = "deny"
	DecisionFallbackAllow Decision = "fallback_allow"
	DecisionFallbackDeny  Decision = "fallback_deny"
	DecisionError         Decision = "error"
)

// DefaultTokenField is the body field carrying the client token.
const DefaultTokenField = "retoken"

const defaultMaxBodyBytes = 1 << 20

// DecisionRecorder receives gate decisions. *monitoring.Metrics satisfies it.
type DecisionRecorder interface {
	RecordDecision(transport, decision string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, string) {}

// ErrorHandler writes the response for a request whose check failed with err.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Options configures a Gate.
type Options struct {
	Verifier recaptcha.Verifier
	// Debug is returned whenever verification cannot meaningfully run.
	Debug        bool
	TokenField   string
	MaxBodyBytes int64
	Recorder     DecisionRecorder
	ErrorHandler ErrorHandler
	Log          *logrus.Entry
}

// Gate admits requests whose token verifies.
type Gate struct {
	verifier     recaptcha.Verifier
	debug        bool
	tokenField   string
	maxBodyBytes int64
	recorder     DecisionRecorder
	errorHandler ErrorHandler
	log          *logrus.Entry
}

// New creates a gate.
func New(opts Options) (*Gate, error) {
	if opts.Verifier == nil {
		return nil, fmt.Errorf("gate: verifier cannot be nil")
	}
	if opts.TokenField == "" {
		opts.TokenField = DefaultTokenField
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = DefaultErrorHandler
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Gate{
		verifier:     opts.Verifier,
		debug:        opts.Debug,
		tokenField:   opts.TokenField,
		maxBodyBytes: opts.MaxBodyBytes,
		recorder:     opts.Recorder,
		errorHandler: opts.ErrorHandler,
		log:          opts.Log,
	}, nil
}

// HasPermission reports whether r may reach the protected handler. Errors
// from the verifier are returned as is and never read as a denial.
func (g *Gate) HasPermission(r *http.Request) (bool, error) {
	allowed, _, err := g.check(r)
	return allowed, err
}

func (g *Gate) check(r *http.Request) (bool, Decision, error) {
	extraction, err := ExtractToken(r, g.tokenField, g.maxBodyBytes)
	if err != nil {
		return false, DecisionError, err
	}
	return g.Evaluate(r.Context(), extraction)
}

// Evaluate decides on an already extracted token. Transports that do not
// carry an HTTP body build the Extraction themselves.
func (g *Gate) Evaluate(ctx context.Context, extraction Extraction) (bool, Decision, error) {
	switch extraction.Status {
	case BodyParsed:
		ok, err := g.verifier.Verify(ctx, extraction.Token)
		if err != nil {
			return false, DecisionError, err
		}
		if !ok {
			return false, DecisionDeny, nil
		}
		return true, DecisionAllow, nil
	case BodyMalformed:
		g.log.WithError(extraction.ParseErr).Debug("Request body is not structured, using fallback")
	}
	return g.fallback()
}

func (g *Gate) fallback() (bool, Decision, error) {
	if g.debug {
		return true, DecisionFallbackAllow, nil
	}
	return false, DecisionFallbackDeny, nil
}

// Debug returns the permissive fallback flag.
func (g *Gate) Debug() bool {
	return g.debug
}

// Middleware only lets requests through to next when the gate allows them.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		log := g.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})

		allowed, decision, err := g.check(r)
		g.recorder.RecordDecision("http", string(decision))

		if err != nil {
			log.WithError(err).Error("Access check failed")
			g.errorHandler(w, r, err)
			return
		}
		if !allowed {
			log.WithField("decision", decision).Info("Access denied")
			WriteError(w, http.StatusForbidden, "NOT_A_HUMAN", "Human verification failed")
			return
		}

		log.WithField("decision", decision).Debug("Access granted")
		next.ServeHTTP(w, r)
	})
}

// DefaultErrorHandler maps check failures onto status codes.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
	case errors.Is(err, ErrUnsupportedMediaType):
		WriteError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Request body must be JSON or a form")
	case errors.Is(err, ErrUnsupportedBody):
		WriteError(w, http.StatusBadRequest, "UNSUPPORTED_BODY", "Request body must be a JSON object")
	case errors.Is(err, recaptcha.ErrTransport), errors.Is(err, recaptcha.ErrMalformedResponse):
		WriteError(w, http.StatusBadGateway, "VERIFICATION_UNAVAILABLE", "Human verification is unavailable")
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}

// WriteError writes the standard error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

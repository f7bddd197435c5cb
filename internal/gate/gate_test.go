package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlooooowY/SteelMount-Human-Gate/internal/recaptcha"
)

// stubVerifier answers with a fixed verdict and counts calls.
type stubVerifier struct {
	mu     sync.Mutex
	ok     bool
	err    error
	tokens []string
}

func (s *stubVerifier) Verify(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return s.ok, s.err
}

func (s *stubVerifier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type decisionLog struct {
	mu        sync.Mutex
	decisions []string
}

func (d *decisionLog) RecordDecision(transport, decision string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions = append(d.decisions, transport+":"+decision)
}

func newTestGate(t *testing.T, v recaptcha.Verifier, debug bool) (*Gate, *decisionLog) {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	rec := &decisionLog{}
	g, err := New(Options{
		Verifier: v,
		Debug:    debug,
		Recorder: rec,
		Log:      logrus.NewEntry(log),
	})
	require.NoError(t, err)
	return g, rec
}

func TestNew_RequiresVerifier(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHasPermission_EmptyBodyReturnsFallback(t *testing.T) {
	for _, debug := range []bool{true, false} {
		t.Run(fmt.Sprintf("debug=%t", debug), func(t *testing.T) {
			v := &stubVerifier{ok: true}
			g, _ := newTestGate(t, v, debug)

			for _, body := range []string{"", "{}"} {
				allowed, err := g.HasPermission(newRequest(body, "application/json"))
				require.NoError(t, err)
				assert.Equal(t, debug, allowed)
			}
			assert.Equal(t, 0, v.calls())
		})
	}
}

func TestHasPermission_VerdictDecides(t *testing.T) {
	for _, verdict := range []bool{true, false} {
		t.Run(fmt.Sprintf("verdict=%t", verdict), func(t *testing.T) {
			v := &stubVerifier{ok: verdict}
			// debug on must not rescue a negative verdict
			g, _ := newTestGate(t, v, true)

			allowed, err := g.HasPermission(newRequest(`{"retoken": "tok"}`, "application/json"))
			require.NoError(t, err)
			assert.Equal(t, verdict, allowed)
			assert.Equal(t, []string{"tok"}, v.tokens)
		})
	}
}

func TestHasPermission_AbsentTokenIsForwardedEmpty(t *testing.T) {
	v := &stubVerifier{ok: false}
	g, _ := newTestGate(t, v, true)

	allowed, err := g.HasPermission(newRequest(`{"other": "x"}`, "application/json"))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, []string{""}, v.tokens)
}

func TestHasPermission_MalformedBodyReturnsFallback(t *testing.T) {
	for _, debug := range []bool{true, false} {
		v := &stubVerifier{ok: true}
		g, _ := newTestGate(t, v, debug)

		allowed, err := g.HasPermission(newRequest(`{"retoken": "tok"`, "application/json"))
		require.NoError(t, err)
		assert.Equal(t, debug, allowed)
		assert.Equal(t, 0, v.calls())
	}
}

func TestHasPermission_VerifierErrorPropagates(t *testing.T) {
	verifyErr := fmt.Errorf("%w: dial tcp: connection refused", recaptcha.ErrTransport)
	v := &stubVerifier{err: verifyErr}
	g, _ := newTestGate(t, v, true)

	allowed, err := g.HasPermission(newRequest(`{"retoken": "tok"}`, "application/json"))
	assert.False(t, allowed)
	assert.True(t, errors.Is(err, recaptcha.ErrTransport))
}

func TestHasPermission_OtherBodyErrorsPropagate(t *testing.T) {
	g, _ := newTestGate(t, &stubVerifier{ok: true}, true)

	_, err := g.HasPermission(newRequest("<a/>", "application/xml"))
	assert.True(t, errors.Is(err, ErrUnsupportedMediaType))
}

func TestHasPermission_NonObjectBodyIsNotSuppressed(t *testing.T) {
	for _, body := range []string{`["tok"]`, `"tok"`, `42`, `true`} {
		t.Run(body, func(t *testing.T) {
			v := &stubVerifier{ok: false}
			// debug on must not turn an unusable body into an allow
			g, _ := newTestGate(t, v, true)

			allowed, err := g.HasPermission(newRequest(body, "application/json"))
			assert.False(t, allowed)
			assert.True(t, errors.Is(err, ErrUnsupportedBody), "got %v", err)
			assert.Equal(t, 0, v.calls())
		})
	}
}

func TestEvaluate_Decisions(t *testing.T) {
	ctx := context.Background()

	g, _ := newTestGate(t, &stubVerifier{ok: true}, false)
	_, d, _ := g.Evaluate(ctx, Extraction{Status: BodyParsed, Token: "t"})
	assert.Equal(t, DecisionAllow, d)
	_, d, _ = g.Evaluate(ctx, Extraction{Status: BodyEmpty})
	assert.Equal(t, DecisionFallbackDeny, d)

	g, _ = newTestGate(t, &stubVerifier{ok: false}, true)
	_, d, _ = g.Evaluate(ctx, Extraction{Status: BodyParsed, Token: "t"})
	assert.Equal(t, DecisionDeny, d)
	_, d, _ = g.Evaluate(ctx, Extraction{Status: BodyMalformed, ParseErr: errors.New("x")})
	assert.Equal(t, DecisionFallbackAllow, d)

	g, _ = newTestGate(t, &stubVerifier{err: errors.New("boom")}, true)
	_, d, err := g.Evaluate(ctx, Extraction{Status: BodyParsed})
	assert.Equal(t, DecisionError, d)
	assert.Error(t, err)
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	return payload.Error.Code
}

func TestMiddleware_Allows(t *testing.T) {
	g, rec := newTestGate(t, &stubVerifier{ok: true}, false)
	h := g.Middleware(echoHandler())

	body := `{"retoken": "tok", "comment": "hi"}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(body, "application/json"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String(), "downstream handler must see the original body")
	assert.Equal(t, []string{"http:allow"}, rec.decisions)
}

func TestMiddleware_Denies(t *testing.T) {
	g, rec := newTestGate(t, &stubVerifier{ok: false}, false)
	h := g.Middleware(echoHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(`{"retoken": "tok"}`, "application/json"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_A_HUMAN", decodeErrorCode(t, w))
	assert.Equal(t, []string{"http:deny"}, rec.decisions)
}

func TestMiddleware_FallbackOnEmptyBody(t *testing.T) {
	g, rec := newTestGate(t, &stubVerifier{ok: false}, true)
	h := g.Middleware(echoHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"http:fallback_allow"}, rec.decisions)
}

func TestMiddleware_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name     string
		verifier *stubVerifier
		body     string
		ctype    string
		status   int
		code     string
	}{
		{"transport failure", &stubVerifier{err: fmt.Errorf("%w: timeout", recaptcha.ErrTransport)}, `{"retoken": "t"}`, "application/json", http.StatusBadGateway, "VERIFICATION_UNAVAILABLE"},
		{"malformed response", &stubVerifier{err: fmt.Errorf("%w: missing challenge_ts", recaptcha.ErrMalformedResponse)}, `{"retoken": "t"}`, "application/json", http.StatusBadGateway, "VERIFICATION_UNAVAILABLE"},
		{"unknown failure", &stubVerifier{err: errors.New("boom")}, `{"retoken": "t"}`, "application/json", http.StatusInternalServerError, "INTERNAL"},
		{"unsupported media", &stubVerifier{ok: true}, `<a/>`, "text/xml", http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"json array body", &stubVerifier{ok: true}, `["t"]`, "application/json", http.StatusBadRequest, "UNSUPPORTED_BODY"},
		{"too large", &stubVerifier{ok: true}, `{"retoken": "` + strings.Repeat("x", defaultMaxBodyBytes) + `"}`, "application/json", http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, rec := newTestGate(t, tt.verifier, true)
			h := g.Middleware(echoHandler())

			w := httptest.NewRecorder()
			h.ServeHTTP(w, newRequest(tt.body, tt.ctype))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeErrorCode(t, w))
			assert.Equal(t, []string{"http:error"}, rec.decisions)
		})
	}
}

func TestMiddleware_CustomErrorHandler(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	g, err := New(Options{
		Verifier: &stubVerifier{err: errors.New("boom")},
		Log:      logrus.NewEntry(log),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	g.Middleware(echoHandler()).ServeHTTP(w, newRequest(`{"retoken": "t"}`, "application/json"))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestMiddleware_LogsRequestID(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	g, err := New(Options{Verifier: &stubVerifier{ok: false}, Log: logrus.NewEntry(log)})
	require.NoError(t, err)

	r := newRequest(`{"retoken": "t"}`, "application/json")
	r.Header.Set("X-Request-ID", "req-42")
	g.Middleware(echoHandler()).ServeHTTP(httptest.NewRecorder(), r)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "req-42", entry.Data["request_id"])
	assert.Equal(t, DecisionDeny, entry.Data["decision"])
}

package recaptcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultVerifyURL is the siteverify endpoint.
	DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"
	// DefaultTimeout bounds one round trip to the scoring service.
	DefaultTimeout = 60 * time.Second
	// DefaultRemoteIP is sent as remoteip; the service treats it as a hint only.
	DefaultRemoteIP = "127.0.0.1"

	maxResponseBytes = 1 << 20
)

// Options configures a GoogleVerifier.
type Options struct {
	VerifyURL string
	Secret    string
	RemoteIP  string
	Timeout   time.Duration
	// Ignore makes Verify accept every token without a network call.
	Ignore bool
	// Policy thresholds left at zero take the DefaultPolicy values.
	Policy Policy

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Recorder   Recorder
	Log        *logrus.Entry
}

// GoogleVerifier verifies tokens against the siteverify endpoint. It is safe
// for concurrent use.
type GoogleVerifier struct {
	verifyURL  *url.URL
	secret     string
	remoteIP   string
	ignore     bool
	policy     Policy
	httpClient *http.Client
	recorder   Recorder
	log        *logrus.Entry
}

// NewGoogleVerifier creates a verifier from opts.
func NewGoogleVerifier(opts Options) (*GoogleVerifier, error) {
	if opts.Secret == "" && !opts.Ignore {
		return nil, fmt.Errorf("recaptcha secret key cannot be empty")
	}
	if opts.VerifyURL == "" {
		opts.VerifyURL = DefaultVerifyURL
	}
	verifyURL, err := url.Parse(opts.VerifyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid verify url: %w", err)
	}
	if opts.RemoteIP == "" {
		opts.RemoteIP = DefaultRemoteIP
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &GoogleVerifier{
		verifyURL:  verifyURL,
		secret:     opts.Secret,
		remoteIP:   opts.RemoteIP,
		ignore:     opts.Ignore,
		policy:     opts.Policy.withDefaults(),
		httpClient: opts.HTTPClient,
		recorder:   opts.Recorder,
		log:        opts.Log,
	}, nil
}

// Verify submits token to the scoring service and applies the policy to the
// verdict. Transport failures wrap ErrTransport and unusable bodies wrap
// ErrMalformedResponse; neither is reported as a denial.
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (bool, error) {
	if v.ignore {
		v.recorder.RecordVerification(OutcomeIgnored, 0)
		return true, nil
	}

	start := time.Now()
	result, err := v.fetch(ctx, token)
	if err != nil {
		outcome := OutcomeTransportError
		if errors.Is(err, ErrMalformedResponse) {
			outcome = OutcomeMalformedResponse
		}
		v.recorder.RecordVerification(outcome, time.Since(start))
		v.log.WithError(err).Warn("Token verification could not complete")
		return false, err
	}

	check := result.Evaluate(v.policy)
	v.recorder.RecordScore(result.Score())
	v.recorder.RecordVerification(check.String(), time.Since(start))

	if check != CheckPassed {
		v.log.WithFields(result.Fields()).WithField("failed_check", check.String()).Debug("Token rejected")
		return false, nil
	}
	return true, nil
}

func (v *GoogleVerifier) fetch(ctx context.Context, token string) (*VerificationResult, error) {
	endpoint := *v.verifyURL
	query := endpoint.Query()
	query.Set("secret", v.secret)
	query.Set("response", token)
	query.Set("remoteip", v.remoteIP)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create recaptcha request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		// url.Error carries the full URL, secret included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}

	return ParseResult(body)
}

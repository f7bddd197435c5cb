package recaptcha

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SkewMode selects how a challenge timestamp ahead of the local clock is
// treated by the freshness check.
type SkewMode string

const (
	// SkewAbsolute measures the distance between the two clocks, so a
	// timestamp too far in the future is as stale as one too far in the past.
	SkewAbsolute SkewMode = "absolute"
	// SkewOneSided only bounds the age; any future timestamp is fresh.
	SkewOneSided SkewMode = "one_sided"
)

// Defaults for Policy.
const (
	DefaultMinScore = 0.8
	DefaultMaxAge   = 5 * time.Minute
)

// Policy holds the deployment values the validation checks are evaluated
// against.
type Policy struct {
	AllowedHosts []string
	// MinScore is exclusive: a score equal to it fails. Zero means
	// DefaultMinScore.
	MinScore float64
	// MaxAge is exclusive: a challenge exactly MaxAge old fails. Zero means
	// DefaultMaxAge.
	MaxAge time.Duration
	// Skew defaults to SkewAbsolute.
	Skew SkewMode
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultPolicy returns the standard thresholds for the given hosts.
func DefaultPolicy(allowedHosts ...string) Policy {
	return Policy{
		AllowedHosts: allowedHosts,
		MinScore:     DefaultMinScore,
		MaxAge:       DefaultMaxAge,
		Skew:         SkewAbsolute,
	}
}

// withDefaults fills the zero thresholds from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	if p.MinScore == 0 {
		p.MinScore = DefaultMinScore
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	if p.Skew == "" {
		p.Skew = SkewAbsolute
	}
	return p
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Policy) allowsHost(host string) bool {
	for _, allowed := range p.AllowedHosts {
		if allowed == host {
			return true
		}
	}
	return false
}

// Check identifies one of the validation checks.
type Check int

// Checks in evaluation order.
const (
	CheckPassed Check = iota
	CheckSuccess
	CheckTimestamp
	CheckHostname
	CheckScore
)

func (c Check) String() string {
	switch c {
	case CheckPassed:
		return "passed"
	case CheckSuccess:
		return "success"
	case CheckTimestamp:
		return "timestamp"
	case CheckHostname:
		return "hostname"
	case CheckScore:
		return "score"
	default:
		return fmt.Sprintf("check(%d)", int(c))
	}
}

// VerificationResult is the parsed siteverify verdict. It is immutable once
// constructed.
type VerificationResult struct {
	success     bool
	challengeTS time.Time
	hostname    string
	hasHostname bool
	errorCodes  []string
	score       float64
}

type siteVerifyResponse struct {
	Success     *bool    `json:"success"`
	ChallengeTS *string  `json:"challenge_ts"`
	Hostname    *string  `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
	// Accepted for clients that normalise the hyphen away.
	ErrorCodesAlt []string `json:"error_codes"`
	Score         *float64 `json:"score"`
}

// timestampLayouts are tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// naiveLayouts carry no zone and are read in the local zone, the same clock
// the freshness check compares against.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseResult builds a VerificationResult from a siteverify response body.
// Missing fields take their defaults except challenge_ts, whose absence
// fails construction with ErrMalformedResponse.
func ParseResult(data []byte) (*VerificationResult, error) {
	var raw siteVerifyResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if raw.ChallengeTS == nil {
		return nil, fmt.Errorf("%w: missing challenge_ts", ErrMalformedResponse)
	}
	ts, err := parseTimestamp(*raw.ChallengeTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	r := &VerificationResult{
		challengeTS: ts,
		errorCodes:  append(append([]string{}, raw.ErrorCodes...), raw.ErrorCodesAlt...),
	}
	if raw.Success != nil {
		r.success = *raw.Success
	}
	if raw.Hostname != nil {
		r.hostname, r.hasHostname = *raw.Hostname, true
	}
	if raw.Score != nil {
		r.score = *raw.Score
	}
	return r, nil
}

// Success returns the service's own success flag.
func (r *VerificationResult) Success() bool { return r.success }

// ChallengeTimestamp returns when the challenge was loaded.
func (r *VerificationResult) ChallengeTimestamp() time.Time { return r.challengeTS }

// Hostname returns the site the challenge was solved on, if reported.
func (r *VerificationResult) Hostname() (string, bool) { return r.hostname, r.hasHostname }

// ErrorCodes returns a copy of the reported error codes.
func (r *VerificationResult) ErrorCodes() []string {
	return append([]string(nil), r.errorCodes...)
}

// Score returns the reported score, 0 when absent.
func (r *VerificationResult) Score() float64 { return r.score }

// ValidateSuccess reports whether the scoring service itself accepted the token.
func (r *VerificationResult) ValidateSuccess() bool {
	return r.success
}

// ValidateSucess is the historical spelling of ValidateSuccess.
//
// Deprecated: use ValidateSuccess. Kept for existing callers.
func (r *VerificationResult) ValidateSucess() bool {
	return r.ValidateSuccess()
}

// ValidateTimestamp reports whether the challenge is younger than p.MaxAge.
func (r *VerificationResult) ValidateTimestamp(p Policy) bool {
	age := p.now().Sub(r.challengeTS)
	if age < 0 && p.Skew != SkewOneSided {
		age = -age
	}
	return age < p.MaxAge
}

// ValidateHostname reports whether the challenge was solved on an allowed host.
func (r *VerificationResult) ValidateHostname(p Policy) bool {
	return r.hasHostname && p.allowsHost(r.hostname)
}

// ValidateScore reports whether the score is strictly above p.MinScore.
func (r *VerificationResult) ValidateScore(p Policy) bool {
	return r.score > p.MinScore
}

// Evaluate runs the checks in order and returns the first one that fails,
// or CheckPassed.
func (r *VerificationResult) Evaluate(p Policy) Check {
	switch {
	case !r.ValidateSuccess():
		return CheckSuccess
	case !r.ValidateTimestamp(p):
		return CheckTimestamp
	case !r.ValidateHostname(p):
		return CheckHostname
	case !r.ValidateScore(p):
		return CheckScore
	}
	return CheckPassed
}

// IsValid reports whether every check passes under p.
func (r *VerificationResult) IsValid(p Policy) bool {
	return r.Evaluate(p) == CheckPassed
}

// Fields renders the result for structured logs.
func (r *VerificationResult) Fields() logrus.Fields {
	fields := logrus.Fields{
		"success":      r.success,
		"challenge_ts": r.challengeTS.Format(time.RFC3339),
		"score":        r.score,
		"error-codes":  r.ErrorCodes(),
	}
	if r.hasHostname {
		fields["hostname"] = r.hostname
	}
	return fields
}

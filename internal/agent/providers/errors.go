package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed, driving both
// the retry loop in internal/retry and the routing package's decision to
// try a different provider entirely.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same provider/model might
// succeed: rate limits, timeouts, and transient server errors qualify;
// everything else (auth, billing, malformed requests) won't change on
// a second attempt.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the routing layer should try a
// different provider/model rather than retry the one that failed.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError carries the context needed to decide, without
// re-parsing the original SDK error, whether a failed completion call
// should be retried, failed over to a different provider, or surfaced
// to the turn as terminal.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause, classifying it immediately from its
// error text so a caller that never calls WithStatus/WithCode still
// gets a usable Reason.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies the error from
// it, which is more reliable than text matching when the SDK exposes
// a status code directly.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies
// when the code maps to a known reason.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// classificationRule maps a set of substrings found in a lowercased
// error message to the FailoverReason they indicate. Rules are
// evaluated in order; the first rule with any substring match wins.
type classificationRule struct {
	reason   FailoverReason
	keywords []string
}

var classificationRules = []classificationRule{
	{FailoverTimeout, []string{
		"timeout", "deadline exceeded", "context deadline", "etimedout",
		"connection reset", "connection refused", "no such host", "econnreset",
	}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy", "safety", "blocked"}},
	{FailoverServerError, []string{"service unavailable", "bad gateway"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist", "unavailable"}},
	{FailoverServerError, []string{"internal server", "server error", "500", "502", "503", "504"}},
}

// ClassifyError matches err's text against classificationRules. Every
// provider's Complete path runs its SDK error through this before
// deciding whether internal/retry should attempt again, so an incident
// responder sees "rate limited, retrying" rather than a raw SDK panic
// message in the turn transcript.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	errStr := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(errStr, kw) {
				return rule.reason
			}
		}
	}
	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

var errorCodeReasons = map[string]FailoverReason{
	"rate_limit_error":          FailoverRateLimit,
	"rate_limit_exceeded":       FailoverRateLimit,
	"authentication_error":      FailoverAuth,
	"invalid_api_key":           FailoverAuth,
	"billing_error":             FailoverBilling,
	"insufficient_quota":        FailoverBilling,
	"model_not_found":           FailoverModelUnavailable,
	"model_not_available":       FailoverModelUnavailable,
	"content_policy_violation":  FailoverContentFilter,
	"content_filter":            FailoverContentFilter,
	"server_error":              FailoverServerError,
	"internal_error":            FailoverServerError,
	"invalid_request_error":     FailoverInvalidRequest,
}

func classifyErrorCode(code string) FailoverReason {
	if reason, ok := errorCodeReasons[strings.ToLower(code)]; ok {
		return reason
	}
	return FailoverUnknown
}

// IsProviderError reports whether err's chain contains a *ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts the first *ProviderError in err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err (wrapped or raw) should be retried
// by the calling provider's retry.Do loop.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover reports whether the router should try a different
// provider rather than keep retrying this one.
func ShouldFailover(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.ShouldFailover()
	}
	return ClassifyError(err).ShouldFailover()
}

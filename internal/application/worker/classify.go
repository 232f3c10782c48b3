package worker

import (
	"strings"

	"github.com/valethq/pilot/internal/domain"
)

// ErrorKind is the classified category of a handler failure. The kind alone
// decides policy: pause for a human, retry, or fail.
type ErrorKind string

const (
	KindCaptchaBlocked       ErrorKind = "captcha_blocked"
	KindLoginRequired        ErrorKind = "login_required"
	KindTwoFactorRequired    ErrorKind = "2fa_required"
	KindBotCheck             ErrorKind = "bot_check"
	KindRateLimited          ErrorKind = "rate_limited"
	KindVerificationRequired ErrorKind = "verification_required"

	KindNetworkError          ErrorKind = "network_error"
	KindLLMRateLimit          ErrorKind = "llm_rate_limit"
	KindTransientBrowserError ErrorKind = "transient_browser_error"

	KindUnknownHandler   ErrorKind = "unknown_handler"
	KindValidationError  ErrorKind = "validation_error"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindBadInput         ErrorKind = "bad_input"
	KindTimeout          ErrorKind = "timeout"
	KindInternalError    ErrorKind = "internal_error"
)

// Policy is what the worker does with a classified error.
type Policy int

const (
	// PolicyFail commits failed immediately, no retry.
	PolicyFail Policy = iota
	// PolicyRetry returns the job to pending while retry_count < max_retries.
	PolicyRetry
	// PolicyHITL routes to a pause instead of failure.
	PolicyHITL
)

// PolicyFor maps an error kind to its handling policy. Kinds absent from
// the tables are fatal: ambiguity resolves to failed, never to a retry.
func PolicyFor(kind ErrorKind) Policy {
	switch kind {
	case KindCaptchaBlocked, KindLoginRequired, KindTwoFactorRequired,
		KindBotCheck, KindRateLimited, KindVerificationRequired:
		return PolicyHITL
	case KindNetworkError, KindLLMRateLimit, KindTransientBrowserError:
		return PolicyRetry
	default:
		return PolicyFail
	}
}

// BlockerType maps a HITL-eligible kind to the interaction type recorded on
// the paused job. Returns false for kinds that are not HITL-eligible.
func BlockerType(kind ErrorKind) (domain.InteractionType, bool) {
	switch kind {
	case KindCaptchaBlocked:
		return domain.InteractionCaptcha, true
	case KindLoginRequired:
		return domain.InteractionLogin, true
	case KindTwoFactorRequired:
		return domain.InteractionTwoFactor, true
	case KindBotCheck:
		return domain.InteractionBotCheck, true
	case KindRateLimited:
		return domain.InteractionRateLimited, true
	case KindVerificationRequired:
		return domain.InteractionVerification, true
	}
	return "", false
}

// classifierRules map message substrings to kinds, checked in order: the
// first match wins. This function is the only place in the state machine
// where string matching on error text is permitted.
var classifierRules = []struct {
	substrings []string
	kind       ErrorKind
}{
	{[]string{"two-factor authentication", "verification code", "authenticator app", "2fa", "one-time password", "otp"}, KindTwoFactorRequired},
	{[]string{"captcha", "recaptcha", "hcaptcha"}, KindCaptchaBlocked},
	{[]string{"sign in to continue", "login required", "please log in", "session expired", "not logged in", "authentication required"}, KindLoginRequired},
	{[]string{"unusual activity", "are you a robot", "bot detection", "cloudflare", "access denied by security"}, KindBotCheck},
	{[]string{"too many requests", "rate limit", "429", "slow down"}, KindRateLimited},
	{[]string{"verify your email", "verify your identity", "confirmation required", "verification required"}, KindVerificationRequired},
	{[]string{"connection refused", "connection reset", "no such host", "network", "dial tcp", "i/o timeout", "tls handshake"}, KindNetworkError},
	{[]string{"llm rate", "model overloaded", "quota exceeded", "context deadline exceeded calling model"}, KindLLMRateLimit},
	{[]string{"target closed", "browser disconnected", "page crashed", "navigation timeout", "frame detached"}, KindTransientBrowserError},
	{[]string{"permission denied", "forbidden", "403"}, KindPermissionDenied},
	{[]string{"validation", "invalid field", "missing required field"}, KindValidationError},
	{[]string{"bad input", "malformed input", "unparsable"}, KindBadInput},
}

// Classify maps an error message to an ErrorKind. Unmatched messages are
// internal errors, which fail immediately.
func Classify(message string) ErrorKind {
	lower := strings.ToLower(message)
	for _, rule := range classifierRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.kind
			}
		}
	}
	return KindInternalError
}

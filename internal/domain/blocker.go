package domain

// InteractionType identifies the human-gated obstacle that paused a job.
type InteractionType string

const (
	InteractionCaptcha      InteractionType = "captcha"
	InteractionLogin        InteractionType = "login"
	InteractionTwoFactor    InteractionType = "2fa"
	InteractionBotCheck     InteractionType = "bot_check"
	InteractionRateLimited  InteractionType = "rate_limited"
	InteractionVerification InteractionType = "verification"
)

// Blocker describes a page-level obstacle a handler cannot pass without a
// human. It is persisted into interaction_data and carried on the
// needs_human callback.
type Blocker struct {
	Type           InteractionType `json:"type"`
	ScreenshotURL  string          `json:"screenshot_url,omitempty"`
	PageURL        string          `json:"page_url,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

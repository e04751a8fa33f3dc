package quota

import "errors"

var (
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAuthRequired      = errors.New("authentication required")
	ErrEmptyRequest      = errors.New("question text or image is required")
	ErrProvider          = errors.New("answer provider failure")
	ErrPersistence       = errors.New("persistence failure")
	ErrPayment           = errors.New("payment failure")
	ErrPaymentUnverified = errors.New("payment could not be verified")
	ErrNotFound          = errors.New("not found")
)

// Denial reasons surfaced to the user alongside the matching prompt.
var (
	ErrDailyQueryLimit  = &DenyError{Kind: ErrQuotaExceeded, Message: "daily free-query limit reached", Prompt: PromptUpgrade}
	ErrDailyExportLimit = &DenyError{Kind: ErrQuotaExceeded, Message: "daily export limit reached", Prompt: PromptUpgrade}
	ErrSignUpRequired   = &DenyError{Kind: ErrAuthRequired, Message: "sign-up required", Prompt: PromptSignIn}
	ErrSignInToExport   = &DenyError{Kind: ErrAuthRequired, Message: "must sign in to export", Prompt: PromptSignIn}
)

// Prompt tells the front-end which modal to open after a denial.
type Prompt string

const (
	PromptNone    Prompt = ""
	PromptUpgrade Prompt = "upgrade"
	PromptSignIn  Prompt = "sign_in"
)

// DenyError is a user-facing denial. It matches its Kind with errors.Is.
type DenyError struct {
	Kind    error
	Message string
	Prompt  Prompt
}

func (e *DenyError) Error() string { return e.Message }

func (e *DenyError) Unwrap() error { return e.Kind }

// PromptFor returns the prompt carried by err, if any.
func PromptFor(err error) Prompt {
	var deny *DenyError
	if errors.As(err, &deny) {
		return deny.Prompt
	}
	return PromptNone
}

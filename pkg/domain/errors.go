package domain

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateArtifact = errors.New("duplicate file")
	ErrConsentRequired   = errors.New("consent required")

	// ErrSignatureMismatch covers missing, malformed and wrong signatures alike.
	ErrSignatureMismatch = errors.New("invalid signature")

	ErrJobNotFound       = errors.New("job not found")
	ErrArtifactNotFound  = errors.New("file not found")
	ErrUnknownStep       = errors.New("unknown step")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyLinked     = errors.New("artifact already has an active job")

	ErrDispatchFailure      = errors.New("dispatch failed")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrResultsNotReady      = errors.New("results not ready")
)

// Stable machine-readable codes returned to callers.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeDuplicateFile     = "DUPLICATE_FILE"
	CodeConsentRequired   = "CONSENT_REQUIRED"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodeUnknownStep       = "UNKNOWN_STEP"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyLinked     = "ALREADY_LINKED"
	CodeDispatchFailed    = "DISPATCH_FAILED"
	CodeRetryExhausted    = "RETRY_BUDGET_EXHAUSTED"
	CodeResultsNotReady   = "RESULTS_NOT_READY"
	CodeInternal          = "SYSTEM_INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrDuplicateArtifact, CodeDuplicateFile},
	{ErrConsentRequired, CodeConsentRequired},
	{ErrSignatureMismatch, CodeInvalidSignature},
	{ErrJobNotFound, CodeJobNotFound},
	{ErrArtifactNotFound, CodeFileNotFound},
	{ErrUnknownStep, CodeUnknownStep},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrAlreadyLinked, CodeAlreadyLinked},
	{ErrDispatchFailure, CodeDispatchFailed},
	{ErrRetryBudgetExhausted, CodeRetryExhausted},
	{ErrResultsNotReady, CodeResultsNotReady},
}

// Code maps err to its stable code. Unclassified errors are internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Codes lists every code Code can return.
func Codes() []string {
	out := make([]string, 0, len(codes)+1)
	for _, c := range codes {
		out = append(out, c.code)
	}
	return append(out, CodeInternal)
}

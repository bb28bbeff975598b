package internal

import (
	"errors"
)

// Failure categories for one /autoissue invocation. Client packages wrap
// their vendor errors with exactly one of these so the orchestrator can
// label metrics and pick reply text without knowing vendor specifics.
var (
	ErrPlatformUnavailable = errors.New("chat platform unavailable")
	ErrPermissionDenied    = errors.New("missing channel read permission")
	ErrEmptyHistory        = errors.New("no recent messages in channel")
	ErrMalformedResponse   = errors.New("malformed summarizer response")
	ErrRateLimited         = errors.New("upstream rate limit hit")
	ErrUpstream            = errors.New("upstream service failure")
	ErrAuth                = errors.New("tracker rejected credentials")
	ErrValidation          = errors.New("tracker rejected issue fields")
)

// Category returns the taxonomy label for err. Errors that escaped
// classification report as "internal".
func Category(err error) string {
	switch {
	case errors.Is(err, ErrPlatformUnavailable):
		return "platform_unavailable"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrEmptyHistory):
		return "empty_history"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}

// UserMessage returns the single reply line shown to the invoking user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyHistory):
		return "No recent messages found to create an issue from."
	case errors.Is(err, ErrPermissionDenied):
		return "I don't have permission to read messages in this channel."
	case errors.Is(err, ErrPlatformUnavailable):
		return "Discord is unavailable right now. Try again in a moment."
	case errors.Is(err, ErrMalformedResponse):
		return "The summarizer did not produce a usable issue draft."
	case errors.Is(err, ErrRateLimited):
		return "An upstream service is rate limiting us. Try again shortly."
	case errors.Is(err, ErrAuth):
		return "The issue tracker rejected our credentials."
	case errors.Is(err, ErrValidation):
		return "The issue tracker rejected the drafted issue."
	case errors.Is(err, ErrUpstream):
		return "An upstream service failed. Try again shortly."
	default:
		return "Something went wrong while creating the issue."
	}
}

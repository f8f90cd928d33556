// Package chaterr defines the closed taxonomy of failures a conversation send can end in, and maps the
// heterogeneous shapes the completion service reports them in onto it.
package chaterr

import (
	"fmt"

	"github.com/MegaGrindStone/chat-core/internal/models"
)

// Kind identifies a class of failure. The set of kinds is closed: every failure maps onto exactly one
// of the constants below.
type Kind string

const (
	// KindAuthenticationExpired means the bearer token was missing or rejected.
	KindAuthenticationExpired Kind = "authentication_expired"
	// KindDailyMessageLimitExceeded means the tier's daily message quota is used up.
	KindDailyMessageLimitExceeded Kind = "daily_message_limit_exceeded"
	// KindMonthlyTokenLimitExceeded means the tier's monthly token quota is used up.
	KindMonthlyTokenLimitExceeded Kind = "monthly_token_limit_exceeded"
	// KindModelNotAllowed means the requested model is outside the tier's allowed set.
	KindModelNotAllowed Kind = "model_not_allowed"
	// KindTransportFailure covers unreachable endpoints and malformed streams.
	KindTransportFailure Kind = "transport_failure"
	// KindUnknown is everything that could not be recognized.
	KindUnknown Kind = "unknown"
)

// Blocking reports whether the kind is an entitlement failure, surfaced as a blocking notification with
// upgrade guidance.
func (k Kind) Blocking() bool {
	switch k {
	case KindDailyMessageLimitExceeded, KindMonthlyTokenLimitExceeded, KindModelNotAllowed:
		return true
	}
	return false
}

// Dismissible reports whether the kind is surfaced as a dismissible banner. These are never retried
// automatically.
func (k Kind) Dismissible() bool {
	return k == KindTransportFailure || k == KindUnknown
}

// RequiresReauth reports whether the session must be invalidated.
func (k Kind) RequiresReauth() bool {
	return k == KindAuthenticationExpired
}

// StructuredError is the classified form of a failure, carrying what a UI needs to offer the right
// remediation.
type StructuredError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Status is the HTTP status the failure arrived with, zero for in-stream and transport failures.
	Status int `json:"status,omitempty"`

	Usage           *models.UsageSnapshot `json:"usage,omitempty"`
	CurrentTier     string                `json:"currentTier,omitempty"`
	AllowedModels   []string              `json:"allowedModels,omitempty"`
	RemediationTier string                `json:"remediationTier,omitempty"`

	// Err is the underlying cause for transport failures.
	Err error `json:"-"`
}

func (e StructuredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e StructuredError) Unwrap() error {
	return e.Err
}

// New returns a StructuredError of the given kind with its default message.
func New(kind Kind) StructuredError {
	return StructuredError{Kind: kind, Message: defaultMessage(kind)}
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindAuthenticationExpired:
		return "Your session has expired. Please sign in again."
	case KindDailyMessageLimitExceeded:
		return "You have reached your daily message limit."
	case KindMonthlyTokenLimitExceeded:
		return "You have reached your monthly token limit."
	case KindModelNotAllowed:
		return "The selected model is not available on your plan."
	case KindTransportFailure:
		return "Could not reach the completion service. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// Package channel defines the narrow contract herald has with the external
// messaging channel: send a text to a chat id, and say what happened.
package channel

import (
	"context"
	"fmt"
	"time"
)

// OutcomeKind classifies a dispatch attempt.
type OutcomeKind int

const (
	// Success means the channel accepted the message.
	Success OutcomeKind = iota
	// RateLimited means the channel asked us to back off for RetryAfter.
	RateLimited
	// IdentityRevoked means the recipient blocked or unlinked the channel;
	// their binding is dead and further attempts are pointless.
	IdentityRevoked
	// Transient covers network faults, timeouts and channel 5xx responses.
	Transient
	// Permanent covers faults that retrying cannot fix (malformed payload,
	// unknown recipient).
	Permanent
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case IdentityRevoked:
		return "identity_revoked"
	case Transient:
		return "transient_error"
	case Permanent:
		return "permanent_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration // set for RateLimited
	Detail     string        // human-readable fault detail, recorded as last_error
}

func Succeeded() Outcome {
	return Outcome{Kind: Success}
}

func RateLimitedFor(retryAfter time.Duration) Outcome {
	return Outcome{
		Kind:       RateLimited,
		RetryAfter: retryAfter,
		Detail:     fmt.Sprintf("rate limited, retry after %s", retryAfter),
	}
}

func Revoked(detail string) Outcome {
	return Outcome{Kind: IdentityRevoked, Detail: detail}
}

func TransientError(detail string) Outcome {
	return Outcome{Kind: Transient, Detail: detail}
}

func PermanentError(detail string) Outcome {
	return Outcome{Kind: Permanent, Detail: detail}
}

// Client sends a message to an external chat. Implementations classify every
// failure into an Outcome instead of returning errors: the worker never
// inspects channel-specific faults itself.
type Client interface {
	Send(ctx context.Context, chatID, text string) Outcome
}

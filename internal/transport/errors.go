package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnreachable means the destination can no longer receive messages
	// from the bot (blocked, deactivated, never started the bot).
	ErrUnreachable = errors.New("transport: recipient unreachable")

	// ErrBadSource means the source message could not be read (unknown chat,
	// deleted message, bot lacks access to the channel).
	ErrBadSource = errors.New("transport: source message unavailable")
)

// RetryAfterError is returned when the platform asks the caller to back off.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: rate limited, retry after %s: %v", e.After, e.Err)
	}
	return fmt.Sprintf("transport: rate limited, retry after %s", e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter reports the backoff requested by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}

// Unreachable wraps cause so that errors.Is(err, ErrUnreachable) holds.
func Unreachable(cause error) error {
	if cause == nil {
		return ErrUnreachable
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, cause)
}

// BadSource wraps cause so that errors.Is(err, ErrBadSource) holds.
func BadSource(cause error) error {
	if cause == nil {
		return ErrBadSource
	}
	return fmt.Errorf("%w: %v", ErrBadSource, cause)
}

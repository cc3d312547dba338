package adapter

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "mailbot/internal/transport"
)

// classify maps telebot errors onto the transport error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := floodWait(err); ok {
		return &kit.RetryAfterError{After: d, Err: err}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser):
		return kit.Unreachable(err)
	case errors.Is(err, tele.ErrChatNotFound):
		return kit.BadSource(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not a member of the channel"):
		return kit.BadSource(err)
	case strings.Contains(msg, "forbidden"):
		return kit.Unreachable(err)
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "message to copy not found"),
		strings.Contains(msg, "message not found"),
		strings.Contains(msg, "message_id_invalid"):
		return kit.BadSource(err)
	}
	return err
}

func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}

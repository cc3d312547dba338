package mailing

import (
	"errors"

	kit "mailbot/internal/transport"
)

// Type is the stable mailing type vocabulary stored with every record.
type Type string

const (
	TypeNews      Type = "news"
	TypePromotion Type = "promotion"
	TypeImportant Type = "important_notification"
	TypeTest      Type = "test_mailing"
)

var (
	// ErrUnreachable is the transport signal for recipients that blocked the bot.
	ErrUnreachable = kit.ErrUnreachable

	ErrUnknownType = errors.New("mailing: unknown type")
	ErrNotFuture   = errors.New("mailing: scheduled time is not in the future")
	ErrNotRunning  = errors.New("mailing: service not started")
)

var typeInfo = []struct {
	t     Type
	code  string
	label string
}{
	{TypeNews, "news", "Новости"},
	{TypePromotion, "promo", "Акция"},
	{TypeImportant, "important", "Важное"},
	{TypeTest, "test", "Тест (только админы)"},
}

// Types lists every mailing type in menu order.
func Types() []Type {
	out := make([]Type, 0, len(typeInfo))
	for _, ti := range typeInfo {
		out = append(out, ti.t)
	}
	return out
}

// ParseTypeCode maps a short callback code (news, promo, important, test)
// to its Type.
func ParseTypeCode(code string) (Type, bool) {
	for _, ti := range typeInfo {
		if ti.code == code {
			return ti.t, true
		}
	}
	return "", false
}

// ParseType accepts a stored type value.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", ErrUnknownType
	}
	return t, nil
}

func (t Type) Valid() bool {
	for _, ti := range typeInfo {
		if ti.t == t {
			return true
		}
	}
	return false
}

// Code is the short form used in callback data.
func (t Type) Code() string {
	for _, ti := range typeInfo {
		if ti.t == t {
			return ti.code
		}
	}
	return string(t)
}

// Label is the button caption shown to admins.
func (t Type) Label() string {
	for _, ti := range typeInfo {
		if ti.t == t {
			return ti.label
		}
	}
	return string(t)
}

func (t Type) String() string { return string(t) }

// Source identifies the channel post being broadcast.
type Source struct {
	Link      string
	Chat      string
	MessageID int
}

func (s Source) Ref() kit.SourceRef {
	return kit.SourceRef{Chat: s.Chat, MessageID: s.MessageID}
}

// Job is everything needed to run one mailing.
type Job struct {
	Type         Type
	Source       Source
	NotifyChatID int64
}

package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateChannelPost UpdateKind = "channel_post"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Post     *ChannelPost
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// ChannelPost is a message published in a channel the bot administers.
// Text carries the caption for media posts.
type ChannelPost struct {
	ChatID       int64
	ChatUsername string
	MessageID    int
	Text         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// SourceRef identifies a message to copy. Chat is either a numeric chat id
// ("-100123") or a public channel username ("@news" or "news").
type SourceRef struct {
	Chat      string
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error

	// CopyMessage copies src into the destination chat without a forward header.
	// Failures are classified with the errors in this package.
	CopyMessage(ctx context.Context, to ChatTarget, src SourceRef) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

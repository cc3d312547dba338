package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")

	// ErrStatusConflict is returned when a compare-and-set status update
	// finds the row in a different status than expected.
	ErrStatusConflict = errors.New("storage: status conflict")

	// ErrInvalidTransition rejects status changes outside the lifecycle.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type User struct {
	ID        int64
	IsAdmin   bool
	FirstSeen time.Time
	LastSeen  time.Time
	IsBlocked bool
}

// UserStats is the audience summary shown to admins.
type UserStats struct {
	Total     int `json:"total"`
	New24h    int `json:"new_24h"`
	Active24h int `json:"active_24h"`
	Active7d  int `json:"active_7d"`
	Active30d int `json:"active_30d"`
	Blocked   int `json:"blocked"`
}

// Mailing is the durable record of one executed broadcast.
type Mailing struct {
	ID              int64     `json:"id"`
	Type            string    `json:"type"`
	CreatedAt       time.Time `json:"created_at"`
	PostLink        string    `json:"post_link"`
	FromChat        string    `json:"from_chat"`
	MessageID       int       `json:"message_id"`
	RecipientsCount int       `json:"recipients_count"`
	DeliveredCount  int       `json:"delivered_count"`
	ErrorCount      int       `json:"error_count"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists every legal scheduled-mailing status change.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusDone, StatusFailed},
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScheduledMailing is a queued request to run a mailing at ScheduledAt.
type ScheduledMailing struct {
	ID          int64     `json:"id"`
	MailingType string    `json:"mailing_type"`
	PostLink    string    `json:"post_link"`
	FromChat    string    `json:"from_chat"`
	MessageID   int       `json:"message_id"`
	AdminChatID int64     `json:"admin_chat_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
}

// ChannelPost is a captured channel message usable as a mailing source.
// ChatID holds the channel username when it has one, else the numeric id.
type ChannelPost struct {
	ID          int64
	ChatID      string
	MessageID   int
	CreatedAt   time.Time
	TextPreview string
}

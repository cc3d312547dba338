package eventbus

// Mailing lifecycle event types.
const (
	TypeMailingStarted      = "mailing.started"
	TypeMailingFinished     = "mailing.finished"
	TypeScheduledTransition = "scheduled.transition"
)

// MailingEvent is the payload of mailing.started / mailing.finished.
type MailingEvent struct {
	RunID      string `json:"run_id"`
	MailingID  int64  `json:"mailing_id"`
	Type       string `json:"type"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered,omitempty"`
	Errors     int    `json:"errors,omitempty"`
}

// TransitionEvent is the payload of scheduled.transition.
type TransitionEvent struct {
	ScheduledID int64  `json:"scheduled_id"`
	From        string `json:"from"`
	To          string `json:"to"`
}

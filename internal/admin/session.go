package admin

import (
	"errors"
	"fmt"
	"time"

	"mailbot/internal/mailing"
	"mailbot/pkg/tgui"
)

// State is the step of the mailing-creation dialog an admin is in.
type State int

const (
	StateIdle State = iota
	StateAwaitingAction
	StateAwaitingSource
	StateChoosingPost
	StateAwaitingType
	StateAwaitingDecision
	StateAwaitingTime
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateAwaitingAction:   "awaiting_action",
	StateAwaitingSource:   "awaiting_source",
	StateChoosingPost:     "choosing_post",
	StateAwaitingType:     "awaiting_type",
	StateAwaitingDecision: "awaiting_decision",
	StateAwaitingTime:     "awaiting_time",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Every state may fall back to idle; the rest is listed here.
var transitions = map[State][]State{
	StateIdle:             {StateAwaitingAction, StateAwaitingSource, StateChoosingPost},
	StateAwaitingAction:   {StateAwaitingSource, StateChoosingPost},
	StateAwaitingSource:   {StateAwaitingType},
	StateChoosingPost:     {StateAwaitingType},
	StateAwaitingType:     {StateAwaitingDecision},
	StateAwaitingDecision: {StateAwaitingDecision, StateAwaitingTime},
	StateAwaitingTime:     {},
}

var ErrInvalidTransition = errors.New("admin: invalid state transition")

// CanTransition reports whether the dialog may move from one state to another.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session holds the values collected so far. Fields beyond State are only
// meaningful once the dialog has passed the step that sets them.
type Session struct {
	State  State
	Source mailing.Source
	Type   mailing.Type
}

func (s Session) hasSource() bool {
	return s.Source.Chat != "" && s.Source.MessageID > 0
}

func (s Session) complete() bool {
	return s.hasSource() && s.Type.Valid()
}

// Job assembles the collected values into a mailing job.
func (s Session) Job(notifyChatID int64) mailing.Job {
	return mailing.Job{Type: s.Type, Source: s.Source, NotifyChatID: notifyChatID}
}

type sessionKey struct {
	ChatID int64
	UserID int64
}

const defaultSessionTTL = 30 * time.Minute

// Sessions is the per-(chat,user) dialog store. Idle sessions are not kept.
type Sessions struct {
	store *tgui.KeyedStore[sessionKey, Session]
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Sessions{store: tgui.NewKeyedStore[sessionKey, Session](ttl)}
}

func (s *Sessions) Get(k sessionKey) Session {
	v, ok := s.store.Get(k)
	if !ok {
		return Session{State: StateIdle}
	}
	return v
}

// Begin starts a fresh dialog in the given entry state, dropping anything
// collected before.
func (s *Sessions) Begin(k sessionKey, st State) error {
	if !CanTransition(StateIdle, st) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateIdle, st)
	}
	s.store.Put(k, Session{State: st})
	return nil
}

// Advance moves the dialog forward, applying fn to the stored values.
func (s *Sessions) Advance(k sessionKey, to State, fn func(*Session)) (Session, error) {
	cur := s.Get(k)
	if !CanTransition(cur.State, to) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}
	if to == StateIdle {
		s.Clear(k)
		return Session{State: StateIdle}, nil
	}
	if fn != nil {
		fn(&cur)
	}
	cur.State = to
	s.store.Put(k, cur)
	return cur, nil
}

func (s *Sessions) Clear(k sessionKey) { s.store.Delete(k) }

func (s *Sessions) Len() int { return s.store.Len() }

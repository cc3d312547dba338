package admin

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"mailbot/internal/mailing"
	"mailbot/internal/storage"
	kit "mailbot/internal/transport"
	logx "mailbot/pkg/logx"
	"mailbot/pkg/tgui"
)

type Store interface {
	UpsertUser(ctx context.Context, userID int64, isAdmin bool, now time.Time) error
	AddWebviewEvent(ctx context.Context, userID int64, now time.Time) error
	UserStats(ctx context.Context, now time.Time) (storage.UserStats, error)
	RecentMailings(ctx context.Context, limit int) ([]storage.Mailing, error)
	ListScheduled(ctx context.Context, limit int) ([]storage.ScheduledMailing, error)
	SaveChannelPost(ctx context.Context, p storage.ChannelPost) (int64, error)
	RecentChannelPosts(ctx context.Context, limit int) ([]storage.ChannelPost, error)
	GetChannelPost(ctx context.Context, id int64) (storage.ChannelPost, error)
}

type Mailings interface {
	StartImmediate(job mailing.Job) error
	Schedule(ctx context.Context, job mailing.Job, at time.Time) (int64, error)
	Cancel(ctx context.Context, id int64) error
}

// Settings are the hot-reloadable knobs of the bot front end.
type Settings struct {
	AdminIDs []int64
	SiteURL  string
	Location *time.Location
}

const (
	postsListLimit     = 10
	scheduledListLimit = 10
	statsMailingsLimit = 5
)

// Bot owns the conversational side: start menu, admin panel and the
// mailing-creation dialog. Business rules live in the mailing service.
type Bot struct {
	ad       kit.Adapter
	store    Store
	mailings Mailings
	sessions *Sessions
	log      logx.Logger
	now      func() time.Time

	mu     sync.RWMutex
	admins map[int64]struct{}
	site   string
	loc    *time.Location
}

type Option func(*Bot)

func WithLogger(log logx.Logger) Option { return func(b *Bot) { b.log = log } }

func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		if now != nil {
			b.now = now
		}
	}
}

func WithSessions(s *Sessions) Option {
	return func(b *Bot) {
		if s != nil {
			b.sessions = s
		}
	}
}

func New(ad kit.Adapter, store Store, mailings Mailings, set Settings, opts ...Option) *Bot {
	b := &Bot{
		ad:       ad,
		store:    store,
		mailings: mailings,
		sessions: NewSessions(defaultSessionTTL),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.Apply(set)
	return b
}

// Apply swaps admin ids, site url and display timezone.
func (b *Bot) Apply(set Settings) {
	admins := make(map[int64]struct{}, len(set.AdminIDs))
	for _, id := range set.AdminIDs {
		admins[id] = struct{}{}
	}
	loc := set.Location
	if loc == nil {
		loc = time.UTC
	}
	b.mu.Lock()
	b.admins, b.site, b.loc = admins, set.SiteURL, loc
	b.mu.Unlock()
}

func (b *Bot) isAdmin(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.admins[id]
	return ok
}

func (b *Bot) siteURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.site
}

func (b *Bot) location() *time.Location {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loc
}

// Dispatcher builds the update dispatcher bound to this bot.
func (b *Bot) Dispatcher(workers int) *Dispatcher {
	return NewDispatcher(b.log, b.ad, b.Route, workers)
}

func callbackPayload(data string) string {
	cb, ok := tgui.ParseData(data)
	if !ok {
		return ""
	}
	return cb.Payload
}

// Route picks the handler for an update.
func (b *Bot) Route(up kit.Update) (string, HandlerFunc, bool) {
	switch up.Kind {
	case kit.UpdateChannelPost:
		if up.Post == nil {
			return "", nil, false
		}
		return "channel_post", b.onChannelPost, true
	case kit.UpdateCallback:
		if up.Callback == nil {
			return "", nil, false
		}
		return b.routeCallback(up.Callback)
	case kit.UpdateMessage:
		if up.Message == nil {
			return "", nil, false
		}
		return b.routeMessage(up.Message)
	}
	return "", nil, false
}

func (b *Bot) routeMessage(m *kit.Message) (string, HandlerFunc, bool) {
	text := strings.TrimSpace(m.Text)

	// Free-text dialog steps come first; a typed "/cancel" during the link
	// step gets the link step's own reply.
	switch b.sessions.Get(sessionKey{ChatID: m.ChatID, UserID: m.FromID}).State {
	case StateAwaitingSource:
		if isCancelWord(text) || (!strings.HasPrefix(text, "/") && !isMenuText(text)) {
			return "dialog.link", b.onLinkInput, true
		}
	case StateAwaitingTime:
		if !strings.HasPrefix(text, "/") && !isMenuText(text) {
			return "dialog.time", b.onTimeInput, true
		}
	}

	if strings.HasPrefix(text, "/") {
		word := strings.Fields(text)[0]
		word = strings.TrimPrefix(word, "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		switch strings.ToLower(word) {
		case "start":
			return "cmd.start", b.onStart, true
		case "admin":
			return "cmd.admin", b.onAdminCommand, true
		case "cancel":
			return "cmd.cancel", b.onCancelCommand, true
		}
		return "", nil, false
	}

	switch text {
	case textPanel:
		return "text.panel", b.onPanelText, true
	case textByLink:
		return "text.by_link", b.adminOnlyText(b.beginLink), true
	case textFromPosts:
		return "text.from_posts", b.adminOnlyText(b.listPosts(msgPostsEmptyText)), true
	case textStats:
		return "text.stats", b.adminOnlyText(b.showStats), true
	case textScheduled:
		return "text.scheduled", b.adminOnlyText(b.showScheduled), true
	}
	return "", nil, false
}

func isMenuText(s string) bool {
	switch s {
	case textPanel, textByLink, textFromPosts, textStats, textScheduled:
		return true
	}
	return false
}

func (b *Bot) routeCallback(cb *kit.Callback) (string, HandlerFunc, bool) {
	d, ok := tgui.ParseData(cb.Data)
	if !ok {
		return "", nil, false
	}
	route := "cb:" + d.Scope + ":" + d.Action
	var h HandlerFunc
	switch d.Scope + ":" + d.Action {
	case scopeApp + ":" + actWebview:
		h = b.onWebview
	case scopeApp + ":" + actOpen:
		h = b.adminOnlyCallback(msgNoAccessAlert, b.openPanel(msgPanelChoose))
	case scopeAdmin + ":" + actClose:
		h = b.onClose
	case scopeAdmin + ":" + actByLink:
		h = b.adminOnlyCallback(msgNoMailingRights, b.beginLink)
	case scopeAdmin + ":" + actLinkCancel:
		h = b.inState("", b.onLinkCancel, StateAwaitingSource)
	case scopeAdmin + ":" + actPosts:
		h = b.adminOnlyCallback(msgNoMailingRights, b.listPosts(msgPostsEmptyButton))
	case scopeAdmin + ":" + actPostCancel:
		h = b.inState("", b.onPostCancel, StateChoosingPost)
	case scopeAdmin + ":" + actPost:
		h = b.inState(msgSessionLost, b.adminOnlyDialog(msgNoMailingRights, b.onChoosePost), StateChoosingPost)
	case scopeAdmin + ":" + actType:
		h = b.inState(msgSessionLost, b.adminOnlyDialog(msgNoAccessAlert, b.onChooseType), StateAwaitingType, StateAwaitingDecision)
	case scopeAdmin + ":" + actSend:
		h = b.inState(msgSessionLost, b.adminOnlyDialog(msgNoMailingRights, b.onSendNow), StateAwaitingDecision)
	case scopeAdmin + ":" + actSchedule:
		h = b.inState(msgSessionLost, b.adminOnlyDialog(msgNoMailingRights, b.onScheduleAsk), StateAwaitingDecision)
	case scopeAdmin + ":" + actAbort:
		h = b.inState("", b.onAbort, StateAwaitingDecision)
	case scopeAdmin + ":" + actStats:
		h = b.adminOnlyCallback(msgNoAccessAlert, b.showStats)
	case scopeAdmin + ":" + actScheduled:
		h = b.adminOnlyCallback(msgNoAccessAlert, b.showScheduled)
	case scopeAdmin + ":" + actUnschedule:
		h = b.adminOnlyCallback(msgNoAccessAlert, b.onUnschedule)
	default:
		return "", nil, false
	}
	return route, h, true
}

// Guards.

func (b *Bot) adminOnlyText(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !b.isAdmin(req.FromID) {
			return nil
		}
		return next(ctx, req)
	}
}

func (b *Bot) adminOnlyCallback(deny string, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !b.isAdmin(req.FromID) {
			req.Answer(ctx, deny, true)
			return nil
		}
		return next(ctx, req)
	}
}

// adminOnlyDialog is adminOnlyCallback for mid-dialog steps: a refusal also
// ends the dialog.
func (b *Bot) adminOnlyDialog(deny string, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !b.isAdmin(req.FromID) {
			b.sessions.Clear(req.key())
			req.Answer(ctx, deny, true)
			return nil
		}
		return next(ctx, req)
	}
}

// inState runs next only when the dialog is in one of states. Stale buttons
// get the stale alert, or a silent answer when stale is empty.
func (b *Bot) inState(stale string, next HandlerFunc, states ...State) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		cur := b.sessions.Get(req.key()).State
		for _, st := range states {
			if cur == st {
				return next(ctx, req)
			}
		}
		req.Answer(ctx, stale, stale != "")
		return nil
	}
}

func (b *Bot) reply(ctx context.Context, req *Request, msg tgui.Message) error {
	_, err := msg.Send(ctx, b.ad, req.Chat)
	return err
}

func (b *Bot) say(ctx context.Context, req *Request, text string) error {
	return b.reply(ctx, req, plain(text, nil))
}

// Start menu and panel.

func (b *Bot) onStart(ctx context.Context, req *Request) error {
	admin := b.isAdmin(req.FromID)
	if err := b.store.UpsertUser(ctx, req.FromID, admin, b.now()); err != nil {
		req.Logger.Error("upsert user failed", logx.Err(err))
	}
	b.sessions.Clear(req.key())
	return b.reply(ctx, req, greeting(admin))
}

func (b *Bot) onWebview(ctx context.Context, req *Request) error {
	admin := b.isAdmin(req.FromID)
	now := b.now()
	if err := b.store.UpsertUser(ctx, req.FromID, admin, now); err != nil {
		req.Logger.Error("upsert user failed", logx.Err(err))
	}
	if err := b.store.AddWebviewEvent(ctx, req.FromID, now); err != nil {
		req.Logger.Warn("webview event not recorded", logx.Err(err))
	}
	req.Answer(ctx, "", false)
	msg := tgui.New().Plain().Line(msgWebview).Markup(webviewKeyboard(b.siteURL(), admin)).Build()
	return b.reply(ctx, req, msg)
}

func (b *Bot) onAdminCommand(ctx context.Context, req *Request) error {
	if !b.isAdmin(req.FromID) {
		return b.say(ctx, req, msgNoPanelAccess)
	}
	return b.openPanel(msgPanel)(ctx, req)
}

func (b *Bot) onPanelText(ctx context.Context, req *Request) error {
	if !b.isAdmin(req.FromID) {
		return nil
	}
	return b.openPanel(msgPanelChoose)(ctx, req)
}

func (b *Bot) openPanel(title string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if err := b.sessions.Begin(req.key(), StateAwaitingAction); err != nil {
			return err
		}
		req.Answer(ctx, "", false)
		return b.reply(ctx, req, plain(title, adminMenu()))
	}
}

func (b *Bot) onClose(ctx context.Context, req *Request) error {
	b.sessions.Clear(req.key())
	req.Answer(ctx, "", false)
	return b.say(ctx, req, msgPanelClosed)
}

func (b *Bot) onCancelCommand(ctx context.Context, req *Request) error {
	b.sessions.Clear(req.key())
	return b.say(ctx, req, msgCancelled)
}

// Source by link.

func (b *Bot) beginLink(ctx context.Context, req *Request) error {
	if err := b.sessions.Begin(req.key(), StateAwaitingSource); err != nil {
		return err
	}
	req.Answer(ctx, "", false)
	return b.reply(ctx, req, plain(msgLinkPrompt, linkCancelKeyboard()))
}

func (b *Bot) onLinkCancel(ctx context.Context, req *Request) error {
	b.sessions.Clear(req.key())
	req.Answer(ctx, "", false)
	return b.say(ctx, req, msgLinkCancelled)
}

func (b *Bot) onLinkInput(ctx context.Context, req *Request) error {
	if !b.isAdmin(req.FromID) {
		b.sessions.Clear(req.key())
		return b.say(ctx, req, msgNoManageRights)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return b.say(ctx, req, msgLinkNeedText)
	}
	if isCancelWord(text) {
		b.sessions.Clear(req.key())
		return b.say(ctx, req, msgLinkCancelled)
	}
	link, err := ParseLink(text)
	if err != nil {
		return b.say(ctx, req, msgLinkBad)
	}

	chat := ""
	for _, cand := range link.Candidates() {
		_, err := b.ad.CopyMessage(ctx, req.Chat, kit.SourceRef{Chat: cand, MessageID: link.MessageID})
		if err == nil {
			chat = cand
			break
		}
		if errors.Is(err, kit.ErrBadSource) {
			req.Logger.Debug("preview candidate rejected", logx.String("from_chat", cand), logx.Err(err))
			continue
		}
		req.Logger.Warn("preview copy failed",
			logx.String("ctx", "mailing_by_link_preview"),
			logx.String("from_chat", cand),
			logx.Err(err),
		)
	}
	if chat == "" {
		b.sessions.Clear(req.key())
		return b.say(ctx, req, msgLinkUnavailable)
	}

	if _, err := b.sessions.Advance(req.key(), StateAwaitingType, func(s *Session) {
		s.Source = mailing.Source{Link: text, Chat: chat, MessageID: link.MessageID}
	}); err != nil {
		return err
	}
	return b.reply(ctx, req, plain(msgPreviewPickType, typeKeyboard()))
}

// Source from captured posts.

func (b *Bot) listPosts(emptyText string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		posts, err := b.store.RecentChannelPosts(ctx, postsListLimit)
		if err != nil {
			req.Answer(ctx, msgListFailed, true)
			return err
		}
		req.Answer(ctx, "", false)
		if len(posts) == 0 {
			return b.say(ctx, req, emptyText)
		}
		if err := b.sessions.Begin(req.key(), StateChoosingPost); err != nil {
			return err
		}
		return b.reply(ctx, req, plain(msgPostsChoose, postsKeyboard(posts)))
	}
}

func (b *Bot) onPostCancel(ctx context.Context, req *Request) error {
	b.sessions.Clear(req.key())
	req.Answer(ctx, "", false)
	return b.say(ctx, req, msgPostsCancelled)
}

func (b *Bot) onChoosePost(ctx context.Context, req *Request) error {
	id, err := strconv.ParseInt(req.Payload, 10, 64)
	if err != nil || id <= 0 {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgPostBadItem, true)
		return nil
	}
	post, err := b.store.GetChannelPost(ctx, id)
	if err != nil {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgPostGone, true)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	chat := sourceChat(post.ChatID)
	if _, err := b.ad.CopyMessage(ctx, req.Chat, kit.SourceRef{Chat: chat, MessageID: post.MessageID}); err != nil {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgPostNoAccess, true)
		req.Logger.Warn("preview copy failed",
			logx.String("ctx", "mailing_from_posts_preview"),
			logx.String("from_chat", chat),
			logx.Int("message_id", post.MessageID),
			logx.Err(err),
		)
		return nil
	}
	if _, err := b.sessions.Advance(req.key(), StateAwaitingType, func(s *Session) {
		s.Source = mailing.Source{
			Link:      postLinkFor(chat, post.MessageID),
			Chat:      chat,
			MessageID: post.MessageID,
		}
	}); err != nil {
		return err
	}
	req.Answer(ctx, "", false)
	return b.reply(ctx, req, plain(msgPreviewPickType, typeKeyboard()))
}

// Type and decision.

func (b *Bot) onChooseType(ctx context.Context, req *Request) error {
	t, ok := mailing.ParseTypeCode(req.Payload)
	if !ok {
		req.Answer(ctx, msgTypeUnknown, true)
		return nil
	}
	if !b.sessions.Get(req.key()).hasSource() {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgSessionLost, true)
		return nil
	}
	if _, err := b.sessions.Advance(req.key(), StateAwaitingDecision, func(s *Session) { s.Type = t }); err != nil {
		return err
	}
	req.Answer(ctx, "", false)
	return b.reply(ctx, req, plain(typeChosen(t), confirmKeyboard()))
}

func (b *Bot) onSendNow(ctx context.Context, req *Request) error {
	s := b.sessions.Get(req.key())
	if !s.complete() {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgSessionLost, true)
		return nil
	}
	b.sessions.Clear(req.key())
	job := s.Job(req.Chat.ChatID)
	if err := b.mailings.StartImmediate(job); err != nil {
		req.Answer(ctx, msgSendUnavailable, true)
		return err
	}
	req.Logger.Info("immediate mailing requested",
		logx.String("type", string(job.Type)),
		logx.String("post_link", job.Source.Link),
	)
	req.Answer(ctx, msgSendStarted, false)
	return b.say(ctx, req, msgSendBackground)
}

func (b *Bot) onAbort(ctx context.Context, req *Request) error {
	b.sessions.Clear(req.key())
	req.Answer(ctx, "", false)
	return b.say(ctx, req, msgMailingCancelled)
}

func (b *Bot) onScheduleAsk(ctx context.Context, req *Request) error {
	if !b.sessions.Get(req.key()).complete() {
		b.sessions.Clear(req.key())
		req.Answer(ctx, msgSessionLost, true)
		return nil
	}
	if _, err := b.sessions.Advance(req.key(), StateAwaitingTime, nil); err != nil {
		return err
	}
	req.Answer(ctx, "", false)
	return b.say(ctx, req, msgTimePrompt)
}

func (b *Bot) onTimeInput(ctx context.Context, req *Request) error {
	if !b.isAdmin(req.FromID) {
		b.sessions.Clear(req.key())
		return b.say(ctx, req, msgNoManageRights)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return b.say(ctx, req, msgTimeNeedText)
	}
	at, err := ParseScheduleTime(text, b.location(), b.now())
	switch {
	case errors.Is(err, ErrBadTime):
		return b.say(ctx, req, msgTimeBad)
	case errors.Is(err, ErrPastTime):
		return b.say(ctx, req, msgTimePast)
	}

	s := b.sessions.Get(req.key())
	if !s.complete() {
		b.sessions.Clear(req.key())
		return b.say(ctx, req, msgSessionLost)
	}
	job := s.Job(req.Chat.ChatID)
	id, err := b.mailings.Schedule(ctx, job, at)
	if errors.Is(err, mailing.ErrNotFuture) {
		return b.say(ctx, req, msgTimePast)
	}
	if err != nil {
		_ = b.say(ctx, req, msgScheduleFailed)
		return err
	}
	b.sessions.Clear(req.key())
	return b.say(ctx, req, scheduledConfirmation(id, job, at))
}

// Stats and schedule list.

func (b *Bot) showStats(ctx context.Context, req *Request) error {
	st, err := b.store.UserStats(ctx, b.now())
	if err != nil {
		req.Answer(ctx, msgStatsFailed, true)
		return err
	}
	recent, err := b.store.RecentMailings(ctx, statsMailingsLimit)
	if err != nil {
		req.Answer(ctx, msgStatsFailed, true)
		return err
	}
	req.Answer(ctx, "", false)
	return b.reply(ctx, req, statsView(st, recent))
}

func (b *Bot) showScheduled(ctx context.Context, req *Request) error {
	rows, err := b.store.ListScheduled(ctx, scheduledListLimit)
	if err != nil {
		req.Answer(ctx, msgListFailed, true)
		return err
	}
	req.Answer(ctx, "", false)
	return b.reply(ctx, req, scheduledView(rows, b.location()))
}

func (b *Bot) onUnschedule(ctx context.Context, req *Request) error {
	id, err := strconv.ParseInt(req.Payload, 10, 64)
	if err != nil || id <= 0 {
		req.Answer(ctx, msgUnschedBadID, true)
		return nil
	}
	err = b.mailings.Cancel(ctx, id)
	switch {
	case err == nil:
		req.Answer(ctx, msgUnschedOK, true)
		return nil
	case errors.Is(err, storage.ErrStatusConflict):
		req.Answer(ctx, msgUnschedConflict, true)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		req.Answer(ctx, msgUnschedMissing, true)
		return nil
	}
	req.Answer(ctx, msgListFailed, true)
	return err
}

// Channel capture.

func (b *Bot) onChannelPost(ctx context.Context, req *Request) error {
	p := req.Update.Post
	chat := strconv.FormatInt(p.ChatID, 10)
	if u := strings.TrimPrefix(p.ChatUsername, "@"); u != "" {
		chat = "@" + u
	}
	id, err := b.store.SaveChannelPost(ctx, storage.ChannelPost{
		ChatID:      chat,
		MessageID:   p.MessageID,
		CreatedAt:   b.now(),
		TextPreview: PostPreview(p.Text),
	})
	if err != nil {
		return err
	}
	req.Logger.Debug("channel post captured", logx.Int64("post_id", id), logx.String("from_chat", chat), logx.Int("message_id", p.MessageID))
	return nil
}

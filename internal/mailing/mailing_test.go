package mailing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mailbot/internal/eventbus"
	"mailbot/internal/storage"
	kit "mailbot/internal/transport"
	logx "mailbot/pkg/logx"
)

type fakeTransport struct {
	mu     sync.Mutex
	script map[int64][]error
	calls  map[int64]int
	total  int
	texts  []string
	onCopy func(total int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{script: map[int64][]error{}, calls: map[int64]int{}}
}

func (f *fakeTransport) CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.SourceRef) (kit.MessageRef, error) {
	f.mu.Lock()
	n := f.calls[to.ChatID]
	f.calls[to.ChatID]++
	f.total++
	total := f.total
	var err error
	if s := f.script[to.ChatID]; n < len(s) {
		err = s[n]
	}
	hook := f.onCopy
	f.mu.Unlock()

	if hook != nil {
		hook(total)
	}
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: src.MessageID}, nil
}

func (f *fakeTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeTransport) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type sleepRecorder struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.ds = append(s.ds, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.ds {
		if x == d {
			n++
		}
	}
	return n
}

type harness struct {
	store *storage.SQLStore
	tr    *fakeTransport
	sleep *sleepRecorder
	bus   eventbus.Bus
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, tr: newFakeTransport(), sleep: &sleepRecorder{}, bus: eventbus.New()}
	exec := NewExecutor(h.tr, NewRecordManager(st), st, ExecutorConfig{},
		WithSleep(h.sleep.sleep), WithEventBus(h.bus))
	h.svc = NewService(NewResolver(st), exec, st, WithServiceBus(h.bus))
	return h
}

func (h *harness) addUsers(t *testing.T, users map[int64]bool) {
	t.Helper()
	for id, admin := range users {
		if err := h.store.UpsertUser(context.Background(), id, admin, time.Now()); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
}

func (h *harness) record(t *testing.T, id int64) storage.Mailing {
	t.Helper()
	m, err := h.store.GetMailing(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMailing(%d): %v", id, err)
	}
	return m
}

var testJob = Job{
	Type:         TypeNews,
	Source:       Source{Link: "https://t.me/chan/42", Chat: "@chan", MessageID: 42},
	NotifyChatID: 3,
}

func TestTypeCodes(t *testing.T) {
	t.Parallel()

	cases := map[string]Type{
		"news":      TypeNews,
		"promo":     TypePromotion,
		"important": TypeImportant,
		"test":      TypeTest,
	}
	for code, want := range cases {
		got, ok := ParseTypeCode(code)
		if !ok || got != want {
			t.Fatalf("ParseTypeCode(%q) = %q, %v", code, got, ok)
		}
		if got.Code() != code {
			t.Fatalf("%s.Code() = %q", got, got.Code())
		}
	}
	if _, ok := ParseTypeCode("promotion"); ok {
		t.Fatalf("stored value accepted as callback code")
	}
	if _, err := ParseType("important_notification"); err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if _, err := ParseType("spam"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("ParseType(spam) = %v", err)
	}
}

func TestResolverAdminsAreSubset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: true, 3: false, 4: true, 5: true})
	_ = h.store.MarkUserBlocked(context.Background(), 5)

	r := NewResolver(h.store)
	all, err := r.Resolve(context.Background(), TypeNews)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	admins, err := r.Resolve(context.Background(), TypeTest)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(all) != 4 || len(admins) != 2 {
		t.Fatalf("all=%v admins=%v", all, admins)
	}
	set := map[int64]bool{}
	for _, id := range all {
		set[id] = true
	}
	for _, id := range admins {
		if !set[id] {
			t.Fatalf("admin %d missing from active set", id)
		}
	}
}

func TestRunDeliversToEveryone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false, 3: true})

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Recipients != 3 || res.Delivered != 3 || res.Errors != 0 || res.RunID == "" {
		t.Fatalf("result = %+v", res)
	}
	m := h.record(t, res.MailingID)
	if m.RecipientsCount != 3 || m.DeliveredCount != 3 || m.ErrorCount != 0 {
		t.Fatalf("record = %+v", m)
	}
	if m.Type != "news" || m.FromChat != "@chan" || m.MessageID != 42 {
		t.Fatalf("record source = %+v", m)
	}

	texts := h.tr.sent()
	if len(texts) != 2 {
		t.Fatalf("status messages = %q", texts)
	}
	if !strings.HasPrefix(texts[0], "Начинаю рассылку (id=") || !strings.Contains(texts[0], "по 3 пользователям") {
		t.Fatalf("start text = %q", texts[0])
	}
	if !strings.Contains(texts[1], "завершена") || !strings.Contains(texts[1], "Доставлено: 3") {
		t.Fatalf("summary text = %q", texts[1])
	}
}

func TestRetryAfterThenSuccessCountsDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false})
	h.tr.script[2] = []error{&kit.RetryAfterError{After: 5 * time.Second}}

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 2 || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.tr.callsFor(2) != 2 {
		t.Fatalf("calls for user 2 = %d, want 2", h.tr.callsFor(2))
	}
	if h.sleep.count(5*time.Second) != 1 {
		t.Fatalf("backoff not honoured: %v", h.sleep.ds)
	}
}

func TestRetryAfterThenFailureCountsOneError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false})
	h.tr.script[1] = []error{
		&kit.RetryAfterError{After: time.Second},
		&kit.RetryAfterError{After: time.Second},
		&kit.RetryAfterError{After: time.Second},
	}

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.tr.callsFor(1) != 2 {
		t.Fatalf("calls for user 1 = %d, want exactly 2", h.tr.callsFor(1))
	}
	m := h.record(t, res.MailingID)
	if m.DeliveredCount+m.ErrorCount != m.RecipientsCount {
		t.Fatalf("counters do not add up: %+v", m)
	}
}

func TestUnreachableMarksBlockedWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false})
	h.tr.script[2] = []error{kit.Unreachable(errors.New("bot was blocked by the user"))}

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.tr.callsFor(2) != 1 {
		t.Fatalf("unreachable recipient retried")
	}
	u, err := h.store.GetUser(context.Background(), 2)
	if err != nil || !u.IsBlocked {
		t.Fatalf("user 2 = %+v, %v; want blocked", u, err)
	}
}

func TestOtherErrorsDoNotAbort(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false, 3: false})
	h.tr.script[1] = []error{errors.New("boom")}
	h.tr.script[2] = []error{errors.New("boom")}

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 1 || res.Errors != 2 || h.tr.callsFor(3) != 1 {
		t.Fatalf("result = %+v", res)
	}
	u, _ := h.store.GetUser(context.Background(), 1)
	if u.IsBlocked {
		t.Fatalf("generic failure must not block the user")
	}
}

func TestNoRecipientsCreatesNoRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false})

	job := testJob
	job.Type = TypeTest
	res, err := h.svc.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MailingID != 0 {
		t.Fatalf("record created for empty run: %+v", res)
	}
	recent, _ := h.store.RecentMailings(context.Background(), 5)
	if len(recent) != 0 {
		t.Fatalf("mailings = %+v", recent)
	}
	if texts := h.tr.sent(); len(texts) != 1 || texts[0] != "Нет получателей для рассылки." {
		t.Fatalf("texts = %q", texts)
	}
}

func TestBatchPause(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	users := map[int64]bool{}
	for i := int64(1); i <= 65; i++ {
		users[i] = false
	}
	h.addUsers(t, users)

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 65 {
		t.Fatalf("result = %+v", res)
	}
	if got := h.sleep.count(2 * time.Second); got != 2 {
		t.Fatalf("batch pauses = %d, want 2", got)
	}
}

func TestInterruptedRunKeepsPartialCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false, 3: false, 4: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tr.onCopy = func(total int) {
		if total == 2 {
			cancel()
		}
	}

	res, err := h.svc.Run(ctx, testJob)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	m := h.record(t, res.MailingID)
	if m.DeliveredCount != 2 || m.ErrorCount != 0 || m.RecipientsCount != 4 {
		t.Fatalf("record = %+v", m)
	}
}

func TestCountersStayZeroUntilRunEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: false, 3: false, 4: false})
	h.tr.script[1] = []error{errors.New("boom")}

	var (
		mid    []storage.Mailing
		midErr error
	)
	h.tr.onCopy = func(total int) {
		if total != 3 {
			return
		}
		mid, midErr = h.store.RecentMailings(context.Background(), 1)
	}

	res, err := h.svc.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if midErr != nil || len(mid) != 1 {
		t.Fatalf("mid-run record = %+v, %v", mid, midErr)
	}
	if mid[0].RecipientsCount != 4 || mid[0].DeliveredCount != 0 || mid[0].ErrorCount != 0 {
		t.Fatalf("counters written before the run ended: %+v", mid[0])
	}

	m := h.record(t, res.MailingID)
	if m.ID != mid[0].ID {
		t.Fatalf("record id = %d, mid-run id = %d", m.ID, mid[0].ID)
	}
	if m.DeliveredCount != 3 || m.ErrorCount != 1 || m.DeliveredCount+m.ErrorCount != m.RecipientsCount {
		t.Fatalf("final record = %+v", m)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	p := RetryPolicy{MaxAttempts: 2, Sleep: func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}

	plain := errors.New("nope")
	n, err := p.Do(context.Background(), func(context.Context) error { return plain })
	if n != 1 || err != plain {
		t.Fatalf("plain error: attempts=%d err=%v", n, err)
	}

	calls := 0
	n, err = p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &kit.RetryAfterError{After: 3 * time.Second}
		}
		return nil
	})
	if n != 2 || err != nil || len(slept) != 1 || slept[0] != 3*time.Second {
		t.Fatalf("retry: attempts=%d err=%v slept=%v", n, err, slept)
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return now }
	ctx := context.Background()

	for _, at := range []time.Time{now.Add(-time.Minute), now} {
		if _, err := h.svc.Schedule(ctx, testJob, at); !errors.Is(err, ErrNotFuture) {
			t.Fatalf("Schedule(%v) = %v, want ErrNotFuture", at, err)
		}
	}
	id, err := h.svc.Schedule(ctx, testJob, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	row, err := h.store.GetScheduled(ctx, id)
	if err != nil {
		t.Fatalf("GetScheduled: %v", err)
	}
	if row.Status != storage.StatusPending || row.AdminChatID != testJob.NotifyChatID || row.MailingType != "news" {
		t.Fatalf("row = %+v", row)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	id, err := h.svc.Schedule(ctx, testJob, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := h.svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := h.svc.Cancel(ctx, id); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("second Cancel = %v", err)
	}

	select {
	case e := <-events:
		te, ok := e.Data.(eventbus.TransitionEvent)
		if e.Type != eventbus.TypeScheduledTransition || !ok || te.To != "cancelled" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no transition event")
	}

	busy, _ := h.svc.Schedule(ctx, testJob, time.Now().Add(time.Hour))
	if err := h.store.TransitionScheduled(ctx, busy, storage.StatusPending, storage.StatusProcessing); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.svc.Cancel(ctx, busy); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("Cancel(processing) = %v", err)
	}
}

func TestStartImmediate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addUsers(t, map[int64]bool{1: false, 2: true})

	if err := h.svc.StartImmediate(testJob); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StartImmediate before Start = %v", err)
	}
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.svc.StartImmediate(testJob); err != nil {
		t.Fatalf("StartImmediate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		recent, err := h.store.RecentMailings(context.Background(), 1)
		if err != nil {
			t.Fatalf("RecentMailings: %v", err)
		}
		if len(recent) == 1 && recent[0].DeliveredCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("immediate mailing did not finish: %+v", recent)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

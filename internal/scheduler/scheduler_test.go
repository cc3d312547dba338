package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailbot/internal/eventbus"
	"mailbot/internal/mailing"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

type fakeRunner struct {
	mu   sync.Mutex
	jobs []mailing.Job
	fail map[string]error
	hook func(job mailing.Job)
}

func (r *fakeRunner) Run(ctx context.Context, job mailing.Job) (mailing.Result, error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	err := r.fail[job.Source.Link]
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(job)
	}
	return mailing.Result{}, err
}

func (r *fakeRunner) ran() []mailing.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mailing.Job(nil), r.jobs...)
}

func openStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func schedule(t *testing.T, st *storage.SQLStore, link, typ string, at time.Time) int64 {
	t.Helper()
	id, err := st.CreateScheduled(context.Background(), storage.ScheduledMailing{
		MailingType: typ,
		PostLink:    link,
		FromChat:    "@chan",
		MessageID:   7,
		AdminChatID: 99,
		ScheduledAt: at,
		CreatedAt:   at.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateScheduled: %v", err)
	}
	return id
}

func status(t *testing.T, st *storage.SQLStore, id int64) storage.Status {
	t.Helper()
	m, err := st.GetScheduled(context.Background(), id)
	if err != nil {
		t.Fatalf("GetScheduled(%d): %v", id, err)
	}
	return m.Status
}

func newService(st Store, r Runner, now time.Time, bus eventbus.Bus) *Service {
	s := New(Config{PollInterval: time.Hour}, st, r, logx.Nop(), bus)
	s.now = func() time.Time { return now }
	return s
}

func TestTickRunsDueRowsInOrder(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Date(2025, 12, 26, 14, 30, 0, 0, time.UTC)
	late := schedule(t, st, "https://t.me/chan/2", "news", now.Add(-time.Minute))
	early := schedule(t, st, "https://t.me/chan/1", "promotion", now.Add(-time.Hour))
	future := schedule(t, st, "https://t.me/chan/3", "news", now.Add(time.Minute))

	r := &fakeRunner{}
	n, err := newService(st, r, now, nil).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d rows, want 2", n)
	}
	jobs := r.ran()
	if len(jobs) != 2 || jobs[0].Source.Link != "https://t.me/chan/1" || jobs[1].Source.Link != "https://t.me/chan/2" {
		t.Fatalf("run order = %+v", jobs)
	}
	if jobs[0].Type != mailing.TypePromotion || jobs[0].NotifyChatID != 99 || jobs[0].Source.MessageID != 7 {
		t.Fatalf("job built from row = %+v", jobs[0])
	}
	for _, id := range []int64{early, late} {
		if got := status(t, st, id); got != storage.StatusDone {
			t.Fatalf("row %d status = %s, want done", id, got)
		}
	}
	if got := status(t, st, future); got != storage.StatusPending {
		t.Fatalf("future row status = %s", got)
	}
}

func TestTickMarksFailedAndContinues(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Now()
	bad := schedule(t, st, "https://t.me/chan/1", "news", now.Add(-2*time.Minute))
	badType := schedule(t, st, "https://t.me/chan/2", "spam", now.Add(-time.Minute))
	ok := schedule(t, st, "https://t.me/chan/3", "test_mailing", now.Add(-time.Second))

	r := &fakeRunner{fail: map[string]error{"https://t.me/chan/1": errors.New("record insert failed")}}
	if _, err := newService(st, r, now, nil).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	want := map[int64]storage.Status{bad: storage.StatusFailed, badType: storage.StatusFailed, ok: storage.StatusDone}
	for id, s := range want {
		if got := status(t, st, id); got != s {
			t.Fatalf("row %d status = %s, want %s", id, got, s)
		}
	}
	if n := len(r.ran()); n != 2 {
		t.Fatalf("runner called %d times, want 2 (unknown type never runs)", n)
	}
}

func TestCancelledRowIsNeverRun(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Now()
	id := schedule(t, st, "https://t.me/chan/1", "news", now.Add(-time.Minute))
	if err := st.TransitionScheduled(context.Background(), id, storage.StatusPending, storage.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	r := &fakeRunner{}
	n, err := newService(st, r, now, nil).Tick(context.Background())
	if err != nil || n != 0 || len(r.ran()) != 0 {
		t.Fatalf("Tick = %d, %v; runs=%d", n, err, len(r.ran()))
	}
}

// racingStore cancels the row between the due query and the claim.
type racingStore struct {
	*storage.SQLStore
}

func (s racingStore) DueScheduled(ctx context.Context, now time.Time) ([]storage.ScheduledMailing, error) {
	rows, err := s.SQLStore.DueScheduled(ctx, now)
	for _, r := range rows {
		_ = s.SQLStore.TransitionScheduled(ctx, r.ID, storage.StatusPending, storage.StatusCancelled)
	}
	return rows, err
}

func TestLostClaimSkipsRow(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Now()
	id := schedule(t, st, "https://t.me/chan/1", "news", now.Add(-time.Minute))

	r := &fakeRunner{}
	n, err := newService(racingStore{st}, r, now, nil).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 0 || len(r.ran()) != 0 {
		t.Fatalf("claimed=%d runs=%d, want none", n, len(r.ran()))
	}
	if got := status(t, st, id); got != storage.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestInterruptedRunIsMarkedFailed(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Now()
	first := schedule(t, st, "https://t.me/chan/1", "news", now.Add(-2*time.Minute))
	second := schedule(t, st, "https://t.me/chan/2", "news", now.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeRunner{fail: map[string]error{"https://t.me/chan/1": context.Canceled}}
	r.hook = func(mailing.Job) { cancel() }

	if _, err := newService(st, r, now, nil).Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := status(t, st, first); got != storage.StatusFailed {
		t.Fatalf("interrupted row status = %s, want failed", got)
	}
	if got := status(t, st, second); got != storage.StatusPending {
		t.Fatalf("second row status = %s, want pending", got)
	}
}

func TestTransitionsArePublished(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	now := time.Now()
	id := schedule(t, st, "https://t.me/chan/1", "news", now.Add(-time.Minute))

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	if _, err := newService(st, &fakeRunner{}, now, bus).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var got []eventbus.TransitionEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if te, ok := ev.Data.(eventbus.TransitionEvent); ok {
				got = append(got, te)
			}
		case <-timeout:
			t.Fatalf("got %d transition events, want 2", len(got))
		}
	}
	if got[0].ScheduledID != id || got[0].To != "processing" || got[1].From != "processing" || got[1].To != "done" {
		t.Fatalf("events = %+v", got)
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	id := schedule(t, st, "https://t.me/chan/1", "news", time.Now().Add(-time.Minute))

	done := make(chan struct{})
	r := &fakeRunner{hook: func(mailing.Job) { close(done) }}
	s := New(Config{PollInterval: time.Hour}, st, r, logx.Nop(), nil)
	s.Start(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("startup tick did not run")
	}

	s.Apply(Config{PollInterval: 2 * time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)

	if got := status(t, st, id); got != storage.StatusDone {
		t.Fatalf("row status after Stop = %s, want done", got)
	}
}

func TestStopWaitsForStartupTick(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bot.db")
	st, err := storage.Open(context.Background(), storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	id := schedule(t, st, "https://t.me/chan/1", "news", time.Now().Add(-time.Minute))

	started := make(chan struct{})
	var finished atomic.Bool
	// The send in flight does not watch ctx, like a blocked Telegram call.
	r := &fakeRunner{hook: func(mailing.Job) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
	}}
	s := New(Config{PollInterval: time.Hour}, st, r, logx.Nop(), nil)
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("startup tick did not run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	if !finished.Load() {
		t.Fatalf("Stop returned while the startup tick was still running")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := storage.Open(context.Background(), storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	if got := status(t, reopened, id); got != storage.StatusDone {
		t.Fatalf("status after shutdown = %s, want done", got)
	}
}

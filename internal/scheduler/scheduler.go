package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailbot/internal/eventbus"
	"mailbot/internal/mailing"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

type Store interface {
	DueScheduled(ctx context.Context, now time.Time) ([]storage.ScheduledMailing, error)
	TransitionScheduled(ctx context.Context, id int64, from, to storage.Status) error
}

type Runner interface {
	Run(ctx context.Context, job mailing.Job) (mailing.Result, error)
}

type Config struct {
	PollInterval time.Duration
	Location     *time.Location
}

const (
	defaultPollInterval = 30 * time.Second
	transitionTimeout   = 10 * time.Second
)

// Service is the due-queue worker. Every tick it picks up pending scheduled
// mailings whose time has come and runs them one at a time.
type Service struct {
	store  Store
	runner Runner
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	job    cron.Job
	cancel context.CancelFunc
	// retired holds the stop contexts of crons replaced by Apply; their
	// running jobs still count for Stop.
	retired []context.Context
	startup sync.WaitGroup
}

func New(cfg Config, store Store, runner Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    normalize(cfg),
		store:  store,
		runner: runner,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
}

func normalize(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg
}

// Start begins polling. The first check runs immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cl := cronLogger{log: s.log}
	// One wrapped job is shared by cron and the startup tick so that
	// SkipIfStillRunning keeps runs strictly sequential.
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		if _, err := s.Tick(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Warn("scheduled mailings poll failed", logx.Err(err))
		}
	}))
	s.startCronLocked()
	job := s.job
	s.startup.Add(1)
	go func() {
		defer s.startup.Done()
		job.Run()
	}()
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithLocation(s.cfg.Location), cron.WithLogger(cronLogger{log: s.log}))
	s.c.Schedule(cron.Every(s.cfg.PollInterval), s.job)
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.String("tz", s.cfg.Location.String()),
	)
}

// Apply swaps the polling interval and timezone. A running tick is not
// interrupted.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.PollInterval != s.cfg.PollInterval || cfg.Location.String() != s.cfg.Location.String()
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.retired = append(s.retired, s.c.Stop())
	s.startCronLocked()
}

// Stop halts polling and cancels an in-flight run, which then records what
// it delivered and is marked failed. It returns once every tick has
// finished, the startup one included, or when ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	waits := s.retired
	s.c, s.cancel, s.retired = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	waits = append(waits, c.Stop())

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		for _, w := range waits {
			<-w.Done()
		}
		s.startup.Wait()
	}()
	select {
	case <-idle:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; a tick is still running", logx.Err(ctx.Err()))
	}
}

// Tick processes every due row sequentially and returns how many were
// claimed.
func (s *Service) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()

	rows, err := s.store.DueScheduled(ctx, s.now().In(loc))
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		s.log.Info("due scheduled mailings found", logx.Int("count", len(rows)))
	}

	claimed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if s.process(ctx, row) {
			claimed++
		}
	}
	return claimed, nil
}

func (s *Service) process(ctx context.Context, row storage.ScheduledMailing) bool {
	log := s.log.With(
		logx.Int64("scheduled_id", row.ID),
		logx.String("type", row.MailingType),
		logx.Time("when", row.ScheduledAt),
	)

	if err := s.transition(ctx, row.ID, storage.StatusPending, storage.StatusProcessing); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrNotFound) {
			log.Debug("scheduled mailing no longer pending; skipped", logx.Err(err))
		} else {
			log.Warn("claim scheduled mailing failed", logx.Err(err))
		}
		return false
	}
	log.Info("starting scheduled mailing")

	err := s.run(ctx, row)
	final := storage.StatusDone
	if err != nil {
		final = storage.StatusFailed
		log.Error("scheduled mailing failed",
			logx.String("ctx", "scheduled_mailing_worker"),
			logx.Int64("admin_chat_id", row.AdminChatID),
			logx.Err(err),
		)
	}

	// The final status must land even when shutdown cancelled the run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
	defer cancel()
	if terr := s.transition(fctx, row.ID, storage.StatusProcessing, final); terr != nil {
		log.Error("finalize scheduled mailing failed", logx.String("status", string(final)), logx.Err(terr))
	}
	return true
}

func (s *Service) run(ctx context.Context, row storage.ScheduledMailing) (err error) {
	// A panic in one run is converted into a failed status; the loop goes on.
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic during scheduled mailing")
			s.log.Error("scheduled mailing panicked", logx.Int64("scheduled_id", row.ID), logx.Any("panic", r))
		}
	}()

	t, err := mailing.ParseType(row.MailingType)
	if err != nil {
		return err
	}
	_, err = s.runner.Run(ctx, mailing.Job{
		Type: t,
		Source: mailing.Source{
			Link:      row.PostLink,
			Chat:      row.FromChat,
			MessageID: row.MessageID,
		},
		NotifyChatID: row.AdminChatID,
	})
	return err
}

func (s *Service) transition(ctx context.Context, id int64, from, to storage.Status) error {
	if err := s.store.TransitionScheduled(ctx, id, from, to); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduledTransition,
		Time: s.now(),
		Data: eventbus.TransitionEvent{ScheduledID: id, From: string(from), To: string(to)},
	})
	return nil
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

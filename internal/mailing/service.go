package mailing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailbot/internal/eventbus"
	rtsup "mailbot/internal/runtime/supervisor"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

type ScheduleStore interface {
	CreateScheduled(ctx context.Context, m storage.ScheduledMailing) (int64, error)
	TransitionScheduled(ctx context.Context, id int64, from, to storage.Status) error
}

// Service is the entry point used by the admin flow and the scheduler.
type Service struct {
	resolver *Resolver
	exec     *Executor
	sched    ScheduleStore
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type ServiceOption func(*Service)

func WithServiceLogger(log logx.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

func WithServiceBus(bus eventbus.Bus) ServiceOption {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(resolver *Resolver, exec *Executor, sched ScheduleStore, opts ...ServiceOption) *Service {
	s := &Service{
		resolver: resolver,
		exec:     exec,
		sched:    sched,
		bus:      eventbus.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Start prepares the supervisor that owns immediate runs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	// A failing or panicking run must not take the process down.
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	return nil
}

// Stop cancels in-flight immediate runs and waits for them to record what
// they managed to deliver.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// Snapshot exposes the immediate-run supervisor state.
func (s *Service) Snapshot() rtsup.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup.Snapshot()
}

// Run resolves recipients and executes the job synchronously.
func (s *Service) Run(ctx context.Context, job Job) (Result, error) {
	if !job.Type.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}
	recipients, err := s.resolver.Resolve(ctx, job.Type)
	if err != nil {
		return Result{}, err
	}
	return s.exec.Execute(ctx, job, recipients)
}

// StartImmediate runs the job in the background and returns at once. The
// summary reaches the admin through job.NotifyChatID.
func (s *Service) StartImmediate(job Job) error {
	if !job.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return ErrNotRunning
	}
	sup.Go("mailing.immediate", func(ctx context.Context) error {
		res, err := s.Run(ctx, job)
		if err != nil {
			s.log.Error("immediate mailing failed",
				logx.String("ctx", "immediate_mailing"),
				logx.String("run_id", res.RunID),
				logx.Int64("mailing_id", res.MailingID),
				logx.Int64("admin_chat_id", job.NotifyChatID),
				logx.Err(err),
			)
		}
		return err
	})
	return nil
}

// Schedule stores a pending mailing due at `at`, which must be strictly in
// the future.
func (s *Service) Schedule(ctx context.Context, job Job, at time.Time) (int64, error) {
	if !job.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}
	now := s.now()
	if !at.After(now) {
		return 0, ErrNotFuture
	}
	id, err := s.sched.CreateScheduled(ctx, storage.ScheduledMailing{
		MailingType: string(job.Type),
		PostLink:    job.Source.Link,
		FromChat:    job.Source.Chat,
		MessageID:   job.Source.MessageID,
		AdminChatID: job.NotifyChatID,
		ScheduledAt: at,
		CreatedAt:   now,
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("scheduled mailing created",
		logx.Int64("scheduled_id", id),
		logx.String("type", string(job.Type)),
		logx.Time("when", at),
		logx.Int64("admin_chat_id", job.NotifyChatID),
	)
	return id, nil
}

// Cancel moves a pending scheduled mailing to cancelled. Rows already picked
// up by the scheduler fail with storage.ErrStatusConflict.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.sched.TransitionScheduled(ctx, id, storage.StatusPending, storage.StatusCancelled); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduledTransition,
		Time: s.now(),
		Data: eventbus.TransitionEvent{
			ScheduledID: id,
			From:        string(storage.StatusPending),
			To:          string(storage.StatusCancelled),
		},
	})
	s.log.Info("scheduled mailing cancelled", logx.Int64("scheduled_id", id))
	return nil
}

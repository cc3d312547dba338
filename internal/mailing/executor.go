package mailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mailbot/internal/eventbus"
	kit "mailbot/internal/transport"
	logx "mailbot/pkg/logx"
)

type Transport interface {
	CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.SourceRef) (kit.MessageRef, error)
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type BlockMarker interface {
	MarkUserBlocked(ctx context.Context, userID int64) error
}

// ExecutorConfig tunes delivery pacing. Zero values fall back to defaults
// except RatePerSec, where zero disables the limiter.
type ExecutorConfig struct {
	BatchSize   int
	BatchPause  time.Duration
	RatePerSec  int
	MaxAttempts int
}

const (
	defaultBatchSize   = 30
	defaultBatchPause  = 2 * time.Second
	defaultMaxAttempts = 2

	finalizeTimeout = 10 * time.Second
)

// Executor fans one source message out to a recipient list.
type Executor struct {
	tr      Transport
	records *RecordManager
	users   BlockMarker
	log     logx.Logger
	bus     eventbus.Bus
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string

	mu      sync.RWMutex
	cfg     ExecutorConfig
	limiter *rate.Limiter
}

type ExecutorOption func(*Executor)

func WithExecutorLogger(log logx.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

func WithEventBus(bus eventbus.Bus) ExecutorOption {
	return func(e *Executor) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithSleep replaces the wait used for batch pauses and retry backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func NewExecutor(tr Transport, records *RecordManager, users BlockMarker, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		tr:      tr,
		records: records,
		users:   users,
		bus:     eventbus.Nop{},
		sleep:   sleepCtx,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.Reconfigure(cfg)
	return e
}

// Reconfigure applies new pacing settings to runs that start afterwards.
func (e *Executor) Reconfigure(cfg ExecutorConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = defaultBatchPause
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Executor) settings() (ExecutorConfig, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.limiter
}

// Result summarizes one run. MailingID is zero when no record was created.
type Result struct {
	RunID      string
	MailingID  int64
	Recipients int
	Delivered  int
	Errors     int
}

// Execute delivers job's source to every recipient and reports progress to
// job.NotifyChatID. Per-recipient failures are counted, never returned. The
// returned error is reserved for failures of the run itself: the record
// could not be created or finalized, or ctx ended mid-run.
func (e *Executor) Execute(ctx context.Context, job Job, recipients []int64) (Result, error) {
	cfg, lim := e.settings()
	res := Result{RunID: e.newID(), Recipients: len(recipients)}
	log := e.log.With(
		logx.String("run_id", res.RunID),
		logx.String("type", string(job.Type)),
		logx.Int64("admin_chat_id", job.NotifyChatID),
	)
	log.Info("mailing started",
		logx.String("post_link", job.Source.Link),
		logx.String("from_chat", job.Source.Chat),
		logx.Int("message_id", job.Source.MessageID),
	)

	if len(recipients) == 0 {
		e.notify(ctx, log, job.NotifyChatID, "Нет получателей для рассылки.")
		return res, nil
	}

	id, err := e.records.Create(ctx, job.Type, job.Source, len(recipients))
	if err != nil {
		return res, fmt.Errorf("create mailing record: %w", err)
	}
	res.MailingID = id
	log = log.With(logx.Int64("mailing_id", id))

	e.publish(eventbus.TypeMailingStarted, res, job.Type)
	e.notify(ctx, log, job.NotifyChatID,
		fmt.Sprintf("Начинаю рассылку (id=%d) по %d пользователям...", id, len(recipients)))

	policy := RetryPolicy{MaxAttempts: cfg.MaxAttempts, Sleep: e.sleep}
	src := job.Source.Ref()

	var interrupted error
	for i, uid := range recipients {
		if err := ctx.Err(); err != nil {
			interrupted = err
			break
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				interrupted = err
				break
			}
		}

		attempts, err := policy.Do(ctx, func(ctx context.Context) error {
			_, err := e.tr.CopyMessage(ctx, kit.ChatTarget{ChatID: uid}, src)
			return err
		})
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, ErrUnreachable):
			res.Errors++
			if berr := e.users.MarkUserBlocked(ctx, uid); berr != nil {
				log.Warn("mark user blocked failed", logx.Int64("user_id", uid), logx.Err(berr))
			} else {
				log.Debug("recipient unreachable; marked blocked", logx.Int64("user_id", uid))
			}
		default:
			res.Errors++
			log.Error("delivery failed",
				logx.String("ctx", "mailing_send"),
				logx.Int64("user_id", uid),
				logx.Int("attempts", attempts),
				logx.Err(err),
			)
		}

		if (i+1)%cfg.BatchSize == 0 {
			if err := e.sleep(ctx, cfg.BatchPause); err != nil {
				interrupted = err
				break
			}
		}
	}

	// Counters are written once, after the loop. An interrupted run still
	// records what it managed to do.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := e.records.ApplyDelta(fctx, id, res.Delivered, res.Errors); err != nil {
		return res, fmt.Errorf("finalize mailing %d: %w", id, err)
	}
	e.publish(eventbus.TypeMailingFinished, res, job.Type)

	if interrupted != nil {
		log.Warn("mailing interrupted",
			logx.Int("processed", res.Delivered+res.Errors),
			logx.Int("recipients", res.Recipients),
			logx.Err(interrupted),
		)
		e.notify(fctx, log, job.NotifyChatID, fmt.Sprintf(
			"Рассылка (id=%d) прервана.\nПолучателей: %d\nДоставлено: %d\nОшибки: %d",
			id, res.Recipients, res.Delivered, res.Errors))
		return res, fmt.Errorf("mailing %d interrupted: %w", id, interrupted)
	}

	log.Info("mailing finished",
		logx.Int("recipients", res.Recipients),
		logx.Int("delivered", res.Delivered),
		logx.Int("errors", res.Errors),
	)
	e.notify(fctx, log, job.NotifyChatID, fmt.Sprintf(
		"Рассылка (id=%d) завершена.\nПолучателей: %d\nДоставлено: %d\nОшибки: %d",
		id, res.Recipients, res.Delivered, res.Errors))
	return res, nil
}

// notify sends a plain status line; failures are logged and ignored.
func (e *Executor) notify(ctx context.Context, log logx.Logger, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := e.tr.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		log.Warn("status message not delivered", logx.Err(err))
	}
}

func (e *Executor) publish(typ string, res Result, t Type) {
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Time: time.Now(),
		Data: eventbus.MailingEvent{
			RunID:      res.RunID,
			MailingID:  res.MailingID,
			Type:       string(t),
			Recipients: res.Recipients,
			Delivered:  res.Delivered,
			Errors:     res.Errors,
		},
	})
}

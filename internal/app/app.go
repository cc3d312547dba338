package app

import (
	"context"
	"fmt"
	"time"

	"mailbot/internal/admin"
	"mailbot/internal/config"
	"mailbot/internal/eventbus"
	"mailbot/internal/mailing"
	"mailbot/internal/ops"
	rtsup "mailbot/internal/runtime/supervisor"
	"mailbot/internal/scheduler"
	"mailbot/internal/storage"
	kit "mailbot/internal/transport"
	telegram "mailbot/internal/transport/telegram/adapter"
	logx "mailbot/pkg/logx"
	"mailbot/pkg/systemd"
)

const (
	updatesBuffer    = 256
	dispatchWorkers  = 4
	recentEventsSize = 100
)

// menuCommands are published to Telegram's command menu on start.
var menuCommands = []kit.BotCommand{
	{Command: "start", Description: "Главное меню"},
	{Command: "admin", Description: "Админ-панель"},
	{Command: "cancel", Description: "Отменить текущее действие"},
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	recent *eventbus.Recent
	store  *storage.SQLStore

	adapter *telegram.Adapter

	exec  *mailing.Executor
	mail  *mailing.Service
	sched *scheduler.Service
	bot   *admin.Bot
	disp  *admin.Dispatcher
	ops   *ops.Service
	sd    *systemd.Notifier

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	ms, err := cfg.Mailing.Resolve()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pt, err := pollTimeout(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pt}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off so Apply doesn't warn before the
	// chat is set, then apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramChat(cfg.Telegram.LogChatID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("dialect", store.Dialect()))

	bus := eventbus.New()
	recent := eventbus.NewRecent(recentEventsSize)

	exec := mailing.NewExecutor(ad, mailing.NewRecordManager(store), store, mapExecutorConfig(ms),
		mailing.WithExecutorLogger(root.With(logx.String("comp", "mailing"))),
		mailing.WithEventBus(bus),
	)
	mail := mailing.NewService(mailing.NewResolver(store), exec, store,
		mailing.WithServiceLogger(root.With(logx.String("comp", "mailing"))),
		mailing.WithServiceBus(bus),
	)
	sched := scheduler.New(mapSchedulerConfig(ms), store, mail, root.With(logx.String("comp", "scheduler")), bus)
	bot := admin.New(ad, store, mail, mapAdminSettings(cfg, ms), admin.WithLogger(root.With(logx.String("comp", "admin"))))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		recent:  recent,
		store:   store,
		adapter: ad,
		exec:    exec,
		mail:    mail,
		sched:   sched,
		bot:     bot,
		disp:    bot.Dispatcher(dispatchWorkers),
		sd:      systemd.New(),
		updates: make(chan kit.Update, updatesBuffer),
	}
	a.ops = ops.New(mapOpsConfig(cfg), ops.Sources{
		Store:       store,
		Events:      recent,
		Supervisors: a.supervisors,
	}, root.With(logx.String("comp", "ops")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// supervisors reports every component supervisor for the ops /runtime view.
func (a *App) supervisors() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":              a.sup.Snapshot(),
		"telegram.adapter": a.adapter.Supervisor().Snapshot(),
		"mailing":          a.mail.Snapshot(),
		"admin.dispatch":   a.disp.Snapshot(),
		"ops":              a.ops.Snapshot(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(run, 5*time.Second)
	if err := a.adapter.UpdateMenuCommands(mctx, menuCommands); err != nil {
		a.log.Warn("menu commands update failed", logx.Err(err))
	}
	cancel()

	if err := a.mail.Start(run); err != nil {
		return err
	}
	a.sched.Start(run)

	a.sup.Go0("eventbus.recent", func(c context.Context) { a.recent.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go("admin.dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.updates)
	})

	a.ops.Reconfigure(run, mapOpsConfig(a.cfgm.Get()))

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the run context first so loops start unwinding immediately.
	a.sup.Cancel()

	// The scheduler goes first so no due row is claimed mid-shutdown; mailing
	// runs then record their partial counters while storage is still open.
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "mailing", 5*time.Second, a.mail.Stop)
	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

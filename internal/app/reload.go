package app

import (
	"context"
	"strings"

	"mailbot/internal/config"
	logx "mailbot/pkg/logx"
)

// reloadLoop fans committed configs out to the live components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	// Track last applied config to generate a safe diff summary.
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	if next == nil {
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, key := range config.RequiresRestart(prev, next) {
		a.log.Warn("config change requires restart; keeping previous value", logx.String("key", key))
	}

	// Set the log chat first so Apply doesn't warn when the Telegram sink is enabled.
	a.logs.SetTelegramChat(next.Telegram.LogChatID)
	a.logs.Apply(mapLogConfig(next))

	ms, err := next.Mailing.Resolve()
	if err != nil {
		a.log.Warn("invalid mailing config; keeping previous", logx.Err(err))
	} else {
		a.exec.Reconfigure(mapExecutorConfig(ms))
		a.sched.Apply(mapSchedulerConfig(ms))
		a.bot.Apply(mapAdminSettings(next, ms))
	}

	a.ops.Reconfigure(c, mapOpsConfig(next))

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

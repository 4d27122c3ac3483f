package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"qrnotify/internal/config"
	"qrnotify/internal/dispatch"
	"qrnotify/internal/rules"
	logx "qrnotify/pkg/logx"
)

// reloadLoop applies published configs until ctx ends or sub closes.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(logConfig(next))
	}
	if changed["rules"] || changed["scan"] {
		a.engine.SetConfig(rules.FromConfig(next.Rules, next.Scan))
	}
	if changed["sender"] || changed["transport"] || changed["dispatch"] || changed["ledger"] {
		// Retry, rate, timeout and sender knobs take effect on the next attempt.
		a.exec.Apply(dispatch.FromConfig(next))
	}
	if changed["transport"] && transportIdentityChanged(prev.Transport, next.Transport) {
		restart = append(restart, "transport")
	}
	if changed["scan"] || changed["recipients"] {
		a.scanner.Apply(scanConfig(next))
	}
	if changed["scan"] {
		a.applyScan(ctx, prev.Scan, next.Scan)
	}
	if changed["alerts"] {
		if err := a.alerts.apply(next.Alerts); err != nil {
			a.log.Warn("alerts config rejected; keeping previous sinks", logx.Err(err))
		}
	}

	if len(restart) > 0 {
		a.log.Warn("some changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScan(ctx context.Context, prev, next config.ScanConfig) {
	switch {
	case prev.Enabled && !next.Enabled:
		a.log.Info("scan disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev.Enabled && next.Enabled:
		a.log.Info("scan enabled via config")
		if err := a.sched.Start(ctx, next.Interval, next.Location()); err != nil {
			a.log.Warn("scan schedule rejected", logx.Err(err))
		}
	case next.Enabled:
		if err := a.sched.Reschedule(next.Interval, next.Location()); err != nil {
			a.log.Warn("scan reschedule rejected; keeping previous", logx.Err(err))
		}
	}
}

// transportIdentityChanged reports changes that need a new transport instance.
func transportIdentityChanged(a, b config.TransportConfig) bool {
	return a.Provider != b.Provider || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		!reflect.DeepEqual(a.SMTP, b.SMTP)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"qrnotify/internal/config"
	"qrnotify/internal/dispatch"
	"qrnotify/internal/domain"
	"qrnotify/internal/events"
	"qrnotify/internal/ledger"
	"qrnotify/internal/metrics"
	"qrnotify/internal/opsserver"
	"qrnotify/internal/recipients"
	"qrnotify/internal/render"
	"qrnotify/internal/rules"
	rtsup "qrnotify/internal/runtime/supervisor"
	"qrnotify/internal/scan"
	"qrnotify/internal/transport"
	logx "qrnotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics

	ledger ledger.Ledger
	store  recipients.Store
	alerts *alertSinks

	engine   *rules.Engine
	exec     *dispatch.Executor
	scanner  *scan.Scanner
	sched    *scan.Scheduler
	pipeline *events.Pipeline
	kafka    *events.KafkaSource
	ops      *opsserver.Server
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	return newApp(ctx, config.NewManager(cfgPath))
}

func newApp(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logConfig(cfg))
	log := root.Named("app")
	cfgm.SetLogger(root.Named("config"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, metrics: metrics.New()}
	if err := a.build(ctx, cfg, root); err != nil {
		_ = a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	var err error
	if a.ledger, err = ledger.Open(ctx, cfg.Ledger, root.Named("ledger")); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if a.store, err = recipients.Open(ctx, cfg.Recipients, cfg.Rules.FreeQRLimit); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}

	tpl, err := render.New(render.Config{
		AppName:      cfg.Render.AppName,
		AppURL:       cfg.Render.AppURL,
		DiscountCode: cfg.Render.DiscountCode,
	})
	if err != nil {
		return err
	}
	tr, err := transport.Open(cfg.Transport, root.Named("transport"))
	if err != nil {
		return err
	}

	a.alerts = newAlertSinks(root)
	if err := a.alerts.apply(cfg.Alerts); err != nil {
		return err
	}

	engOpts := []rules.Option{rules.WithMetrics(a.metrics), rules.WithLogger(root)}
	if sp, ok := a.store.(recipients.StatsProvider); ok {
		engOpts = append(engOpts, rules.WithStats(sp))
	}
	a.engine = rules.NewEngine(rules.FromConfig(cfg.Rules, cfg.Scan), a.ledger, engOpts...)

	a.exec = dispatch.New(dispatch.FromConfig(cfg), a.ledger, tpl, a.metrics.Transport(tr),
		dispatch.WithAlerts(a.alerts.multi),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithLogger(root),
	)

	// Scan decisions dispatch inline so scan.concurrency bounds provider load.
	sink := scan.SinkFunc(func(ctx context.Context, d domain.Decision) error {
		_, err := a.exec.Dispatch(ctx, d)
		return err
	})
	a.scanner = scan.NewScanner(scanConfig(cfg), a.store, a.engine, sink,
		scan.WithMetrics(a.metrics), scan.WithLogger(root))
	a.sched = scan.NewScheduler(a.scanner, root)

	a.pipeline = events.NewPipeline(events.PipelineConfig{Workers: cfg.Ingest.Workers, QueueSize: cfg.Ingest.Queue},
		a.store, a.engine, a.exec, events.WithMetrics(a.metrics), events.WithLogger(root))

	if k := cfg.Kafka; k != nil && k.Enabled {
		if a.kafka, err = events.NewKafkaSource(*k, a.pipeline, a.metrics, root); err != nil {
			return err
		}
	}

	if cfg.Ingest.Enabled {
		ingest := events.NewHandler(a.pipeline, cfg.Ingest.Token, a.metrics, root)
		a.ops = opsserver.New(opsConfig(cfg), a.metrics.Handler(), a.status, root, ingest)
	}
	return nil
}

// Start runs every enabled component under the app supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if next.Scan.Enabled {
			if _, err := scan.ParseSchedule(next.Scan.Interval); err != nil {
				return fmt.Errorf("scan.interval: %w", err)
			}
		}
		return nil
	})

	a.exec.Start(c)
	a.pipeline.Start(c)
	a.alerts.start(a.sup)

	if cfg.Scan.Enabled {
		if err := a.sched.Start(c, cfg.Scan.Interval, cfg.Scan.Location()); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	if a.ops != nil {
		a.ops.Start(c)
	}
	if a.kafka != nil {
		k := a.kafka
		a.sup.GoRestart("events.kafka", k.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	every := cfg.Ledger.RecoveryEvery()
	a.sup.GoRestart("ledger.recovery", func(c context.Context) error {
		return a.recoveryLoop(c, every)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("transport", cfg.Transport.Provider),
		logx.String("ledger", cfg.Ledger.Driver),
		logx.String("recipients", cfg.Recipients.Driver),
		logx.Bool("scan", cfg.Scan.Enabled),
		logx.Bool("ingest", cfg.Ingest.Enabled),
		logx.Bool("kafka", a.kafka != nil))
	return nil
}

// Done is closed when the app supervisor stops.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ScanOnce runs one campaign scan without starting the daemon.
func (a *App) ScanOnce(ctx context.Context) (scan.Result, error) {
	return a.scanner.RunOnce(ctx)
}

// RecoverOnce runs one recovery sweep without starting the daemon.
func (a *App) RecoverOnce(ctx context.Context) (int, error) {
	return a.exec.RecoverStale(ctx)
}

func (a *App) recoveryLoop(ctx context.Context, every time.Duration) error {
	sweep := func() {
		n, err := a.exec.RecoverStale(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			a.log.Warn("recovery sweep failed", logx.Err(err))
		case n > 0:
			a.log.Info("recovery sweep retried stale entries", logx.Int("claimed", n))
		}
	}
	sweep()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sweep()
		}
	}
}

func (a *App) status() map[string]any {
	st := map[string]any{"scan_running": a.scanner.Running()}
	if last, ok := a.scanner.Last(); ok {
		st["scan_last"] = map[string]any{
			"recipients": last.Recipients,
			"decisions":  last.Decisions,
			"errors":     last.Errors,
			"took":       last.Duration.String(),
		}
	}
	if next := a.sched.Next(); !next.IsZero() {
		st["scan_next"] = next
	}
	if a.sup != nil {
		st["goroutines"] = a.sup.Counters()
	}
	return st
}

// Stop shuts down intake first, then drains queued work into the ledger.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStores()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	a.step(ctx, "kafka", 2*time.Second, func(context.Context) error {
		if a.kafka != nil {
			return a.kafka.Close()
		}
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "events", 5*time.Second, a.pipeline.Stop)
	a.step(ctx, "dispatch", 10*time.Second, a.exec.Stop)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	err := a.closeStores()
	if err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeStores() error {
	var errs *multierror.Error
	if a.alerts != nil {
		if err := a.alerts.close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("alerts: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recipients: %w", err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil && !errors.Is(err, ledger.ErrClosed) {
			errs = multierror.Append(errs, fmt.Errorf("ledger: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func scanConfig(cfg *config.Config) scan.Config {
	return scan.Config{
		Concurrency: cfg.Scan.Concurrency,
		PageSize:    cfg.Recipients.PageSize,
		Timeout:     cfg.Scan.TimeoutDuration(),
	}
}

func opsConfig(cfg *config.Config) opsserver.Config {
	return opsserver.Config{
		Addr:         cfg.Ingest.Addr,
		Token:        cfg.Ingest.Token,
		Pprof:        cfg.Pprof.Enabled,
		PprofPrefix:  cfg.Pprof.Prefix,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
}

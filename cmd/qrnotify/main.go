package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"qrnotify/internal/app"
	"qrnotify/internal/config"
)

func main() {
	var (
		cfgPath     string
		envPath     string
		scanOnce    bool
		recoverOnce bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file loaded before the config")
	flag.BoolVar(&scanOnce, "scan-once", false, "run one campaign scan and exit")
	flag.BoolVar(&recoverOnce, "recover-once", false, "run one recovery sweep and exit")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal: env:", err)
		os.Exit(1)
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(sigCtx, cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if scanOnce || recoverOnce {
		os.Exit(runOnce(sigCtx, a, scanOnce, recoverOnce))
	}

	// The app context outlives the signal so queued work can drain on Stop.
	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-sigCtx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App, doScan, doRecover bool) int {
	code := 0
	if doRecover {
		n, err := a.RecoverOnce(ctx)
		if err != nil {
			fmt.Println("recover:", err)
			code = 1
		} else {
			fmt.Printf("recover: %d stale entries retried\n", n)
		}
	}
	if doScan {
		res, err := a.ScanOnce(ctx)
		if err != nil {
			fmt.Println("scan:", err)
			code = 1
		} else {
			fmt.Printf("scan: %d recipients, %d decisions, %d errors in %s\n",
				res.Recipients, res.Decisions, res.Errors, res.Duration.Round(time.Millisecond))
		}
	}
	_ = a.Stop(context.Background(), app.StopOneShot)
	return code
}

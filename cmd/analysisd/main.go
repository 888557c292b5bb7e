package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"analysisd/internal/app"
	"analysisd/internal/config"
	"analysisd/internal/reports"
	"analysisd/pkg/logx"
)

func main() {
	var (
		cfgPath string
		submit  string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&submit, "submit", "", "queue a report file for processing and exit (with storage.driver=file the daemon must not be running)")
	flag.Parse()

	boot := logx.NewConsole("info")

	if envFile, err := config.LoadEnvFiles(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		boot.Error("env load failed", logx.Err(err))
		os.Exit(1)
	} else if envFile != "" {
		boot.Debug("env loaded", logx.String("path", envFile))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("fatal", logx.Err(err), logx.String("config", cfgPath))
		os.Exit(1)
	}

	if submit != "" {
		os.Exit(runSubmit(ctx, a, submit))
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("fatal start", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopSignal
wait:
	for {
		select {
		case <-hup:
			a.ReopenLogs()
		case <-ctx.Done():
			break wait
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
			break wait
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

// runSubmit queues one report in the configured store. The running daemon
// picks it up on its next computation run.
func runSubmit(ctx context.Context, a *app.App, path string) int {
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

	r, err := reports.Submit(ctx, a.Store(), path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit:", err)
		return 1
	}
	fmt.Println(r.ID)
	return 0
}

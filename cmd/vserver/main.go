// vserver is the client-facing gateway's single binary: invoked bare, it
// is the supervisor (the master); re-exec'd with VSERVER_WORKER_ID set in
// its environment, it is one worker process (pkg/supervisor).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/validana-io/vserver/pkg/config"
	"github.com/validana-io/vserver/pkg/supervisor"
)

const sentryFlushTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	reg := config.New()

	workerIDRaw, isWorker := os.LookupEnv(supervisor.WorkerIDEnv)

	// The config file is read master-only; a worker's env already
	// carries the master's fully resolved values (see
	// config.Registry.ExportEnv), so a worker calls Load with no file.
	// .env loading is likewise master-only: a worker's VSERVER_* env is
	// already the master's ExportEnv output and must not be shadowed by
	// a stale .env file re-read in the child.
	filePath := ""
	if !isWorker {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "vserver: warning: .env: %v\n", err)
		}
		filePath = lastArg()
	}
	if err := reg.Load(filePath); err != nil {
		fmt.Fprintf(os.Stderr, "vserver: configuration error: %v\n", err)
		return 1
	}

	log := newLogger(reg)
	slog.SetDefault(log)

	if url := reg.GetString(config.KeySentryURL); url != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: url}); err != nil {
			log.Warn("sentry: failed to initialize", "error", err)
		} else {
			defer sentry.Flush(sentryFlushTimeout)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if isWorker {
		id, err := strconv.ParseInt(workerIDRaw, 10, 32)
		if err != nil {
			log.Error("vserver: invalid worker id", "value", workerIDRaw, "error", err)
			return 1
		}
		return supervisor.RunWorker(ctx, int32(id), reg, log)
	}

	master, err := supervisor.New(reg, log)
	if err != nil {
		log.Error("vserver: failed to initialize supervisor", "error", err)
		sentry.CaptureException(err)
		return 1
	}
	return master.Run(ctx)
}

// lastArg returns the final command-line argument (the master's
// optional JSON config file path), or "" if none was given.
func lastArg() string {
	args := os.Args[1:]
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

func newLogger(reg *config.Registry) *slog.Logger {
	level := slog.LevelInfo
	switch reg.GetString(config.KeyLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var base slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if reg.GetString(config.KeyLogFormat) == "json" {
		base = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		base = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(config.NewScrubbingHandler(base, reg.GetString(config.KeyDBPassword)))
}

// Chatopsd turns chat messages into policy-gated code changes.
//
// This binary starts the full pipeline: the Telegram long-poll gateway, the
// resolver control loop, and the HTTP observation server. All state lives in
// plain files under the configured data directory, so a restart resumes
// exactly where the previous process stopped.
//
// Usage:
//
//	# Start the daemon with defaults
//	chatopsd
//
//	# Point at a config file
//	chatopsd -config /etc/chatopsd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
	"github.com/fyrsmithlabs/chatopsd/internal/control"
	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/loop"
	"github.com/fyrsmithlabs/chatopsd/internal/model"
	"github.com/fyrsmithlabs/chatopsd/internal/notify"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
	"github.com/fyrsmithlabs/chatopsd/internal/resolver"
	"github.com/fyrsmithlabs/chatopsd/internal/router"
	"github.com/fyrsmithlabs/chatopsd/internal/scm"
	"github.com/fyrsmithlabs/chatopsd/internal/server"
	"github.com/fyrsmithlabs/chatopsd/internal/session"
	"github.com/fyrsmithlabs/chatopsd/internal/telegram"
	"github.com/fyrsmithlabs/chatopsd/internal/telemetry"
	"github.com/fyrsmithlabs/chatopsd/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  chatopsd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  chatopsd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chatopsd error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("chatopsd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the whole pipeline and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting chatopsd",
		zap.String("version", version),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("repo", cfg.Repo.URL),
		zap.Int("port", cfg.Server.Port))

	metrics := telemetry.NewMetrics()

	q, err := queue.New(cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open task queue: %w", err)
	}
	events, err := event.NewLog(cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	sessions, err := session.NewStore(cfg.Storage.DataDir, cfg.Session.HistoryWindow, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	flags, err := control.NewFlags(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open control flags: %w", err)
	}

	llm, err := model.New(cfg.Model, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model client: %w", err)
	}

	git := scm.NewClient(logger)
	workspaces := workspace.NewManager(cfg.Storage.WorkspaceRoot, git, logger)
	notifier := notify.NewTelegram(cfg.Telegram, metrics, logger)

	res := resolver.New(cfg, q, events, sessions, flags, llm, git, workspaces, notifier, metrics, logger)
	rtr := router.New(q, events, sessions, cfg.Telegram.PrivilegedIDs, metrics, logger)
	poller := telegram.New(cfg.Telegram, rtr, q, events, flags, notifier, logger)
	ctrl := loop.New(res, cfg.Storage.DataDir, cfg.Loop.IdleDelay.Duration(), logger)

	srv, err := server.New(cfg.Storage.DataDir, cfg.Server.Port, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

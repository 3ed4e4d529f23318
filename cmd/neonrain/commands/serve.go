package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/channels/discord"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/chat"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/config"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/content"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/gateway"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/scheduler"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/store"
)

// newServeCmd creates the `neonrain serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent daemon with the configured chat surfaces",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	// ── Orchestration core ──
	windows := history.NewManager(cfg.Agent.HistorySize, logger)
	mux := chat.NewTransportMux()
	opts := agent.Options{
		TypingWPM:     cfg.Agent.TypingWPM,
		MinReplyDelay: cfg.Agent.MinReplyDelay.Std(),
		MaxReplyDelay: cfg.Agent.MaxReplyDelay.Std(),
	}

	// The external AI capability is wired behind the agent.Client port;
	// the echo client serves until a provider is attached.
	var ai agent.Client = &agent.EchoClient{}

	registry := chat.NewRegistry(ai, mux, db, windows, db.FetchRecent, opts, logger)

	// ── Web gateway ──
	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Address:      cfg.Gateway.Address,
			RequireToken: cfg.Gateway.RequireToken,
		}, registry, cfg.Persona, db, logger)
		mux.Register(gateway.Scheme, gw)
		if err := gw.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			gw.Stop(shutdownCtx)
		}()
	}

	// ── Discord surface ──
	if cfg.Discord.Enabled {
		dc := discord.New(discord.Config{
			Token:           cfg.Discord.Token,
			AllowedGuilds:   cfg.Discord.AllowedGuilds,
			AllowedChannels: cfg.Discord.AllowedChannels,
		}, registry, cfg.Persona, logger)
		mux.Register(discord.Scheme, dc)
		if err := dc.Connect(ctx); err != nil {
			logger.Error("discord connect failed", "error", err)
		}
	}

	// ── Maintenance jobs ──
	sched := scheduler.New(logger)
	sched.Register(scheduler.Job{
		Name:     "token-sweep",
		Interval: cfg.Jobs.TokenSweep.Interval.Std(),
		Enabled:  cfg.Jobs.TokenSweep.Enabled,
		Handler: func(ctx context.Context) error {
			n, err := db.PurgeExpiredTokens(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("expired tokens purged", "count", n)
			}
			return nil
		},
	})
	refresher := content.NewRefresher(db, logger)
	sched.Register(scheduler.Job{
		Name:     "content-refresh",
		Interval: cfg.Jobs.ContentRefresh.Interval.Std(),
		Enabled:  cfg.Jobs.ContentRefresh.Enabled,
		Handler: func(ctx context.Context) error {
			return refresher.Refresh(ctx, cfg.Jobs.ContentMaxAge.Std())
		},
	})
	sched.Start(ctx)

	logger.Info("neonrain started",
		"persona", cfg.Persona.Name,
		"gateway", cfg.Gateway.Enabled,
		"discord", cfg.Discord.Enabled,
	)

	// ── Wait for termination ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	sched.Stop()
	registry.Shutdown()
	return nil
}

// loadConfigAndLogger resolves the config file and builds the process
// logger from the logging section plus the --verbose flag.
func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return cfg, slog.New(handler), nil
}

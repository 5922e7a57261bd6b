package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mucbridge/internal/bridge"
	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/mucbridge/internal/channels/xmpp"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/correlation"
	"github.com/nextlevelbuilder/mucbridge/internal/health"
	"github.com/nextlevelbuilder/mucbridge/internal/media"
	"github.com/nextlevelbuilder/mucbridge/internal/pairing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	templates, err := config.NewTemplates(cfg.Templates)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initOTelExporter(ctx, cfg)
	defer shutdownTracing()

	stores, err := openStores(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			slog.Warn("store close", "error", err)
		}
	}()

	mb := bus.New(0)
	defer mb.Close()
	metrics := health.NewMetrics(cfg.Health.FailureThreshold)

	tg := telegram.New(cfg.Telegram, mb)
	tg.SetTopicCache(stores.Topics)
	xm := xmpp.New(cfg.XMPP, mb)

	var relay bridge.MediaRelay
	if cfg.Media.Enabled() {
		r, err := media.New(ctx, cfg.Media, tg, stores.Media)
		if err != nil {
			return fmt.Errorf("media relay: %w", err)
		}
		relay = r
		xm.EnableMedia(true)
		slog.Info("media relay enabled", "bucket", cfg.Media.Bucket)
	}

	svc := pairing.NewService(stores.Bindings, pairing.Config{
		Secret: cfg.Bridge.Secret,
		TTL:    cfg.Bridge.PendingTTL(),
	}, xm.ValidateAddress)
	index := correlation.New(correlation.Options{
		Capacity: cfg.Bridge.CorrelationCapacity,
		MaxAge:   cfg.Bridge.CorrelationMaxAge(),
		Store:    stores.Correlations,
	})

	engine, err := bridge.New(bridge.Options{
		Config:    cfg.Bridge,
		BridgeJID: cfg.XMPP.JID,
		Command:   cfg.Telegram.Command,
		Stores:    stores,
		Pairing:   svc,
		Index:     index,
		Telegram:  tg,
		XMPP:      xm,
		Bus:       mb,
		Templates: templates,
		Metrics:   metrics,
		Relay:     relay,
	})
	if err != nil {
		return err
	}

	if err := xm.Start(ctx); err != nil {
		return fmt.Errorf("start xmpp: %w", err)
	}
	defer xm.Stop()
	if err := tg.Start(ctx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	defer tg.Stop()

	if cfg.Health.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Health.Listen); err != nil {
				slog.Error("health endpoint failed", "error", err)
			}
		}()
	}
	watchConfig(ctx, cfgPath, engine)

	slog.Info("mucbridge running", "version", Version, "jid", cfg.XMPP.JID, "command", "/"+cfg.Telegram.Command)
	if err := engine.Run(ctx); err != nil {
		return err
	}
	slog.Info("mucbridge stopped")
	return nil
}

// watchConfig hot-reloads notice templates and the pairing secret. Other
// settings need a restart.
func watchConfig(ctx context.Context, path string, engine *bridge.Engine) {
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	w.OnChange(func(cfg *config.Config) {
		engine.SetSecret(cfg.Bridge.Secret)
		if err := engine.ReplaceTemplates(cfg.Templates); err != nil {
			slog.Error("config reload: templates rejected, keeping previous", "error", err)
			return
		}
		slog.Info("config reloaded", "templates", len(cfg.Templates))
	})
	go func() {
		if err := w.Run(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()
}

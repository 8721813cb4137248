package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"estate-ai/internal/adapter/channel"
	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/metrics"
	"estate-ai/internal/usecase/scheduling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook channels until interrupted",
	Long: `Start every configured inbound channel (WhatsApp Cloud API and the
JSON webhook) together with the idle conversation reaper. SIGINT or SIGTERM
triggers a graceful shutdown bounded by server.shutdown_grace.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	channels := buildChannels(cfg, nil, nil)
	if len(channels) == 0 {
		return errors.New("no channels configured: enable channels.whatsapp or channels.webhook, or use 'estate-ai chat'")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.logger
	channels = buildChannels(cfg, a.metrics, log)

	started, err := startChannels(ctx, channels, a.router.Handle, log)
	if err != nil {
		shutdown(cfg, started, nil, a)
		return err
	}

	reaper, err := scheduling.NewRetentionScheduler(a.store, cfg.Store.ReapSchedule, cfg.Store.MaxIdle, log)
	if err != nil {
		shutdown(cfg, started, nil, a)
		return fmt.Errorf("retention: %w", err)
	}
	if reaper != nil {
		if err := reaper.Start(ctx); err != nil {
			shutdown(cfg, started, nil, a)
			return err
		}
		log.Info("conversation reaper started", "schedule", cfg.Store.ReapSchedule, "max_idle", cfg.Store.MaxIdle)
	}

	<-ctx.Done()
	log.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	return shutdown(cfg, started, reaper, a)
}

// buildChannels returns the enabled webhook channels. m and log may be nil
// when only the count matters.
func buildChannels(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) []domain.Channel {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	opts := channel.ServerOptions{Server: cfg.Server, Metrics: m}

	var out []domain.Channel
	if wa := cfg.Channels.WhatsApp; wa != nil {
		out = append(out, channel.NewWhatsAppChannel(*wa, opts, log))
	}
	if wh := cfg.Channels.Webhook; wh != nil {
		out = append(out, channel.NewWebhookChannel(*wh, opts, log))
	}
	return out
}

// startChannels starts each channel in order. On failure it returns the
// channels already running so the caller can stop them.
func startChannels(ctx context.Context, channels []domain.Channel, handler domain.MessageHandler, log *slog.Logger) ([]domain.Channel, error) {
	started := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.Start(ctx, handler); err != nil {
			return started, fmt.Errorf("start %s channel: %w", ch.Name(), err)
		}
		log.Info("channel started", "channel", ch.Name())
		started = append(started, ch)
	}
	return started, nil
}

// shutdown stops the channels concurrently, then the reaper, then the app,
// all within the configured grace period.
func shutdown(cfg *config.Config, channels []domain.Channel, reaper *scheduling.Scheduler, a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s channel: %w", ch.Name(), err)
			}
			return nil
		})
	}
	errs := []error{g.Wait()}

	if reaper != nil {
		errs = append(errs, reaper.Stop())
	}
	errs = append(errs, a.Close(ctx))

	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"convoflow/internal/activity"
	"convoflow/internal/api"
	"convoflow/internal/bus"
	"convoflow/internal/channel"
	"convoflow/internal/config"
	"convoflow/internal/delivery"
	"convoflow/internal/dispatch"
	"convoflow/internal/domain"
	"convoflow/internal/executor"
	"convoflow/internal/flow"
	"convoflow/internal/grouping"
	"convoflow/internal/scheduler"
	"convoflow/internal/store"

	"github.com/spf13/cobra"
)

const ledgerPruneInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline (webhooks, dispatcher, scheduler, executor, API)",
		Long:  "Starts every enabled component against the configured database. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.General.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	events := bus.NewEventBus(logger, cfg.General.MaxHistory)

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug("component stopped", "component", name)
		}()
	}

	if cfg.Kafka.Enabled {
		sink := bus.NewKafkaSink(bus.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			BufferSize: cfg.Kafka.BufferSize,
			BatchSize:  cfg.Kafka.BatchSize,
			Logger:     logger,
		})
		sink.Attach(events)
		run("kafka", func(ctx context.Context) {
			if err := sink.Run(ctx); err != nil {
				logger.Error("kafka sink error", "err", err)
			}
		})
	}

	catalog := flow.NewCatalog(s, logger)
	if cfg.Scheduler.FlowsDir != "" {
		results, err := catalog.LoadDirectory(ctx, cfg.Scheduler.FlowsDir)
		if err != nil {
			return fmt.Errorf("load flows: %w", err)
		}
		logger.Info("flows loaded", "dir", cfg.Scheduler.FlowsDir, "count", len(results))
	}

	deliverer := delivery.New(s, deliveryConfig(cfg.Delivery))
	buffer := grouping.New(grouping.Config{Store: s, Events: events, Logger: logger})
	tracker := activity.NewTracker(s, events, logger)

	if cfg.Dispatch.Enabled {
		if cfg.Responder.URL == "" {
			logger.Warn("dispatcher disabled: responder.url is not set")
		} else {
			d := dispatch.New(dispatch.Config{
				Store:                s,
				Responder:            channel.NewHTTPResponder(cfg.Responder),
				Deliverer:            deliverer,
				Events:               events,
				Logger:               logger,
				DefaultBufferSeconds: cfg.Grouping.DefaultBufferSeconds,
				LeaseTimeout:         cfg.Dispatch.LeaseTimeout(),
				PollInterval:         cfg.Dispatch.PollInterval(),
				BatchSize:            cfg.Dispatch.BatchSize,
				Workers:              cfg.Dispatch.Workers,
				MaxAttempts:          cfg.Dispatch.MaxAttempts,
			})
			run("dispatcher", d.Start)
		}
	}

	if cfg.Scheduler.Enabled {
		sch := scheduler.New(scheduler.Config{
			Store:     s,
			Catalog:   catalog,
			Events:    events,
			Logger:    logger,
			Interval:  cfg.Scheduler.Interval(),
			BatchSize: cfg.Scheduler.BatchSize,
			MaxPages:  cfg.Scheduler.MaxPages,
		})
		run("scheduler", sch.Start)
	}

	if cfg.Executor.Enabled {
		if !cfg.WhatsApp.Enabled {
			logger.Warn("flow executor disabled: whatsapp is not enabled, nothing can send")
		} else {
			exec := executor.New(executor.Config{
				Store:         s,
				Sender:        channel.NewCloudSender(cfg.WhatsApp, cfg.Delivery.Timeout(), logger),
				Generator:     generator(cfg.Generator),
				Deliverer:     deliverer,
				Events:        events,
				Logger:        logger,
				Interval:      cfg.Executor.Interval(),
				LeaseTimeout:  cfg.Executor.LeaseTimeout(),
				MaxConcurrent: cfg.Executor.MaxConcurrent,
				MaxAttempts:   cfg.Executor.MaxAttempts,
			})
			run("executor", exec.Start)
		}
	}

	if days := cfg.Delivery.LedgerRetentionDays; days > 0 {
		run("ledger-prune", func(ctx context.Context) {
			pruneLedger(ctx, s, time.Duration(days)*24*time.Hour)
		})
	}

	if cfg.API.Enabled {
		mounts := map[string]http.Handler{}
		if cfg.WhatsApp.Enabled {
			wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{
				Config: cfg.WhatsApp, Ingester: buffer, Events: events, Logger: logger,
			})
			mounts[wa.Path()] = wa.Handler()
			logger.Info("whatsapp webhook enabled", "path", wa.Path())
		}
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		ingest := channel.NewWebhook(channel.WebhookConfig{
			Ingester: buffer, Secret: cfg.API.IngestSecret, Logger: logger,
		})
		srv := api.New(api.Config{
			Host:    cfg.API.Host,
			Port:    cfg.API.Port,
			Store:   s,
			Tracker: tracker,
			Catalog: catalog,
			Events:  events,
			App:     cfg,
			Ingest:  ingest,
			Mounts:  mounts,
			Metrics: metricsPath,
			Logger:  logger,
		})
		run("api", func(ctx context.Context) {
			if err := srv.Start(ctx); err != nil {
				logger.Error("api server error", "err", err)
				stop()
			}
		})
	} else if cfg.WhatsApp.Enabled {
		logger.Warn("whatsapp is enabled but the api server is not; inbound messages will not be received")
	}

	logger.Info("convoflow started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 30 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func deliveryConfig(d config.DeliveryConfig) delivery.Config {
	retries := d.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return delivery.Config{
		MaxRetries:      retries,
		InitialInterval: time.Duration(d.InitialBackoffMs) * time.Millisecond,
		MaxInterval:     time.Duration(d.MaxBackoffMs) * time.Millisecond,
		AttemptTimeout:  d.Timeout(),
		Logger:          logger,
	}
}

// generator returns nil when no endpoint is configured, so ai_function steps
// fail instead of calling an empty URL.
func generator(cfg config.EndpointConfig) domain.Generator {
	if cfg.URL == "" {
		return nil
	}
	return channel.NewHTTPGenerator(cfg)
}

func pruneLedger(ctx context.Context, s *store.Store, retention time.Duration) {
	ticker := time.NewTicker(ledgerPruneInterval)
	defer ticker.Stop()
	for {
		n, err := s.PruneDeliveries(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("delivery ledger prune failed", "err", err)
		} else if n > 0 {
			logger.Info("delivery ledger pruned", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

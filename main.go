package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/cache"
	"quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/dashboard"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/processor"
	"quoteflow/reader/binance"
	"quoteflow/reader/bybit"
	"quoteflow/reader/feed"
	"quoteflow/writer"
)

// source is an inbound adapter feeding the event channel.
type source interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service":     cfg.Quoteflow.Name,
		"version":     cfg.Quoteflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	sub, err := cache.NewSubscription(cfg.Subscription.Instruments, cfg.Subscription.Fields)
	if err != nil {
		log.WithError(err).Error("invalid subscription")
		os.Exit(1)
	}

	observers := []cache.Observers{completionTimer()}

	var publisher *writer.NotificationPublisher
	if cfg.Storage.Kafka.Enabled {
		publisher, err = writer.NewNotificationPublisher(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		observers = append(observers, publisher.Observers())
	} else {
		log.WithComponent("main").Info("kafka publishing disabled")
	}

	var natsPublisher *writer.NATSPublisher
	if cfg.Storage.NATS.Enabled {
		natsPublisher, err = writer.NewNATSPublisher(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create nats publisher")
			os.Exit(1)
		}
		observers = append(observers, natsPublisher.Observers())
	}

	var mirror *writer.RedisMirror
	if cfg.Storage.Redis.Enabled {
		mirror, err = writer.NewRedisMirror(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create redis mirror")
			os.Exit(1)
		}
		observers = append(observers, mirror.Observers())
	}

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Storage.S3.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		observers = append(observers, snapshotWriter.Observers())
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping snapshot exports")
	}

	quotes := cache.New(cache.Options{
		Workers:     cfg.Notifier.Workers,
		QueueSize:   cfg.Notifier.QueueSize,
		ErrorBuffer: cfg.Notifier.ErrorBuffer,
		Log:         log,
	}, observers...)

	events := channel.NewEvents("events", cfg.Channels.EventBuffer)
	metrics.StartChannelSizeMetrics(ctx, metrics.ReportInterval(), events)

	dispatcher := processor.NewDispatcher(events, quotes)

	var sources []source
	if cfg.Source.Feed.Enabled {
		sources = append(sources, feed.NewReader(cfg.Source.Feed, events, sub.Instruments, sub.Fields))
	}
	if cfg.Source.Binance.Enabled {
		sources = append(sources, binance.NewReader(cfg.Source.Binance, events))
	}
	if cfg.Source.Bybit.Enabled {
		sources = append(sources, bybit.NewReader(cfg.Source.Bybit, events))
	}
	if len(sources) == 0 {
		log.WithComponent("main").Warn("no sources enabled; cache will only complete on close")
	}

	if err := quotes.Open(sub); err != nil {
		log.WithError(err).Error("failed to open cache")
		os.Exit(1)
	}

	if publisher != nil {
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Error("kafka publisher failed to start")
			os.Exit(1)
		}
	}
	if snapshotWriter != nil {
		if err := snapshotWriter.Start(ctx, quotes); err != nil {
			log.WithError(err).Error("s3 writer failed to start")
			os.Exit(1)
		}
	}

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("dispatcher failed to start")
		os.Exit(1)
	}

	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	for _, s := range sources {
		if err := s.Start(srcCtx); err != nil {
			log.WithError(err).Warn("source failed to start")
		}
	}

	var wg sync.WaitGroup

	dashCtx, stopDashboard := context.WithCancel(ctx)
	defer stopDashboard()
	dash, err := dashboard.NewServer(cfg.Dashboard, quotes, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(dashCtx); err != nil {
				log.WithError(err).Warn("dashboard stopped with error")
			}
		}()
	}

	log.WithFields(logger.Fields{
		"cache_id":    quotes.ID(),
		"instruments": len(sub.Instruments),
		"fields":      len(sub.Fields),
		"sources":     len(sources),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping sources")
	stopSources()
	for _, s := range sources {
		s.Stop()
	}

	// Closing the channel lets the dispatcher apply what is already queued.
	events.Close()
	dispatcher.Stop()

	status := quotes.Close()
	select {
	case <-quotes.Done():
	case <-time.After(30 * time.Second):
		log.Warn("timed out delivering queued notifications")
	}

	if snapshotWriter != nil {
		log.Info("stopping S3 writer")
		if err := snapshotWriter.Stop(quotes); err != nil {
			log.WithError(err).Warn("s3 writer stopped with error")
		}
	}
	if publisher != nil {
		log.Info("stopping kafka publisher")
		publisher.Stop()
	}
	if natsPublisher != nil {
		log.Info("stopping nats publisher")
		natsPublisher.Stop()
	}
	if mirror != nil {
		log.Info("stopping redis mirror")
		mirror.Stop()
	}

	stopDashboard()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.WithFields(logger.Fields{
		"completion": status.Completion.String(),
		"pending":    status.Pending,
	}).Info("quoteflow stopped")
}

// completionTimer records how long the cache took to reach completion.
func completionTimer() cache.Observers {
	return cache.Observers{
		OnComplete: func(c *cache.Cache) error {
			st := c.Status()
			if !st.OpenedAt.IsZero() && !st.CompletedAt.IsZero() {
				metrics.ObserveCompletion(st.CompletedAt.Sub(st.OpenedAt).Seconds())
			}
			return nil
		},
	}
}

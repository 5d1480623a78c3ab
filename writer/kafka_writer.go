package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
)

// ErrPublishQueueFull is returned to the cache when notifications arrive
// faster than Kafka accepts them.
var ErrPublishQueueFull = errors.New("notification publish queue full")

// ErrPublisherStopped is returned for notifications that arrive after Stop.
var ErrPublisherStopped = errors.New("notification publisher stopped")

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotificationPublisher forwards cache notifications to a Kafka topic, keyed
// by instrument so a partition sees one instrument's notifications in order.
type NotificationPublisher struct {
	config  *appconfig.Config
	writer  MessageWriter
	pending chan Notification
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	published atomic.Int64
	bytes     atomic.Int64
	failed    atomic.Int64
}

func NewNotificationPublisher(cfg *appconfig.Config) (*NotificationPublisher, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	np := newNotificationPublisher(cfg, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Storage.Kafka.Brokers...),
		Topic:        cfg.Storage.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
	np.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("kafka publisher initialized")
	return np, nil
}

func newNotificationPublisher(cfg *appconfig.Config, w MessageWriter) *NotificationPublisher {
	size := cfg.Notifier.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &NotificationPublisher{
		config:  cfg,
		writer:  w,
		pending: make(chan Notification, size),
		log:     logger.GetLogger(),
	}
}

// Observers returns hooks for all four slots. A hook fails when the publisher
// is stopped or its queue is full, which the cache reports on Errors.
func (np *NotificationPublisher) Observers() cache.Observers {
	return notificationObservers(np.publish)
}

func (np *NotificationPublisher) publish(n Notification) error {
	np.mu.RLock()
	defer np.mu.RUnlock()
	if !np.running {
		return ErrPublisherStopped
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	select {
	case np.pending <- n:
		return nil
	default:
		np.failed.Add(1)
		return ErrPublishQueueFull
	}
}

func (np *NotificationPublisher) Start(ctx context.Context) error {
	np.mu.Lock()
	if np.running {
		np.mu.Unlock()
		return fmt.Errorf("kafka publisher already running")
	}
	np.running = true
	np.ctx = ctx
	np.mu.Unlock()

	np.log.WithComponent("kafka_writer").Debug("starting kafka publisher")

	np.wg.Add(1)
	go np.run()

	return nil
}

func (np *NotificationPublisher) run() {
	defer np.wg.Done()

	for n := range np.pending {
		msg, err := buildMessage(n)
		if err != nil {
			np.failed.Add(1)
			np.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal notification")
			continue
		}
		if err := np.writer.WriteMessages(context.WithoutCancel(np.ctx), msg); err != nil {
			np.failed.Add(1)
			metrics.IncrementExport("kafka", false)
			np.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
				"type":       n.Type,
				"instrument": n.Instrument,
			}).Warn("failed to write message")
			continue
		}
		np.published.Add(1)
		np.bytes.Add(int64(len(msg.Value)))
		metrics.IncrementExport("kafka", true)
	}
}

func buildMessage(n Notification) (kafka.Message, error) {
	data, err := n.encode()
	if err != nil {
		return kafka.Message{}, err
	}
	key := n.Instrument
	if key == "" {
		key = n.CacheID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  n.Timestamp,
	}, nil
}

// Stop rejects further notifications, publishes what is queued and closes
// the Kafka writer.
func (np *NotificationPublisher) Stop() {
	np.mu.Lock()
	if !np.running {
		np.mu.Unlock()
		return
	}
	np.running = false
	close(np.pending)
	np.mu.Unlock()

	np.log.WithComponent("kafka_writer").Debug("stopping kafka publisher")
	np.wg.Wait()
	if err := np.writer.Close(); err != nil {
		np.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(np.log, "kafka_writer", np.Stats())
	np.log.WithComponent("kafka_writer").Debug("kafka publisher stopped")
}

func (np *NotificationPublisher) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: np.published.Load(),
		RowsWritten:    np.published.Load(),
		BytesWritten:   np.bytes.Load(),
		ErrorsCount:    np.failed.Load(),
	}
}

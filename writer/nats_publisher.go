package writer

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
)

// SubjectPublisher is satisfied by *nats.Conn.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes cache notifications on per-instrument subjects:
// <prefix>.<type>.<instrument>, and <prefix>.complete.<cache id>.
//
// Publishing happens on the notifier goroutine. nats.Conn buffers writes
// and keeps buffering across reconnects, so a hook only fails when the
// connection is closed or the reconnect buffer is full.
type NATSPublisher struct {
	conn    SubjectPublisher
	prefix  string
	log     *logger.Log
	mu      sync.RWMutex
	stopped bool

	published atomic.Int64
	bytes     atomic.Int64
	failed    atomic.Int64
}

func NewNATSPublisher(cfg *appconfig.Config) (*NATSPublisher, error) {
	log := logger.GetLogger()
	name := cfg.Quoteflow.Name
	if name == "" {
		name = "quoteflow"
	}

	nc, err := nats.Connect(cfg.Storage.NATS.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithComponent("nats_publisher").WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithComponent("nats_publisher").WithFields(logger.Fields{"url": c.ConnectedUrl()}).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Storage.NATS.URL, err)
	}

	log.WithComponent("nats_publisher").WithFields(logger.Fields{
		"url":    cfg.Storage.NATS.URL,
		"prefix": cfg.Storage.NATS.SubjectPrefix,
	}).Info("nats publisher connected")

	return newNATSPublisher(cfg, nc), nil
}

func newNATSPublisher(cfg *appconfig.Config, conn SubjectPublisher) *NATSPublisher {
	prefix := strings.Trim(cfg.Storage.NATS.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "quoteflow"
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		log:    logger.GetLogger(),
	}
}

func (p *NATSPublisher) Observers() cache.Observers {
	return notificationObservers(p.publish)
}

func (p *NATSPublisher) publish(n Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPublisherStopped
	}

	data, err := n.encode()
	if err != nil {
		p.failed.Add(1)
		return err
	}
	if err := p.conn.Publish(p.subject(n), data); err != nil {
		p.failed.Add(1)
		metrics.IncrementExport("nats", false)
		return fmt.Errorf("nats publish %s: %w", n.Type, err)
	}
	p.published.Add(1)
	p.bytes.Add(int64(len(data)))
	metrics.IncrementExport("nats", true)
	return nil
}

func (p *NATSPublisher) subject(n Notification) string {
	key := n.Instrument
	if key == "" {
		key = n.CacheID
	}
	return p.prefix + "." + n.Type + "." + subjectToken(key)
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// Stop flushes buffered messages and closes the connection.
func (p *NATSPublisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if err := p.conn.Drain(); err != nil {
		p.log.WithComponent("nats_publisher").WithError(err).Warn("failed to drain nats connection")
	}
	metrics.ReportWriter(p.log, "nats_publisher", p.Stats())
}

func (p *NATSPublisher) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: p.published.Load(),
		RowsWritten:    p.published.Load(),
		BytesWritten:   p.bytes.Load(),
		ErrorsCount:    p.failed.Load(),
	}
}

package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	exportReasonComplete = "complete"
	exportReasonInterval = "interval"
	exportReasonShutdown = "shutdown"
)

// ErrExportQueueFull is returned to the cache when a completion snapshot
// arrives while the previous exports are still uploading.
var ErrExportQueueFull = errors.New("snapshot export queue full")

// ObjectStore is the subset of the S3 client the writer needs.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotSource is what the writer reads on its flush ticker.
type SnapshotSource interface {
	ID() string
	Snapshot() models.Snapshot
}

type exportJob struct {
	cacheID string
	snap    models.Snapshot
	reason  string
}

// SnapshotWriter uploads cache snapshots to S3 as parquet objects. It exports
// once when the cache completes and, when flush_interval is set, on a ticker.
type SnapshotWriter struct {
	config *appconfig.Config
	store  ObjectStore
	jobs   chan exportJob
	log    *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	batchesWritten atomic.Int64
	rowsWritten    atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
}

func NewSnapshotWriter(cfg *appconfig.Config) (*SnapshotWriter, error) {
	s3cfg := cfg.Storage.S3

	var opts []func(*awsconfig.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s3cfg.Region))
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	return newSnapshotWriter(cfg, client), nil
}

func newSnapshotWriter(cfg *appconfig.Config, store ObjectStore) *SnapshotWriter {
	return &SnapshotWriter{
		config: cfg,
		store:  store,
		jobs:   make(chan exportJob, 8),
		log:    logger.GetLogger(),
	}
}

// Observers returns the completion hook to register on a cache. The snapshot
// is taken on the notifier goroutine and uploaded by the writer's worker.
func (w *SnapshotWriter) Observers() cache.Observers {
	return cache.Observers{
		OnComplete: func(c *cache.Cache) error {
			return w.enqueue(exportJob{cacheID: c.ID(), snap: c.Snapshot(), reason: exportReasonComplete})
		},
	}
}

func (w *SnapshotWriter) enqueue(job exportJob) error {
	select {
	case w.jobs <- job:
		return nil
	default:
		w.errorsCount.Add(1)
		return ErrExportQueueFull
	}
}

// Start launches the upload worker. A nil source disables periodic flushes.
func (w *SnapshotWriter) Start(ctx context.Context, source SnapshotSource) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("snapshot writer already running")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	log := w.log.WithComponent("s3_writer")
	log.WithFields(logger.Fields{
		"bucket":         w.config.Storage.S3.Bucket,
		"prefix":         w.config.Storage.S3.Prefix,
		"flush_interval": w.config.Storage.S3.FlushInterval,
	}).Info("starting snapshot writer")

	w.wg.Add(1)
	go w.run()

	if source != nil && w.config.Storage.S3.FlushInterval > 0 {
		w.wg.Add(1)
		go w.flushLoop(source, w.config.Storage.S3.FlushInterval)
	}
	return nil
}

func (w *SnapshotWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case job := <-w.jobs:
			w.handle(job)
		}
	}
}

// drain uploads whatever was queued before shutdown.
func (w *SnapshotWriter) drain() {
	for {
		select {
		case job := <-w.jobs:
			w.handle(job)
		default:
			return
		}
	}
}

func (w *SnapshotWriter) handle(job exportJob) {
	if err := w.Export(context.WithoutCancel(w.ctx), job.cacheID, job.snap, job.reason); err != nil {
		w.log.WithComponent("s3_writer").WithError(err).WithFields(logger.Fields{
			"cache_id": job.cacheID,
			"reason":   job.reason,
		}).Error("snapshot export failed")
	}
}

func (w *SnapshotWriter) flushLoop(source SnapshotSource, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			job := exportJob{cacheID: source.ID(), snap: source.Snapshot(), reason: exportReasonInterval}
			if err := w.enqueue(job); err != nil {
				w.log.WithComponent("s3_writer").WithError(err).Warn("skipping periodic snapshot export")
			}
		}
	}
}

// Export encodes snap as parquet and uploads it synchronously.
func (w *SnapshotWriter) Export(ctx context.Context, cacheID string, snap models.Snapshot, reason string) error {
	start := time.Now()
	batchID := uuid.NewString()

	records := snapshotRecords(snap, batchID, cacheID)
	if len(records) == 0 {
		return nil
	}

	data, err := encodeParquet(records, w.config.Storage.S3.Compression)
	if err != nil {
		w.errorsCount.Add(1)
		metrics.IncrementExport("s3", false)
		return err
	}

	key := w.generateS3Key(snap.TakenAt, batchID, reason)
	_, err = w.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"cache-id":   cacheID,
			"batch-id":   batchID,
			"reason":     reason,
			"completion": snap.Completion.String(),
			"rows":       fmt.Sprintf("%d", len(snap.Rows)),
		},
	})
	if err != nil {
		w.errorsCount.Add(1)
		metrics.IncrementExport("s3", false)
		return fmt.Errorf("failed to upload snapshot to s3://%s/%s: %w", w.config.Storage.S3.Bucket, key, err)
	}

	w.batchesWritten.Add(1)
	w.rowsWritten.Add(int64(len(records)))
	w.bytesWritten.Add(int64(len(data)))
	metrics.IncrementExport("s3", true)

	logger.LogPerformanceEntry(w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"key":     key,
		"records": len(records),
		"bytes":   len(data),
		"reason":  reason,
	}), "s3_writer", "export_snapshot", time.Since(start), nil)
	return nil
}

// generateS3Key lays snapshots out as
// <prefix>/<name>/date=YYYY-MM-DD/hour=HH/snapshot_<unixms>_<reason>_<batch>.parquet.
func (w *SnapshotWriter) generateS3Key(takenAt time.Time, batchID, reason string) string {
	t := takenAt.UTC()
	name := w.config.Quoteflow.Name
	if name == "" {
		name = "quoteflow"
	}

	parts := []string{}
	if prefix := strings.Trim(w.config.Storage.S3.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		name,
		"date="+t.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", t.Hour()),
		fmt.Sprintf("snapshot_%d_%s_%s.parquet", t.UnixMilli(), reason, batchID),
	)
	return path.Join(parts...)
}

// Stop flushes one final shutdown snapshot when source is non-nil, then waits
// for queued uploads.
func (w *SnapshotWriter) Stop(source SnapshotSource) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	if source != nil {
		if err := w.enqueue(exportJob{cacheID: source.ID(), snap: source.Snapshot(), reason: exportReasonShutdown}); err != nil {
			w.log.WithComponent("s3_writer").WithError(err).Warn("skipping shutdown snapshot export")
		}
	}

	w.cancel()
	w.wg.Wait()

	metrics.ReportWriter(w.log, "s3_writer", w.Stats())
	w.log.WithComponent("s3_writer").Info("snapshot writer stopped")
	return nil
}

func (w *SnapshotWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: w.batchesWritten.Load(),
		RowsWritten:    w.rowsWritten.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		ErrorsCount:    w.errorsCount.Load(),
	}
}

package writer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	redisOpTimeout = 2 * time.Second

	hashStatus        = "_status"
	hashStatusMessage = "_status_message"
	hashUpdatedAt     = "_updated_at"
)

// HashStore is the storage the mirror writes to.
type HashStore interface {
	// ReplaceHash atomically swaps the whole hash at key for values.
	ReplaceHash(ctx context.Context, key string, values map[string]string, ttl time.Duration) error
	// SetHashFields merges values into the hash at key.
	SetHashFields(ctx context.Context, key string, values map[string]string, ttl time.Duration) error
	Close() error
}

// RedisMirror keeps one Redis hash per instrument in step with the cache, so
// other processes can read live quotes without subscribing to the feed.
// Null values are stored as empty strings.
type RedisMirror struct {
	store  HashStore
	prefix string
	ttl    time.Duration
	log    *logger.Log

	writes atomic.Int64
	failed atomic.Int64
}

func NewRedisMirror(cfg *appconfig.Config) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Address,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Storage.Redis.Address, err)
	}

	logger.GetLogger().WithComponent("redis_mirror").WithFields(logger.Fields{
		"address": cfg.Storage.Redis.Address,
		"db":      cfg.Storage.Redis.DB,
	}).Info("redis mirror connected")

	return newRedisMirror(cfg, &redisStore{client: client}), nil
}

func newRedisMirror(cfg *appconfig.Config, store HashStore) *RedisMirror {
	prefix := strings.TrimSuffix(cfg.Storage.Redis.KeyPrefix, ":")
	if prefix == "" {
		prefix = "quoteflow"
	}
	return &RedisMirror{
		store:  store,
		prefix: prefix,
		ttl:    cfg.Storage.Redis.TTL,
		log:    logger.GetLogger(),
	}
}

func (m *RedisMirror) quoteKey(instrument string) string {
	return m.prefix + ":quote:" + instrument
}

func (m *RedisMirror) cacheKey(id string) string {
	return m.prefix + ":cache:" + id
}

func (m *RedisMirror) Observers() cache.Observers {
	return cache.Observers{
		OnRefresh: func(c *cache.Cache, instrument string, fields models.Fields) error {
			values := fieldValues(fields)
			// a refresh replaces the image, so keep the last known status
			if rec, ok := c.Record(instrument); ok {
				values[hashStatus] = rec.Status.String()
				values[hashStatusMessage] = rec.StatusMessage
			}
			return m.write(instrument, true, values)
		},
		OnUpdate: func(c *cache.Cache, instrument string, changed models.Fields) error {
			return m.write(instrument, false, fieldValues(changed))
		},
		OnStatus: func(c *cache.Cache, instrument string, status models.InstrumentStatus, message string) error {
			return m.write(instrument, false, map[string]string{
				hashStatus:        status.String(),
				hashStatusMessage: message,
			})
		},
		OnComplete: func(c *cache.Cache) error {
			st := c.Status()
			return m.apply(m.cacheKey(c.ID()), false, map[string]string{
				"completion":   st.Completion.String(),
				"completed_at": st.CompletedAt.UTC().Format(time.RFC3339Nano),
				"instruments":  fmt.Sprintf("%d", len(c.Subscription().Instruments)),
			})
		},
	}
}

func (m *RedisMirror) write(instrument string, replace bool, values map[string]string) error {
	values[hashUpdatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return m.apply(m.quoteKey(instrument), replace, values)
}

func (m *RedisMirror) apply(key string, replace bool, values map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var err error
	if replace {
		err = m.store.ReplaceHash(ctx, key, values, m.ttl)
	} else {
		err = m.store.SetHashFields(ctx, key, values, m.ttl)
	}
	if err != nil {
		m.failed.Add(1)
		metrics.IncrementExport("redis", false)
		return fmt.Errorf("redis write %s: %w", key, err)
	}
	m.writes.Add(1)
	metrics.IncrementExport("redis", true)
	return nil
}

func fieldValues(fields models.Fields) map[string]string {
	out := make(map[string]string, len(fields)+3)
	for name, v := range fields {
		if v.IsNull() {
			out[name] = ""
			continue
		}
		out[name] = v.String()
	}
	return out
}

func (m *RedisMirror) Stop() {
	if err := m.store.Close(); err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).Warn("failed to close redis client")
	}
	metrics.ReportWriter(m.log, "redis_mirror", m.Stats())
}

func (m *RedisMirror) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: m.writes.Load(),
		ErrorsCount:    m.failed.Load(),
	}
}

func hashArgs(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// redisStore implements HashStore on a go-redis client.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) ReplaceHash(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashArgs(values))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (s *redisStore) SetHashFields(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hashArgs(values))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

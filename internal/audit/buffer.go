package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/logging"
)

const redisKey = "ceres:audit"

// RedisBuffer stages audit events in a Redis list and flushes them in batches
// to the configured sink URL.
type RedisBuffer struct {
	rdb  *redis.Client
	http *http.Client
	sink string
	max  int
	tick time.Duration
	stop chan struct{}
}

// Config for the Redis-backed recorder.
type Config struct {
	RedisAddr string
	SinkURL   string
	MaxBatch  int
	Interval  time.Duration
}

// FromEnv reads AUDIT_REDIS_ADDR, AUDIT_SINK_URL, AUDIT_BATCH_MAX and
// AUDIT_INTERVAL_SECONDS.
func FromEnv() Config {
	cfg := Config{
		RedisAddr: os.Getenv("AUDIT_REDIS_ADDR"),
		SinkURL:   os.Getenv("AUDIT_SINK_URL"),
		MaxBatch:  100,
		Interval:  10 * time.Second,
	}
	if v, err := strconv.Atoi(os.Getenv("AUDIT_BATCH_MAX")); err == nil && v > 0 {
		cfg.MaxBatch = v
	}
	if v, err := strconv.Atoi(os.Getenv("AUDIT_INTERVAL_SECONDS")); err == nil && v > 0 {
		cfg.Interval = time.Duration(v) * time.Second
	}
	return cfg
}

// NewRecorder builds a Redis-backed recorder, or a Nop when no Redis address
// is configured so the operator runs without an audit stack.
func NewRecorder(cfg Config) Recorder {
	if cfg.RedisAddr == "" {
		return Nop{}
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &RedisBuffer{
		rdb:  redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		http: http.DefaultClient,
		sink: cfg.SinkURL,
		max:  cfg.MaxBatch,
		tick: cfg.Interval,
		stop: make(chan struct{}),
	}
}

func (b *RedisBuffer) Record(e Event) {
	raw, err := json.Marshal(fill(e))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.RPush(ctx, redisKey, raw).Err(); err != nil {
		logging.L.Warn("audit enqueue failed", zap.Error(err))
	}
}

func (b *RedisBuffer) Run() {
	go b.loop()
}

func (b *RedisBuffer) Stop() { close(b.stop) }

func (b *RedisBuffer) loop() {
	t := time.NewTicker(b.tick)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			b.flush()
			return
		case <-t.C:
			b.flush()
		}
	}
}

// flush drains up to max staged events into one POST. Failed batches are
// pushed back so nothing is lost across sink outages. Without a sink URL the
// list is left untouched; events stay staged until one is configured.
func (b *RedisBuffer) flush() {
	if b.sink == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	batch := make([]json.RawMessage, 0, b.max)
	for len(batch) < b.max {
		raw, err := b.rdb.LPop(ctx, redisKey).Bytes()
		if err != nil {
			break
		}
		batch = append(batch, raw)
	}
	if len(batch) == 0 {
		return
	}

	body, _ := json.Marshal(batch)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.sink, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil || resp.StatusCode >= 300 {
		if resp != nil {
			_ = resp.Body.Close()
		}
		logging.L.Warn("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		for _, raw := range batch {
			_ = b.rdb.RPush(ctx, redisKey, []byte(raw)).Err()
		}
		return
	}
	_ = resp.Body.Close()
}

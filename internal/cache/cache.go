// Package cache mirrors live operational state into redis: the latest
// book snapshot per market, queue depth and drop counters, and recent
// dead letters. Everything here is best effort; the pipeline never
// blocks on redis and the process runs fine without it.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/writer"
)

const (
	opTimeout      = 500 * time.Millisecond
	latestTTL      = 30 * time.Minute
	deadLetterKey  = "deadletter:recent"
	deadLetterKeep = 100
)

// Cache is a thin go-redis wrapper. A cache built from an empty addr is
// disabled: every method is a no-op and reads miss.
type Cache struct {
	rdb *redis.Client
}

// New builds the cache client. An empty addr yields a disabled cache.
func New(cfg config.RedisConfig) *Cache {
	if cfg.Addr == "" {
		return &Cache{}
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Enabled reports whether a redis backend is configured.
func (c *Cache) Enabled() bool { return c.rdb != nil }

// Ping verifies connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func bookKey(exchangeName string) string { return "book:latest:" + exchangeName }

// SetBookSnapshot stores the latest snapshot for one symbol as a field
// of the exchange hash. The hash expires as a whole; a stopped feed
// ages out with it.
func (c *Cache) SetBookSnapshot(ctx context.Context, exchangeName, symbol string, snap model.BookSnapshot) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("marshal book snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	key := bookKey(exchangeName)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, symbol, data)
	pipe.Expire(ctx, key, latestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("exchange", exchangeName).
			Str("symbol", symbol).
			Msg("cache book snapshot failed")
	}
}

// GetBookSnapshot returns the cached snapshot JSON for one symbol.
func (c *Cache) GetBookSnapshot(ctx context.Context, exchangeName, symbol string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := c.rdb.HGet(ctx, bookKey(exchangeName), symbol).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("exchange", exchangeName).Msg("cache book read failed")
		}
		return nil, false
	}
	return raw, true
}

// SetQueueDepth mirrors one topic's depth and cumulative drop count in
// a single round trip.
func (c *Cache) SetQueueDepth(ctx context.Context, topic string, depth int, drops int64) {
	if c.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, "queue:depth:"+topic, strconv.Itoa(depth), latestTTL)
	pipe.Set(ctx, "queue:drops:"+topic, strconv.FormatInt(drops, 10), latestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("cache queue mirror failed")
	}
}

// DeadLetters returns a sink that mirrors dead-letter records into a
// capped redis list, newest first.
func (c *Cache) DeadLetters() *DeadLetterList {
	return &DeadLetterList{c: c}
}

// DeadLetterList implements writer.DeadLetterSink on top of the cache.
type DeadLetterList struct {
	c *Cache
}

var _ writer.DeadLetterSink = (*DeadLetterList)(nil)

func (l *DeadLetterList) Record(ctx context.Context, dl writer.DeadLetter) {
	if l.c.rdb == nil {
		return
	}
	data, err := json.Marshal(dl)
	if err != nil {
		log.Error().Err(err).Msg("marshal dead letter")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := l.c.rdb.Pipeline()
	pipe.LPush(ctx, deadLetterKey, data)
	pipe.LTrim(ctx, deadLetterKey, 0, deadLetterKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("topic", dl.Topic).Msg("cache dead letter failed")
	}
}

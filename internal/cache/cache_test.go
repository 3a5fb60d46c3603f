package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/writer"
)

func TestDisabledCacheIsNoOp(t *testing.T) {
	c := New(config.RedisConfig{})
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.Ping(ctx))

	c.SetBookSnapshot(ctx, "binance", "BTCUSDT", model.BookSnapshot{})
	c.SetQueueDepth(ctx, "trades", 1, 0)
	c.DeadLetters().Record(ctx, writer.NewDeadLetter("trades", 1, "x"))

	raw, ok := c.GetBookSnapshot(ctx, "binance", "BTCUSDT")
	assert.False(t, ok)
	assert.Nil(t, raw)
	assert.NoError(t, c.Close())
}

func TestBookSnapshotRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Cache{rdb: db}
	ctx := context.Background()

	snap := model.BookSnapshot{
		MarketID: 7,
		Time:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdateID: 42,
		Bids:     []model.BookLevel{{Price: 50000, Quantity: 2}},
		Asks:     []model.BookLevel{{Price: 50001, Quantity: 1}},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectHSet("book:latest:binance", "BTCUSDT", data).SetVal(1)
	mock.ExpectExpire("book:latest:binance", latestTTL).SetVal(true)
	c.SetBookSnapshot(ctx, "binance", "BTCUSDT", snap)

	mock.ExpectHGet("book:latest:binance", "BTCUSDT").SetVal(string(data))
	raw, ok := c.GetBookSnapshot(ctx, "binance", "BTCUSDT")
	require.True(t, ok)

	var got model.BookSnapshot
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, int64(7), got.MarketID)
	assert.Equal(t, int64(42), got.UpdateID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookSnapshotMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Cache{rdb: db}

	mock.ExpectHGet("book:latest:bybit", "ETHUSDT").RedisNil()
	raw, ok := c.GetBookSnapshot(context.Background(), "bybit", "ETHUSDT")
	assert.False(t, ok)
	assert.Nil(t, raw)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetQueueDepthMirrorsBothCounters(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Cache{rdb: db}

	mock.ExpectSet("queue:depth:trades", "42", latestTTL).SetVal("OK")
	mock.ExpectSet("queue:drops:trades", "7", latestTTL).SetVal("OK")
	c.SetQueueDepth(context.Background(), "trades", 42, 7)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterListPushesAndTrims(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Cache{rdb: db}

	dl := writer.NewDeadLetter("candles", 500, "insert failed")
	data, err := json.Marshal(dl)
	require.NoError(t, err)

	mock.ExpectLPush(deadLetterKey, data).SetVal(1)
	mock.ExpectLTrim(deadLetterKey, 0, deadLetterKeep-1).SetVal("OK")
	c.DeadLetters().Record(context.Background(), dl)
	require.NoError(t, mock.ExpectationsWereMet())
}

package bybit

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

func TestTopicGrammar(t *testing.T) {
	tests := []struct {
		stream exchange.Stream
		want   string
	}{
		{exchange.Stream{Kind: exchange.StreamTrades, Symbol: "BTCUSDT"}, "trade.BTCUSDT"},
		{exchange.Stream{Kind: exchange.StreamOrderBook, Symbol: "BTCUSDT", Depth: 50}, "orderbook.50.BTCUSDT"},
		{exchange.Stream{Kind: exchange.StreamOrderBook, Symbol: "ETHUSDT"}, "orderbook.50.ETHUSDT"},
		{exchange.Stream{Kind: exchange.StreamKlines, Symbol: "BTCUSDT", Timeframe: model.TF5m}, "kline.5.BTCUSDT"},
		{exchange.Stream{Kind: exchange.StreamKlines, Symbol: "ETHUSDT", Timeframe: model.TF1d}, "kline.D.ETHUSDT"},
	}
	for _, tc := range tests {
		got, err := Topic(tc.stream)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestSubscribeFramesArgCap(t *testing.T) {
	d := NewDialer()

	var streams []exchange.Stream
	for i := 0; i < 23; i++ {
		streams = append(streams, exchange.Stream{Kind: exchange.StreamTrades, Symbol: fmt.Sprintf("S%dUSDT", i)})
	}

	frames, err := d.SubscribeFrames(streams)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var sizes []int
	for _, raw := range frames {
		var f opFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.Equal(t, "subscribe", f.Op)
		assert.NotEmpty(t, f.ReqID)
		assert.LessOrEqual(t, len(f.Args), 10)
		sizes = append(sizes, len(f.Args))
	}
	assert.Equal(t, []int{10, 10, 3}, sizes)
}

func TestHeartbeatIsPingOp(t *testing.T) {
	d := NewDialer()
	var f opFrame
	require.NoError(t, json.Unmarshal(d.Heartbeat(), &f))
	assert.Equal(t, "ping", f.Op)
}

func TestParseTradeBatch(t *testing.T) {
	d := NewDialer()
	raw := []byte(`{"topic":"trade.BTCUSDT","type":"snapshot","ts":1672304486868,"data":[
		{"T":1672304486865,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"16578.50","i":"trade1"},
		{"T":1672304486866,"s":"BTCUSDT","S":"Sell","v":"0.005","p":"16578.00","i":"trade2"}
	]}`)

	msg, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Trades, 2, "one frame can carry several trades")

	assert.Equal(t, "trade1", msg.Trades[0].ID)
	assert.Equal(t, model.SideBuy, msg.Trades[0].Side)
	assert.Equal(t, 16578.50, msg.Trades[0].Price)
	assert.Equal(t, model.SideSell, msg.Trades[1].Side)
}

func TestParseBookSnapshotAndDelta(t *testing.T) {
	d := NewDialer()

	snap := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1672304484978,"data":{"s":"BTCUSDT","b":[["16493.50","0.006"],["16493.00","0.100"]],"a":[["16611.00","0.029"]],"u":18521288,"seq":7961638724}}`)
	msg, err := d.Parse(snap)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.True(t, msg.Depth.Snapshot)
	assert.Equal(t, int64(18521288), msg.Depth.FirstUpdateID)
	assert.Equal(t, int64(18521288), msg.Depth.FinalUpdateID, "single sequence carried in both bounds")
	assert.Equal(t, time.UnixMilli(1672304484978).UTC(), msg.Depth.Time)
	require.Len(t, msg.Depth.Bids, 2)

	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1672304484988,"data":{"s":"BTCUSDT","b":[["16493.50","0"]],"a":[],"u":18521289,"seq":7961638725}}`)
	msg, err = d.Parse(delta)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.False(t, msg.Depth.Snapshot)
	assert.Equal(t, 0.0, msg.Depth.Bids[0].Quantity, "zero qty removes the level")
}

func TestParseKlineConfirm(t *testing.T) {
	d := NewDialer()
	raw := []byte(`{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1672324800123,"data":[
		{"start":1672324740000,"end":1672324799999,"interval":"1","open":"16649.5","close":"16677","high":"16677","low":"16608","volume":"2.081","turnover":"34666.4","confirm":true},
		{"start":1672324800000,"end":1672324859999,"interval":"1","open":"16677","close":"16678","high":"16678","low":"16677","volume":"0.1","turnover":"1667.7","confirm":false}
	]}`)

	msg, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Klines, 2)

	assert.Equal(t, "BTCUSDT", msg.Klines[0].Symbol, "symbol comes from the topic")
	assert.True(t, msg.Klines[0].Closed)
	assert.False(t, msg.Klines[1].Closed)
	assert.Equal(t, model.TF1m, msg.Klines[0].Timeframe)
	assert.Equal(t, time.UnixMilli(1672324740000).UTC(), msg.Klines[0].OpenTime)
}

func TestParseServiceFrames(t *testing.T) {
	d := NewDialer()

	msg, err := d.Parse([]byte(`{"success":true,"ret_msg":"","conn_id":"abc","req_id":"2","op":"subscribe"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.Equal(t, int64(2), msg.Ack.ID)
	assert.True(t, msg.Ack.OK)

	msg, err = d.Parse([]byte(`{"success":false,"ret_msg":"error:handler not found","req_id":"3","op":"subscribe"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.False(t, msg.Ack.OK)

	msg, err = d.Parse([]byte(`{"op":"pong"}`))
	require.NoError(t, err)
	assert.True(t, msg.Pong)

	msg, err = d.Parse([]byte(`{"ret_msg":"pong","op":"ping","conn_id":"x"}`))
	require.NoError(t, err)
	assert.True(t, msg.Pong)
}

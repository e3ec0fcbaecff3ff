package feed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestEncodeEnvelope
func TestEncodeEnvelope(t *testing.T) {
	msg, err := Encode(EventSubscribeChart, SubscribeChartParams{Identifier: "abc", Timeframe: "1m"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribeToChart","data":{"identifier":"abc","timeframe":"1m"}}`, string(msg))

	msg, err = Encode(EventUnsubscribeTokens, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"unSubscribeTokens"}`, string(msg))
}

// go test -v --run TestWireBarToBar
func TestWireBarToBar(t *testing.T) {
	var upd ChartUpdate
	require.NoError(t, json.Unmarshal(
		[]byte(`{"identifier":"abc","bar":{"time":1700000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10,"marketCap":150000}}`),
		&upd))

	bar := upd.Bar.ToBar()
	assert.Equal(t, int64(1700000000000), bar.Time)
	assert.Equal(t, 1.5, bar.Close)
	require.NotNil(t, upd.Bar.MarketCap)
	assert.Equal(t, 150000.0, *upd.Bar.MarketCap)
}

// go test -v --run TestParseMetricMode
func TestParseMetricMode(t *testing.T) {
	assert.Equal(t, MetricMarketCap, ParseMetricMode("marketcap"))
	assert.Equal(t, MetricMarketCap, ParseMetricMode("mcap"))
	assert.Equal(t, MetricPrice, ParseMetricMode(""))
	assert.Equal(t, MetricPrice, ParseMetricMode("price"))
}

package feed

import "encoding/json"

// Asset is the canonical shape of a tradable asset after normalization.
// ID is the dedup key across the displayed and overflow lists.
type Asset struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol"`
	Decimals  int     `json:"decimals"`
	Logo      string  `json:"logo"`
	Verified  bool    `json:"verified"`
	MarketCap float64 `json:"marketCap"`
	Liquidity float64 `json:"liquidity"`
	CreatedAt int64   `json:"createdAt"` // milliseconds since epoch
	Program   string  `json:"program"`   // venue / launch program tag
}

// Bar is one OHLCV candle. Time is the open time in milliseconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// MetricMode selects the primary price series or the derived capitalization series.
type MetricMode string

const (
	MetricPrice     MetricMode = "price"
	MetricMarketCap MetricMode = "marketcap"
)

// ParseMetricMode maps "marketcap" (any case variant used by clients) to MetricMarketCap,
// everything else to MetricPrice.
func ParseMetricMode(s string) MetricMode {
	switch s {
	case "marketcap", "marketCap", "mcap", "MC":
		return MetricMarketCap
	default:
		return MetricPrice
	}
}

// Wire event names.
const (
	EventSubscribeTokens   = "subscribeTokens"
	EventTokenUpdate       = "tokenUpdate"
	EventUnsubscribeTokens = "unSubscribeTokens"

	EventSubscribeChart   = "subscribeToChart"
	EventChartUpdate      = "chartUpdate"
	EventUnsubscribeChart = "unsubscribeFromChart"
)

// Envelope wraps every message on the channel in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event with its payload into an envelope.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustEncode is Encode for payloads that are known to marshal.
func MustEncode(event string, data any) []byte {
	msg, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return msg
}

type SubscribeTokensParams struct {
	Page     int  `json:"page,omitempty"`
	Limit    int  `json:"limit"`
	Verified bool `json:"verified,omitempty"`
	Random   bool `json:"random,omitempty"`
}

// TokenUpdate carries raw token records; field names vary by upstream and are
// resolved by the normalizer.
type TokenUpdate struct {
	Tokens []map[string]any `json:"tokens"`
}

type SubscribeChartParams struct {
	Identifier string `json:"identifier"`
	Timeframe  string `json:"timeframe"`
}

type UnsubscribeChartParams struct {
	Identifier string `json:"identifier"`
}

// ChartUpdate is one pushed bar for a chart channel.
type ChartUpdate struct {
	Identifier string  `json:"identifier"`
	Timeframe  string  `json:"timeframe,omitempty"`
	Bar        WireBar `json:"bar"`
}

// WireBar is a bar as the server sends it: time in seconds. MarketCap, when present,
// is the server's capitalization value at this bar's close.
type WireBar struct {
	Time      int64    `json:"time"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	MarketCap *float64 `json:"marketCap,omitempty"`
}

// ToBar converts to the internal millisecond convention.
func (w WireBar) ToBar() Bar {
	return Bar{
		Time:   w.Time * 1000,
		Open:   w.Open,
		High:   w.High,
		Low:    w.Low,
		Close:  w.Close,
		Volume: w.Volume,
	}
}

// HistoryResponse is the enveloped form of the history endpoint; a bare array is
// also accepted.
type HistoryResponse struct {
	Data []WireBar `json:"data"`
}

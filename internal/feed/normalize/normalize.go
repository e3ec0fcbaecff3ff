// Package normalize maps heterogeneous upstream token records onto feed.Asset.
package normalize

import (
	"strings"

	"feedbridge/pkg/feed"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	PlaceholderName   = "Unknown"
	PlaceholderSymbol = "???"
	DefaultDecimals   = 6
)

// Upstreams disagree on field names; the first alias present wins.
var (
	idKeys        = []string{"id", "address", "tokenAddress", "token_address", "mint", "ca"}
	nameKeys      = []string{"name", "tokenName", "token_name"}
	symbolKeys    = []string{"symbol", "ticker", "tokenSymbol", "token_symbol"}
	decimalsKeys  = []string{"decimals", "decimal", "tokenDecimals"}
	logoKeys      = []string{"logo", "logoUrl", "logo_url", "logoURI", "image", "imageUrl", "icon"}
	verifiedKeys  = []string{"verified", "isVerified", "is_verified"}
	marketCapKeys = []string{"marketCap", "market_cap", "mcap", "marketcap"}
	liquidityKeys = []string{"liquidity", "liquidityUsd", "liquidity_usd"}
	createdKeys   = []string{"createdAt", "created_at", "creationTime", "createdTime", "timestamp"}
	programKeys   = []string{"program", "programId", "program_id", "dex", "launchpad", "market"}
)

// seconds below this are treated as unix seconds, above as milliseconds
const msThreshold = 1_000_000_000_000

// Normalizer is stateless; the zero value is usable.
type Normalizer struct {
	PlaceholderLogo string
	Logger          *zap.Logger
}

// Normalize converts one raw record. It reports false when the record has no
// usable identifier, since such a record cannot be deduplicated.
func (n Normalizer) Normalize(raw map[string]any) (feed.Asset, bool) {
	id := strings.TrimSpace(cast.ToString(lookup(raw, idKeys)))
	if id == "" {
		n.logger().Warn("dropping asset without identifier", zap.Int("fields", len(raw)))
		return feed.Asset{}, false
	}

	a := feed.Asset{
		ID:        id,
		Name:      stringOr(lookup(raw, nameKeys), PlaceholderName),
		Symbol:    stringOr(lookup(raw, symbolKeys), PlaceholderSymbol),
		Decimals:  DefaultDecimals,
		Logo:      stringOr(lookup(raw, logoKeys), n.PlaceholderLogo),
		Verified:  cast.ToBool(lookup(raw, verifiedKeys)),
		MarketCap: n.number(id, "marketCap", lookup(raw, marketCapKeys)),
		Liquidity: n.number(id, "liquidity", lookup(raw, liquidityKeys)),
		CreatedAt: n.timestamp(id, lookup(raw, createdKeys)),
		Program:   cast.ToString(lookup(raw, programKeys)),
	}

	if v := lookup(raw, decimalsKeys); v != nil {
		if d, err := cast.ToIntE(v); err == nil && d >= 0 {
			a.Decimals = d
		} else {
			n.logger().Debug("bad decimals", zap.String("id", id), zap.Any("value", v))
		}
	}
	return a, true
}

// NormalizeAll converts a batch, keeping arrival order and skipping unusable records.
func (n Normalizer) NormalizeAll(raws []map[string]any) []feed.Asset {
	out := make([]feed.Asset, 0, len(raws))
	for _, raw := range raws {
		if a, ok := n.Normalize(raw); ok {
			out = append(out, a)
		}
	}
	return out
}

func (n Normalizer) logger() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}

func (n Normalizer) number(id, field string, v any) float64 {
	if v == nil {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		n.logger().Debug("bad numeric field", zap.String("id", id), zap.String("field", field), zap.Any("value", v))
		return 0
	}
	return f
}

func (n Normalizer) timestamp(id string, v any) int64 {
	if v == nil {
		return 0
	}
	if ts, err := cast.ToInt64E(v); err == nil {
		if ts < msThreshold {
			return ts * 1000
		}
		return ts
	}
	if t, err := cast.ToTimeE(v); err == nil {
		return t.UnixMilli()
	}
	n.logger().Debug("bad timestamp", zap.String("id", id), zap.Any("value", v))
	return 0
}

func lookup(raw map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringOr(v any, fallback string) string {
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return fallback
	}
	return s
}

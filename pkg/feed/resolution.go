package feed

import (
	"fmt"
	"time"
)

// Resolution is a bar granularity in the charting surface's vocabulary ("1", "60", "1D").
type Resolution string

// Granularity is the tick tier of a resolution.
type Granularity int

const (
	GranularitySubSecond Granularity = iota
	GranularitySecond
	GranularityMinute
	GranularityHour
	GranularityDay
	GranularityWeek
	GranularityMonth
)

func (g Granularity) String() string {
	switch g {
	case GranularitySubSecond:
		return "subsecond"
	case GranularitySecond:
		return "second"
	case GranularityMinute:
		return "minute"
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	case GranularityWeek:
		return "week"
	case GranularityMonth:
		return "month"
	}
	return "unknown"
}

// ResolutionMeta holds the wire code and span of a chart resolution.
type ResolutionMeta struct {
	Chart       Resolution
	Wire        string
	Granularity Granularity
	Duration    time.Duration
}

const (
	ResolutionTick     Resolution = "1T"
	Resolution1Sec     Resolution = "1S"
	Resolution5Sec     Resolution = "5S"
	Resolution15Sec    Resolution = "15S"
	Resolution30Sec    Resolution = "30S"
	Resolution1Min     Resolution = "1"
	Resolution3Min     Resolution = "3"
	Resolution5Min     Resolution = "5"
	Resolution15Min    Resolution = "15"
	Resolution30Min    Resolution = "30"
	Resolution60Min    Resolution = "60"
	Resolution120Min   Resolution = "120"
	Resolution240Min   Resolution = "240"
	Resolution360Min   Resolution = "360"
	Resolution720Min   Resolution = "720"
	ResolutionDaily    Resolution = "1D"
	ResolutionWeekly   Resolution = "1W"
	ResolutionMonthly  Resolution = "1M"
)

// DefaultResolution is used when no persisted setting exists.
const DefaultResolution = Resolution1Min

// resolutionTable maps chart codes to wire codes. It must stay one-to-one.
var resolutionTable = []ResolutionMeta{
	{ResolutionTick, "tick", GranularitySubSecond, 250 * time.Millisecond},
	{Resolution1Sec, "1s", GranularitySecond, time.Second},
	{Resolution5Sec, "5s", GranularitySecond, 5 * time.Second},
	{Resolution15Sec, "15s", GranularitySecond, 15 * time.Second},
	{Resolution30Sec, "30s", GranularitySecond, 30 * time.Second},
	{Resolution1Min, "1m", GranularityMinute, time.Minute},
	{Resolution3Min, "3m", GranularityMinute, 3 * time.Minute},
	{Resolution5Min, "5m", GranularityMinute, 5 * time.Minute},
	{Resolution15Min, "15m", GranularityMinute, 15 * time.Minute},
	{Resolution30Min, "30m", GranularityMinute, 30 * time.Minute},
	{Resolution60Min, "1h", GranularityHour, time.Hour},
	{Resolution120Min, "2h", GranularityHour, 2 * time.Hour},
	{Resolution240Min, "4h", GranularityHour, 4 * time.Hour},
	{Resolution360Min, "6h", GranularityHour, 6 * time.Hour},
	{Resolution720Min, "12h", GranularityHour, 12 * time.Hour},
	{ResolutionDaily, "1d", GranularityDay, 24 * time.Hour},
	{ResolutionWeekly, "1w", GranularityWeek, 7 * 24 * time.Hour},
	{ResolutionMonthly, "1mo", GranularityMonth, 30 * 24 * time.Hour}, // nominal month
}

var (
	byChart = make(map[Resolution]ResolutionMeta, len(resolutionTable))
	byWire  = make(map[string]ResolutionMeta, len(resolutionTable))
)

func init() {
	for _, m := range resolutionTable {
		byChart[m.Chart] = m
		byWire[m.Wire] = m
	}
}

// IsValid checks if the Resolution is in the table.
func (r Resolution) IsValid() bool {
	_, ok := byChart[r]
	return ok
}

// ParseResolution looks up a chart resolution code.
func ParseResolution(s string) (ResolutionMeta, error) {
	meta, ok := byChart[Resolution(s)]
	if !ok {
		return ResolutionMeta{}, fmt.Errorf("invalid resolution: %s", s)
	}
	return meta, nil
}

// ToWire translates a chart resolution to the wire code.
func ToWire(r Resolution) (string, error) {
	meta, ok := byChart[r]
	if !ok {
		return "", fmt.Errorf("invalid resolution: %s", r)
	}
	return meta.Wire, nil
}

// FromWire translates a wire code back to the chart resolution.
func FromWire(code string) (Resolution, error) {
	meta, ok := byWire[code]
	if !ok {
		return "", fmt.Errorf("invalid wire resolution: %s", code)
	}
	return meta.Chart, nil
}

// SupportedResolutions lists the chart codes in table order.
func SupportedResolutions() []Resolution {
	out := make([]Resolution, 0, len(resolutionTable))
	for _, m := range resolutionTable {
		out = append(out, m.Chart)
	}
	return out
}

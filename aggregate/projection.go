package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sensei777/Ethplorer/internal/series"
)

// SortBy is the ordering of a view's buckets. Every ordering is descending
// and ties are left in no particular order.
type SortBy string

const (
	SortByDate    SortBy = "date"
	SortByOpCount SortBy = "opCount"
	SortByVolume  SortBy = "volume"
)

// TrendPeriods are the comparison windows, in days, of every view.
var TrendPeriods = []int{1, 7, 30}

// Query selects a view of a state.
type Query struct {
	// Lookback keeps the buckets of the last Lookback days; 0 keeps all.
	Lookback int
	Sort     SortBy
	// Limit caps the number of buckets; 0 means no cap.
	Limit int
}

// Trend compares the last Days days with the Days before them.
type Trend struct {
	Days           int              `json:"period"`
	OpCount        int64            `json:"opCount"`
	PrevOpCount    int64            `json:"previousOpCount"`
	Volume         decimal.Decimal  `json:"volume"`
	PrevVolume     decimal.Decimal  `json:"previousVolume"`
	OpCountDiff    *decimal.Decimal `json:"opCountDiff,omitempty"`
	VolumeDiff     *decimal.Decimal `json:"volumeDiff,omitempty"`
	NotionalVolume decimal.Decimal  `json:"volumeUsd"`
}

// View is what callers receive for a subject.
type View struct {
	Subject   string                     `json:"subject"`
	FirstDate string                     `json:"firstDate,omitempty"`
	Timestamp int64                      `json:"timestamp"`
	Balance   *decimal.Decimal           `json:"balance,omitempty"` // token subjects only
	Balances  map[string]decimal.Decimal `json:"balances"`
	Buckets   []Bucket                   `json:"buckets"`
	Trends    []Trend                    `json:"trends"`
	Cache     string                     `json:"cache,omitempty"`
	Degraded  bool                       `json:"degraded,omitempty"`
}

// Project derives a view from a state at now. It does not modify s.
func Project(s State, q Query, now time.Time) View {
	v := View{
		Subject:   s.Subject,
		FirstDate: s.FirstDate,
		Balances:  make(map[string]decimal.Decimal, len(s.Assets)),
		Buckets:   make([]Bucket, 0, len(s.Buckets)),
	}
	if !s.Empty() {
		v.Timestamp = s.Watermark
	}
	if s.Kind == TokenSubject {
		bal := s.Balance
		v.Balance = &bal
	}
	for k, b := range s.Assets {
		v.Balances[k] = b
	}

	start := ""
	if q.Lookback > 0 {
		start = series.Date(now.Add(-time.Duration(q.Lookback) * 24 * time.Hour).Unix())
	}
	for _, b := range s.Buckets {
		if start != "" && b.Key < start {
			continue
		}
		v.Buckets = append(v.Buckets, b.clone())
	}

	sortBuckets(v.Buckets, q.Sort)
	if q.Limit > 0 && len(v.Buckets) > q.Limit {
		v.Buckets = v.Buckets[:q.Limit]
	}

	v.Trends = make([]Trend, 0, len(TrendPeriods))
	for _, days := range TrendPeriods {
		v.Trends = append(v.Trends, trend(s.Buckets, days, now))
	}
	return v
}

func sortBuckets(bs []Bucket, by SortBy) {
	switch by {
	case SortByOpCount:
		sort.Slice(bs, func(i, j int) bool { return bs[i].OpCount > bs[j].OpCount })
	case SortByVolume:
		sort.Slice(bs, func(i, j int) bool { return bs[i].Volume.GreaterThan(bs[j].Volume) })
	default:
		sort.Slice(bs, func(i, j int) bool { return bs[i].Key > bs[j].Key })
	}
}

// trend sums the buckets of the last days UTC days, today included (current),
// and of the days before them (previous). Both windows span days buckets.
func trend(buckets []Bucket, days int, now time.Time) Trend {
	today := now.UTC().Truncate(24 * time.Hour)
	curStart := series.Date(today.Add(-time.Duration(days-1) * 24 * time.Hour).Unix())
	prevStart := series.Date(today.Add(-time.Duration(2*days-1) * 24 * time.Hour).Unix())

	t := Trend{Days: days}
	for _, b := range buckets {
		switch {
		case b.Key >= curStart:
			t.OpCount += b.OpCount
			t.Volume = t.Volume.Add(b.Volume)
			t.NotionalVolume = t.NotionalVolume.Add(b.Notional)
		case b.Key >= prevStart:
			t.PrevOpCount += b.OpCount
			t.PrevVolume = t.PrevVolume.Add(b.Volume)
		}
	}
	t.OpCountDiff = percentDiffPtr(decimal.NewFromInt(t.OpCount), decimal.NewFromInt(t.PrevOpCount))
	t.VolumeDiff = percentDiffPtr(t.Volume, t.PrevVolume)
	return t
}

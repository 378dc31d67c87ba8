// Package aggregate maintains per-subject rolling time series built
// incrementally from the ledger, and derives the views served to callers
// from them.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sensei777/Ethplorer/internal/series"
	"github.com/sensei777/Ethplorer/ledger"
)

// NoWatermark is the watermark of a state that has merged nothing.
const NoWatermark int64 = math.MinInt64

// NativeAsset is the asset key used for native-currency events without a
// contract.
const NativeAsset = "ETH"

type SubjectKind uint8

const (
	// AddressSubject aggregates the operations of a holder address.
	AddressSubject SubjectKind = iota
	// TokenSubject aggregates the operations of a token contract.
	TokenSubject
)

// ShowTx selects which operations an address view includes.
type ShowTx string

const (
	ShowAll    ShowTx = "all"
	ShowNative ShowTx = "eth"
	ShowTokens ShowTx = "tokens"
)

// ParseShowTx maps a request value to a mode; anything unknown is ShowTokens.
func ParseShowTx(s string) ShowTx {
	switch ShowTx(s) {
	case ShowAll, ShowNative:
		return ShowTx(s)
	}
	return ShowTokens
}

func (m ShowTx) nativeFilter() *bool {
	var v bool
	switch m {
	case ShowNative:
		v = true
	case ShowTokens:
		v = false
	default:
		return nil
	}
	return &v
}

type Granularity uint8

const (
	Daily Granularity = iota
	Hourly
)

func (g Granularity) bucket(ts int64) string {
	if g == Hourly {
		return series.Hour(ts)
	}
	return series.Date(ts)
}

// NegativeBalancePolicy decides what happens when a debit takes a balance
// below zero during replay.
type NegativeBalancePolicy uint8

const (
	AllowNegative NegativeBalancePolicy = iota
	ClampToZero
)

// Bucket is one time window of a subject's series. Balances holds the
// end-of-bucket balance of every asset touched in the bucket; Balance is set
// for token subjects only, where it is the end-of-bucket supply.
type Bucket struct {
	Key       string                     `msgpack:"k" json:"date"`
	OpCount   int64                      `msgpack:"n" json:"opCount"`
	Volume    decimal.Decimal            `msgpack:"v" json:"volume"`
	VolumeIn  decimal.Decimal            `msgpack:"vi" json:"volumeIn"`
	VolumeOut decimal.Decimal            `msgpack:"vo" json:"volumeOut"`
	Notional  decimal.Decimal            `msgpack:"usd" json:"volumeUsd"`
	Balance   *decimal.Decimal           `msgpack:"b,omitempty" json:"balance,omitempty"`
	Balances  map[string]decimal.Decimal `msgpack:"bs,omitempty" json:"balances,omitempty"`
}

// State is the persisted rolling aggregate of one subject. Buckets are
// ascending by key. Assets holds the running balance per asset. Balance is
// the running supply of a token subject and stays zero for addresses, whose
// assets are not summable.
type State struct {
	Subject     string                     `msgpack:"s"`
	Kind        SubjectKind                `msgpack:"kind"`
	Granularity Granularity                `msgpack:"g"`
	Watermark   int64                      `msgpack:"wm"`
	Buckets     []Bucket                   `msgpack:"bk"`
	Balance     decimal.Decimal            `msgpack:"bal"`
	Assets      map[string]decimal.Decimal `msgpack:"as"`
	FirstDate   string                     `msgpack:"fd,omitempty"`
	UpdatedAt   int64                      `msgpack:"u"`
	Skipped     int64                      `msgpack:"skip,omitempty"`
}

// NewState returns the empty state of a subject.
func NewState(subject string, kind SubjectKind, g Granularity) State {
	return State{
		Subject:     subject,
		Kind:        kind,
		Granularity: g,
		Watermark:   NoWatermark,
		Assets:      map[string]decimal.Decimal{},
	}
}

// Empty reports whether nothing has been merged yet.
func (s State) Empty() bool { return s.Watermark == NoWatermark }

func (s State) Updated() time.Time { return time.Unix(s.UpdatedAt, 0) }

func (s State) clone() State {
	out := s
	out.Buckets = make([]Bucket, len(s.Buckets))
	for i, b := range s.Buckets {
		out.Buckets[i] = b.clone()
	}
	out.Assets = make(map[string]decimal.Decimal, len(s.Assets))
	for k, v := range s.Assets {
		out.Assets[k] = v
	}
	return out
}

func (b Bucket) clone() Bucket {
	if b.Balances == nil {
		return b
	}
	m := make(map[string]decimal.Decimal, len(b.Balances))
	for k, v := range b.Balances {
		m[k] = v
	}
	b.Balances = m
	return b
}

// PriceFunc returns the USD rate of asset on a UTC date, if known.
type PriceFunc func(asset, date string) (decimal.Decimal, bool)

type MergeOptions struct {
	NegativeBalance NegativeBalancePolicy
	// Price, if set, is used to accumulate each bucket's notional value.
	Price PriceFunc
}

// MergeReport describes what a Merge did.
type MergeReport struct {
	Merged int
	// Stale counts events at or below the watermark that were ignored.
	Stale int
	// Skipped holds one reason per malformed event.
	Skipped []string
	// Clamped lists the buckets whose volume was replaced by the outlier guard.
	Clamped []string
}

// Merge replays events newer than s.Watermark onto a copy of s and returns it.
// s itself is not modified. Events may arrive in any order; they are applied
// ordered by timestamp and in-transaction priority.
func Merge(s State, events []ledger.Event, opts MergeOptions) (State, MergeReport) {
	var rep MergeReport
	fresh := make([]ledger.Event, 0, len(events))
	for _, e := range events {
		if e.Timestamp <= s.Watermark {
			rep.Stale++
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return s, rep
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].Timestamp != fresh[j].Timestamp {
			return fresh[i].Timestamp < fresh[j].Timestamp
		}
		return fresh[i].Priority < fresh[j].Priority
	})

	out := s.clone()
	if out.Assets == nil {
		out.Assets = map[string]decimal.Decimal{}
	}
	firstTouched := -1
	maxTs := out.Watermark

	for _, e := range fresh {
		amount, err := e.Amount()
		if err != nil || !e.Type.Valid() {
			if err == nil {
				err = errUnknownType(e)
			}
			rep.Skipped = append(rep.Skipped, err.Error())
			out.Skipped++
			// a skipped event is consumed: the watermark passes it so the
			// next refresh does not read and count it again
			if e.Timestamp > maxTs {
				maxTs = e.Timestamp
			}
			continue
		}

		key := out.Granularity.bucket(e.Timestamp)
		n := len(out.Buckets)
		if n == 0 || out.Buckets[n-1].Key != key {
			out.Buckets = append(out.Buckets, Bucket{Key: key})
			n++
		}
		if firstTouched < 0 {
			firstTouched = n - 1
		}
		b := &out.Buckets[n-1]
		if out.FirstDate == "" {
			out.FirstDate = series.Date(e.Timestamp)
		}

		asset := assetOf(e)
		dir := direction(out.Kind, out.Subject, e)

		b.OpCount++
		b.Volume = b.Volume.Add(amount)
		switch {
		case dir > 0:
			b.VolumeIn = b.VolumeIn.Add(amount)
		case dir < 0:
			b.VolumeOut = b.VolumeOut.Add(amount)
		}
		if opts.Price != nil {
			if rate, ok := opts.Price(asset, series.Date(e.Timestamp)); ok {
				b.Notional = b.Notional.Add(amount.Mul(rate))
			}
		}

		if dir != 0 {
			bal := out.Assets[asset]
			if dir > 0 {
				bal = bal.Add(amount)
			} else {
				bal = bal.Sub(amount)
			}
			if bal.IsNegative() && opts.NegativeBalance == ClampToZero {
				bal = decimal.Zero
			}
			out.Assets[asset] = bal
			if b.Balances == nil {
				b.Balances = map[string]decimal.Decimal{}
			}
			b.Balances[asset] = bal
		}
		if out.Kind == TokenSubject {
			supply := sumAssets(out.Assets)
			b.Balance = &supply
		}

		if e.Timestamp > maxTs {
			maxTs = e.Timestamp
		}
		rep.Merged++
	}

	out.Watermark = maxTs
	if out.Kind == TokenSubject {
		out.Balance = sumAssets(out.Assets)
	}
	if firstTouched >= 0 {
		rep.Clamped = guardOutliers(out.Buckets, firstTouched)
	}
	return out, rep
}

// guardOutliers replaces the volume (and notional) of each bucket from start
// on that exceeds series.OutlierFactor times its predecessor's.
func guardOutliers(buckets []Bucket, start int) []string {
	var clamped []string
	if start == 0 {
		start = 1
	}
	for i := start; i < len(buckets); i++ {
		prev, cur := buckets[i-1], &buckets[i]
		v, c1 := series.ClampOutlier(cur.Volume, prev.Volume)
		usd, c2 := series.ClampOutlier(cur.Notional, prev.Notional)
		if c1 || c2 {
			cur.Volume, cur.Notional = v, usd
			clamped = append(clamped, cur.Key)
		}
	}
	return clamped
}

// direction is +1 for a credit to subject, -1 for a debit, 0 when the event
// only contributes volume.
func direction(kind SubjectKind, subject string, e ledger.Event) int {
	if kind == TokenSubject {
		switch e.Type {
		case ledger.Mint, ledger.Issuance:
			return 1
		case ledger.Burn:
			return -1
		}
		return 0
	}
	switch e.Type {
	case ledger.Transfer:
		switch {
		case e.To == subject && e.From == subject:
			return 0
		case e.To == subject:
			return 1
		case e.From == subject:
			return -1
		}
	case ledger.Mint, ledger.Issuance:
		if e.To == subject || (e.To == "" && e.Address == subject) {
			return 1
		}
	case ledger.Burn:
		if e.To == subject {
			return 1
		}
		if e.From == subject || (e.From == "" && e.Address == subject) {
			return -1
		}
	}
	return 0
}

func assetOf(e ledger.Event) string {
	if e.IsNative && (e.Contract == "" || e.Contract == NativeAsset) {
		return NativeAsset
	}
	return e.Contract
}

func sumAssets(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// Package oracle is the price-oracle boundary: spot rates and price history
// per asset, plus a caching decorator that rolls intraday candles up to
// daily records.
package oracle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the oracle has no price for an asset.
var ErrNoPrice = errors.New("oracle: no price for asset")

// Spot is the current rate of an asset in USD.
type Spot struct {
	Rate         decimal.Decimal  `json:"rate" msgpack:"rate"`
	Diff         *decimal.Decimal `json:"diff,omitempty" msgpack:"diff,omitempty"`
	Diff7d       *decimal.Decimal `json:"diff7d,omitempty" msgpack:"diff7d,omitempty"`
	Diff30d      *decimal.Decimal `json:"diff30d,omitempty" msgpack:"diff30d,omitempty"`
	MarketCapUSD decimal.Decimal  `json:"marketCapUsd" msgpack:"cap"`
	Volume24h    decimal.Decimal  `json:"volume24h" msgpack:"vol24"`
	Currency     string           `json:"currency" msgpack:"cur"`
	Ts           int64            `json:"ts" msgpack:"ts"`
}

// Candle is one price record. Upstream history is intraday; Cached rolls it
// up so every Candle it returns covers one UTC date.
type Candle struct {
	Ts              int64           `json:"ts" msgpack:"ts"`
	Date            string          `json:"date" msgpack:"date"`
	Hour            int             `json:"hour,omitempty" msgpack:"hour,omitempty"`
	Open            decimal.Decimal `json:"open" msgpack:"o"`
	High            decimal.Decimal `json:"high" msgpack:"h"`
	Low             decimal.Decimal `json:"low" msgpack:"l"`
	Close           decimal.Decimal `json:"close" msgpack:"c"`
	Volume          decimal.Decimal `json:"volume" msgpack:"v"`
	VolumeConverted decimal.Decimal `json:"volumeConverted" msgpack:"vc"`
	Average         decimal.Decimal `json:"average" msgpack:"avg"`
}

// Oracle is the price source used by the engine.
type Oracle interface {
	// Spot returns ErrNoPrice when the asset is not priced.
	Spot(ctx context.Context, asset string) (Spot, error)
	// History returns candles from sinceTs on, ascending. Daily series include
	// the whole UTC day containing sinceTs. sinceTs 0 means full history.
	History(ctx context.Context, asset string, sinceTs int64) ([]Candle, error)
}

// CloseOn returns the closing rate of the candle for date, if any.
func CloseOn(history []Candle, date string) (decimal.Decimal, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Date == date {
			return history[i].Close, true
		}
		if history[i].Date < date {
			break
		}
	}
	return decimal.Zero, false
}

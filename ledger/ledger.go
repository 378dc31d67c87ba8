// Package ledger defines the read interface to the append-only event ledger
// and an in-memory implementation. ledger/postgres provides the SQL one.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	Transfer EventType = "transfer"
	Issuance EventType = "issuance"
	Burn     EventType = "burn"
	Mint     EventType = "mint"
)

func (t EventType) Valid() bool {
	switch t {
	case Transfer, Issuance, Burn, Mint:
		return true
	}
	return false
}

// Event is one ledger operation. Value is the raw integer amount in the
// asset's smallest unit; Decimals is the asset's decimal exponent.
type Event struct {
	Timestamp   int64     `json:"timestamp"`
	Type        EventType `json:"type"`
	Contract    string    `json:"contract"`
	Address     string    `json:"address,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       string    `json:"value"`
	Decimals    int32     `json:"decimals"`
	IsNative    bool      `json:"isEth,omitempty"`
	TxHash      string    `json:"transactionHash"`
	BlockNumber int64     `json:"blockNumber,omitempty"`
	Priority    int       `json:"-"` // position within the tx; orders events sharing a timestamp
}

// Amount returns Value scaled by Decimals.
func (e Event) Amount() (decimal.Decimal, error) {
	v := strings.TrimSpace(e.Value)
	if v == "" {
		return decimal.Zero, fmt.Errorf("event %s: empty value", e.TxHash)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("event %s: value %q: %w", e.TxHash, v, err)
	}
	if e.Decimals < 0 {
		return decimal.Zero, fmt.Errorf("event %s: negative decimals %d", e.TxHash, e.Decimals)
	}
	return d.Shift(-e.Decimals), nil
}

func (e Event) Time() time.Time { return time.Unix(e.Timestamp, 0).UTC() }

// Involves reports whether addr is the event's from, to or indexed address.
func (e Event) Involves(addr string) bool {
	return e.From == addr || e.To == addr || e.Address == addr
}

// Filter selects events. Zero fields are ignored.
type Filter struct {
	Address   string   // from, to or indexed address
	Addresses []string // any of, same matching as Address
	Contract  string
	TxHash    string
	Types     []EventType
	IsNative  *bool
	// After selects timestamp > *After (strict: a watermark is exclusive).
	After *int64
	Since int64 // timestamp >= Since
	Until int64 // timestamp < Until
}

func (f Filter) Match(e Event) bool {
	if f.Address != "" && !e.Involves(f.Address) {
		return false
	}
	if len(f.Addresses) > 0 {
		ok := false
		for _, a := range f.Addresses {
			if e.Involves(a) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Contract != "" && e.Contract != f.Contract {
		return false
	}
	if f.TxHash != "" && e.TxHash != f.TxHash {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.IsNative != nil && e.IsNative != *f.IsNative {
		return false
	}
	if f.After != nil && e.Timestamp <= *f.After {
		return false
	}
	if f.Since != 0 && e.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && e.Timestamp >= f.Until {
		return false
	}
	return true
}

type Sort uint8

const (
	Ascending Sort = iota
	Descending
)

type GroupBy uint8

const (
	ByDate GroupBy = iota
	ByHour
	ByContract
)

// Pipeline is a grouped count over the filtered events. With Limit > 0 the
// result is the top Limit groups by count; otherwise all groups ordered by key.
type Pipeline struct {
	Filter  Filter
	GroupBy GroupBy
	Limit   int
}

type Group struct {
	Key   string `json:"_id"`
	Count int64  `json:"cnt"`
}

// Store is the ledger query surface used by the engine.
type Store interface {
	Query(ctx context.Context, f Filter, s Sort, limit, skip int) ([]Event, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Aggregate(ctx context.Context, p Pipeline) ([]Group, error)
}

// GroupKey returns the group key of e for g.
func GroupKey(g GroupBy, e Event) string {
	switch g {
	case ByHour:
		return e.Time().Format("2006-01-02 15")
	case ByContract:
		return e.Contract
	default:
		return e.Time().Format("2006-01-02")
	}
}

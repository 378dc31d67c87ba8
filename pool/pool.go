// Package pool stores named address sets ("pools") owned by API keys and
// serves cached reads over them.
package pool

import (
	"context"
	"strings"
	"time"

	"github.com/sensei777/Ethplorer/fault"
)

// DefaultCapacity is the number of addresses a pool may hold when the store
// is not configured otherwise.
const DefaultCapacity = 10000

// Op is an address-set mutation.
type Op string

const (
	Add    Op = "addPoolAddresses"
	Remove Op = "deletePoolAddresses"
	Clear  Op = "clearPoolAddresses"
)

type Pool struct {
	ID        string    `json:"uid" msgpack:"id"`
	Owner     string    `json:"-" msgpack:"o"`
	Addresses []string  `json:"addresses" msgpack:"a"`
	CreatedAt time.Time `json:"-" msgpack:"c"`
}

// Store persists pools. Unknown ids yield fault.ErrPoolNotFound; growing a
// pool past capacity yields fault.ErrPoolOverLimit and changes nothing.
type Store interface {
	Create(ctx context.Context, owner string, addresses []string) (Pool, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, op Op, id string, addresses []string) (Pool, error)
	Get(ctx context.Context, id string) (Pool, error)
	Close(ctx context.Context) error
}

// ParseAddresses splits a comma, space or newline separated list, lower-cases
// it and drops empty items and duplicates, keeping first-seen order.
func ParseAddresses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\r' || r == '\t' || r == ';'
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func validOp(op Op) error {
	switch op {
	case Add, Remove, Clear:
		return nil
	}
	return fault.ErrInvalidAction
}

// Package rpc is an oracle.Oracle backed by the currency service's JSON-RPC
// API (getCurrencyCurrent, getCurrencyHistory).
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sensei777/Ethplorer/oracle"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	Endpoint string
	Currency string // quote currency; "" => USD
	Timeout  time.Duration
	Client   *http.Client // nil => http.Client with Timeout
}

type Client struct {
	endpoint string
	currency string
	hc       *http.Client
	id       atomic.Uint64
}

var _ oracle.Oracle = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("oracle rpc: endpoint is required")
	}
	c := &Client{endpoint: cfg.Endpoint, currency: cfg.Currency, hc: cfg.Client}
	if c.currency == "" {
		c.currency = "USD"
	}
	if c.hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hc = &http.Client{Timeout: timeout}
	}
	return c, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Error is a JSON-RPC error object returned by the service.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("oracle rpc: %d %s", e.Code, e.Message) }

func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.id.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("oracle rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle rpc %s: http %d", method, resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("oracle rpc %s: decode: %w", method, err)
	}
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 || string(r.Result) == "null" || string(r.Result) == "false" {
		return oracle.ErrNoPrice
	}
	return json.Unmarshal(r.Result, out)
}

func (c *Client) Spot(ctx context.Context, asset string) (oracle.Spot, error) {
	var s oracle.Spot
	if err := c.call(ctx, "getCurrencyCurrent", &s, asset, c.currency); err != nil {
		return oracle.Spot{}, err
	}
	s.Currency = c.currency
	return s, nil
}

func (c *Client) History(ctx context.Context, asset string, sinceTs int64) ([]oracle.Candle, error) {
	params := []any{asset, c.currency}
	if sinceTs > 0 {
		params = append(params, sinceTs)
	}
	var out []oracle.Candle
	if err := c.call(ctx, "getCurrencyHistory", &out, params...); err != nil {
		return nil, err
	}
	return out, nil
}

// Package dispatch turns API requests into responses: it authorizes the
// caller, validates the command's parameters, serves cacheable commands from
// the response cache and otherwise executes the command against the engine.
//
// Every request yields exactly one Response. Errors are rendered as the
// {"error":{"code":int,"message":string}} payload with the status fault.Status
// assigns to them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/aggregate"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/internal/util"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
	"github.com/sensei777/Ethplorer/pool"
	"github.com/sensei777/Ethplorer/quota"
)

const defaultResponseTTL = 15 * time.Second

// Request is one API call. Params are the path segments after the command;
// Query holds the query string of a GET or the form of a POST.
type Request struct {
	Command  string
	CallerID string
	Params   []string
	Query    url.Values
	Post     bool
}

// Response is the rendered result of a Request. CacheState labels where an
// aggregate came from ("fromCache", "cacheUpdated" or empty).
type Response struct {
	Status     int
	Body       json.RawMessage
	CacheState string
}

type Options struct {
	Quota      *quota.Gate             // required
	Responses  ethplorer.Cache[[]byte] // required
	Ledger     ledger.Store            // required
	Aggregator *aggregate.Aggregator   // required
	Ranker     *aggregate.Ranker       // required
	Pools      *pool.Service           // optional; nil disables pool commands
	Oracle     oracle.Oracle           // optional; nil omits price series
	Clock      clockwork.Clock         // nil => real clock
	Logger     ethplorer.Logger        // nil => NopLogger

	ResponseTTL time.Duration // 0 => 15s
}

type Dispatcher struct {
	quota     *quota.Gate
	responses ethplorer.Cache[[]byte]
	ledger    ledger.Store
	agg       *aggregate.Aggregator
	ranker    *aggregate.Ranker
	pools     *pool.Service
	oracle    oracle.Oracle
	clock     clockwork.Clock
	log       ethplorer.Logger
	ttl       time.Duration

	commands map[string]Command
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Quota == nil || opts.Responses == nil || opts.Ledger == nil || opts.Aggregator == nil || opts.Ranker == nil {
		return nil, errors.New("dispatch: quota, response cache, ledger, aggregator and ranker are required")
	}
	d := &Dispatcher{
		quota:     opts.Quota,
		responses: opts.Responses,
		ledger:    opts.Ledger,
		agg:       opts.Aggregator,
		ranker:    opts.Ranker,
		pools:     opts.Pools,
		oracle:    opts.Oracle,
		clock:     opts.Clock,
		log:       opts.Logger,
		ttl:       opts.ResponseTTL,
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.log == nil {
		d.log = ethplorer.NopLogger{}
	}
	if d.ttl <= 0 {
		d.ttl = defaultResponseTTL
	}
	d.commands = d.table()
	return d, nil
}

// Command looks up a registered command by name.
func (d *Dispatcher) Command(name string) (Command, bool) {
	c, ok := d.commands[name]
	return c, ok
}

// Handle runs req through authorize, command lookup, validation, the
// response cache and execution, in that order.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	start := d.clock.Now()
	resp := d.handle(ctx, req)
	d.log.Debug("request", ethplorer.Fields{
		"command": req.Command, "status": resp.Status, "cache": resp.CacheState, "took": d.clock.Since(start),
	})
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req Request) Response {
	policy, err := d.quota.Authorize(ctx, req.CallerID, req.Command, req.Post)
	if err != nil {
		return d.fail(req, err)
	}
	cmd, ok := d.commands[req.Command]
	if !ok || cmd.Mutating != req.Post {
		return d.fail(req, fault.ErrInvalidAction)
	}

	c := &call{req: req, policy: policy, now: d.clock.Now()}
	if cmd.Validate != nil {
		if err := cmd.Validate(c); err != nil {
			return d.fail(req, err)
		}
	}

	if cmd.Cacheable == nil || !cmd.Cacheable(req) {
		return d.execute(ctx, cmd, c)
	}

	key := responseKey(req)
	if c.poolID != "" && d.pools != nil {
		// pool mutations bump the generation, retiring every response
		// cached under the previous one
		key += "-g" + strconv.FormatUint(d.pools.Generation(ctx, c.poolID), 10)
	}
	l := d.responses.Get(ctx, key, d.ttl)
	if l.Found() && l.Fresh {
		return Response{Status: http.StatusOK, Body: l.Value, CacheState: string(aggregate.FromCache)}
	}
	obs := d.responses.SnapshotGen(ctx, key)
	resp := d.execute(ctx, cmd, c)
	if resp.Status == http.StatusOK && worthCaching(resp.Body) {
		if err := d.responses.SaveWithGen(ctx, key, resp.Body, obs, false); err != nil {
			d.log.Warn("response cache save failed", ethplorer.Fields{"key": key, "err": err})
		}
	}
	return resp
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command, c *call) Response {
	v, err := cmd.Execute(ctx, c)
	if err != nil {
		return d.fail(c.req, err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return d.fail(c.req, fault.ErrInternal.Wrap(err))
	}
	return Response{Status: http.StatusOK, Body: body, CacheState: string(c.cache)}
}

func (d *Dispatcher) fail(req Request, err error) Response {
	fe := fault.As(err)
	switch fe.Kind {
	case fault.Internal, fault.Upstream:
		d.log.Error("command failed", ethplorer.Fields{"command": req.Command, "err": err})
	default:
		d.log.Debug("command rejected", ethplorer.Fields{"command": req.Command, "code": fe.Code})
	}
	body, _ := json.Marshal(fault.ToPayload(fe))
	return Response{Status: fault.Status(fe), Body: body}
}

// responseKey fingerprints the command, its path params and the whole query,
// apiKey included, so callers with different limits never share an entry.
func responseKey(req Request) string {
	return util.Fingerprint("API-"+req.Command, req.Params, req.Query)
}

// worthCaching rejects bodies that carry no result.
func worthCaching(body []byte) bool {
	switch strings.TrimSpace(string(body)) {
	case "", "null", "false", "{}", "[]":
		return false
	}
	return true
}

// call is the per-request state shared by a command's Validate and Execute.
type call struct {
	req    Request
	policy quota.Policy
	now    time.Time

	address string // validated subject address or tx hash
	poolID  string
	addrs   []string
	ts      int64
	cache   aggregate.CacheState
}

func (c *call) param(i int) string {
	if i < len(c.req.Params) {
		return strings.TrimSpace(c.req.Params[i])
	}
	return ""
}

func (c *call) get(name string) (string, bool) {
	vs, ok := c.req.Query[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// number reads an integer query value. A present but non-numeric value reads
// as 0; an absent one as nil.
func (c *call) number(name string) *int {
	s, ok := c.get(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		n = 0
	}
	return &n
}

func (c *call) flag(name string) bool {
	s, ok := c.get(name)
	return ok && s != "" && s != "0" && s != "false"
}

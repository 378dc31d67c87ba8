// Package config loads the process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sensei777/Ethplorer/aggregate"
	"github.com/sensei777/Ethplorer/quota"
)

type Config struct {
	Listen  string `yaml:"listen"`
	Metrics string `yaml:"metrics"` // path of the prometheus handler; "" disables it

	Log       Log               `yaml:"log"`
	Redis     Redis             `yaml:"redis"`
	Cache     Cache             `yaml:"cache"`
	Lease     Lease             `yaml:"lease"`
	Ledger    Ledger            `yaml:"ledger"`
	Oracle    Oracle            `yaml:"oracle"`
	Pools     Pools             `yaml:"pools"`
	Aggregate Aggregate         `yaml:"aggregate"`
	API       API               `yaml:"api"`
	Quota     Quota             `yaml:"quota"`
	Tokens    []aggregate.Token `yaml:"tokens"`
}

type Log struct {
	Level       string `yaml:"level"`  // debug | info | warn | error
	Format      string `yaml:"format"` // zap | logrus | slog
	Development bool   `yaml:"development"`

	// Events logs cache and engine hook events through slog, sampled by
	// EventsEvery, in addition to the prometheus counters.
	Events      bool   `yaml:"events"`
	EventsEvery uint64 `yaml:"eventsEvery"`
	// HookWorkers and HookQueue size the asynchronous hook dispatcher.
	HookWorkers int `yaml:"hookWorkers"`
	HookQueue   int `yaml:"hookQueue"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Cache selects the byte store behind every cache namespace and the
// generation store that guards it.
type Cache struct {
	Provider  string        `yaml:"provider"` // memory | redis | ristretto | bigcache
	GenStore  string        `yaml:"genStore"` // local | redis
	Codec     string        `yaml:"codec"`    // codec of aggregate states: msgpack | cbor | json
	Retention time.Duration `yaml:"retention"`
	MaxDecode int           `yaml:"maxDecode"` // bytes; 0 = unlimited

	Ristretto struct {
		MaxCost int64 `yaml:"maxCost"`
	} `yaml:"ristretto"`
	Bigcache struct {
		LifeWindow time.Duration `yaml:"lifeWindow"`
		HardMaxMB  int           `yaml:"hardMaxMB"`
	} `yaml:"bigcache"`
}

type Lease struct {
	Backend string        `yaml:"backend"` // local | redis
	TTL     time.Duration `yaml:"ttl"`
}

type Ledger struct {
	Driver   string   `yaml:"driver"` // memory | postgres
	Postgres Postgres `yaml:"postgres"`
}

type Postgres struct {
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"sslmode"`
	Params   map[string]string `yaml:"params"`
}

type Oracle struct {
	Endpoint   string            `yaml:"endpoint"` // "" disables prices
	Currency   string            `yaml:"currency"`
	Timeout    time.Duration     `yaml:"timeout"`
	HistoryTTL time.Duration     `yaml:"historyTTL"`
	SpotTTL    time.Duration     `yaml:"spotTTL"`
	Known      []string          `yaml:"known"`
	Hidden     []string          `yaml:"hidden"`
	Aliases    map[string]string `yaml:"aliases"`
}

type Pools struct {
	Backend  string `yaml:"backend"` // memory | redis | disabled
	Capacity int    `yaml:"capacity"`
}

type Aggregate struct {
	RefreshWindow   time.Duration `yaml:"refreshWindow"`
	PageSize        int           `yaml:"pageSize"`
	MaxOperations   int64         `yaml:"maxOperations"`
	NegativeBalance string        `yaml:"negativeBalance"` // allow | clamp
	SaveMode        string        `yaml:"saveMode"`        // lastWriteWins | compareWatermark
}

type API struct {
	ResponseTTL time.Duration `yaml:"responseTTL"`
}

type Quota struct {
	Policies []Policy                `yaml:"policies"`
	Personal map[string]quota.Limits `yaml:"personal"`
}

type Policy struct {
	APIKey          string                  `yaml:"apiKey"`
	AllowedCommands []string                `yaml:"allowedCommands"`
	Limits          map[string]quota.Limits `yaml:"limits"`
	Suspended       bool                    `yaml:"suspended"`
	Rate            float64                 `yaml:"rate"`
	Burst           int                     `yaml:"burst"`
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// fields are rejected.
func Parse(b []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	c.Listen = coalesce(c.Listen, ":8080")
	c.Log.Level = coalesce(c.Log.Level, "info")
	c.Log.Format = coalesce(c.Log.Format, "zap")
	c.Cache.Provider = coalesce(c.Cache.Provider, "memory")
	c.Cache.GenStore = coalesce(c.Cache.GenStore, "local")
	c.Cache.Codec = coalesce(c.Cache.Codec, "msgpack")
	c.Cache.Ristretto.MaxCost = coalesce(c.Cache.Ristretto.MaxCost, 256<<20)
	c.Cache.Bigcache.LifeWindow = coalesce(c.Cache.Bigcache.LifeWindow, 30*24*time.Hour)
	c.Lease.Backend = coalesce(c.Lease.Backend, "local")
	c.Ledger.Driver = coalesce(c.Ledger.Driver, "memory")
	c.Pools.Backend = coalesce(c.Pools.Backend, "memory")
	c.Aggregate.NegativeBalance = coalesce(c.Aggregate.NegativeBalance, "allow")
	c.Aggregate.SaveMode = coalesce(c.Aggregate.SaveMode, "lastWriteWins")
}

func (c Config) usesRedis() bool {
	return c.Cache.Provider == "redis" || c.Cache.GenStore == "redis" || c.Lease.Backend == "redis" || c.Pools.Backend == "redis"
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"log.level", c.Log.Level, []string{"debug", "info", "warn", "error"}},
		{"log.format", c.Log.Format, []string{"zap", "logrus", "slog"}},
		{"cache.provider", c.Cache.Provider, []string{"memory", "redis", "ristretto", "bigcache"}},
		{"cache.genStore", c.Cache.GenStore, []string{"local", "redis"}},
		{"cache.codec", c.Cache.Codec, []string{"msgpack", "cbor", "json"}},
		{"lease.backend", c.Lease.Backend, []string{"local", "redis"}},
		{"ledger.driver", c.Ledger.Driver, []string{"memory", "postgres"}},
		{"pools.backend", c.Pools.Backend, []string{"memory", "redis", "disabled"}},
		{"aggregate.negativeBalance", c.Aggregate.NegativeBalance, []string{"allow", "clamp"}},
		{"aggregate.saveMode", c.Aggregate.SaveMode, []string{"lastWriteWins", "compareWatermark"}},
	}
	for _, ch := range checks {
		if !contains(ch.allowed, ch.value) {
			return fmt.Errorf("config: %s: unknown value %q", ch.field, ch.value)
		}
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required by the selected backends")
	}
	seen := make(map[string]bool, len(c.Quota.Policies))
	for i, p := range c.Quota.Policies {
		if p.APIKey == "" {
			return fmt.Errorf("config: quota.policies[%d]: apiKey is required", i)
		}
		if seen[p.APIKey] {
			return fmt.Errorf("config: quota.policies[%d]: duplicate apiKey", i)
		}
		seen[p.APIKey] = true
	}
	return nil
}

// Policies converts the configured policies for quota.NewStatic.
func (c Config) Policies() []quota.Policy {
	out := make([]quota.Policy, 0, len(c.Quota.Policies))
	for _, p := range c.Quota.Policies {
		out = append(out, quota.Policy{
			CallerID:        p.APIKey,
			AllowedCommands: p.AllowedCommands,
			Limits:          p.Limits,
			Suspended:       p.Suspended,
			Rate:            p.Rate,
			Burst:           p.Burst,
		})
	}
	return out
}

func (a Aggregate) NegativeBalancePolicy() aggregate.NegativeBalancePolicy {
	if a.NegativeBalance == "clamp" {
		return aggregate.ClampToZero
	}
	return aggregate.AllowNegative
}

func (a Aggregate) Mode() aggregate.SaveMode {
	if a.SaveMode == "compareWatermark" {
		return aggregate.CompareWatermark
	}
	return aggregate.LastWriteWins
}

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

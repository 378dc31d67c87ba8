// Package postgres is a ledger.Store over a PostgreSQL operations table.
package postgres

import (
	"context"
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sensei777/Ethplorer/ledger"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// Option defines connection options.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// operation is the row shape of the operations table.
type operation struct {
	ID          int64  `gorm:"primaryKey"`
	Timestamp   int64  `gorm:"index:idx_ops_ts;not null"`
	Type        string `gorm:"size:16;not null"`
	Contract    string `gorm:"size:42;index:idx_ops_contract_ts,priority:1"`
	Address     string `gorm:"size:42;index"`
	From        string `gorm:"column:from_addr;size:42;index"`
	To          string `gorm:"column:to_addr;size:42;index"`
	Value       string `gorm:"type:numeric(78,0);not null"`
	Decimals    int32
	IsNative    bool
	TxHash      string `gorm:"size:66;index"`
	BlockNumber int64
	Priority    int
}

func (operation) TableName() string { return "operations" }

func (o operation) event() ledger.Event {
	return ledger.Event{
		Timestamp:   o.Timestamp,
		Type:        ledger.EventType(o.Type),
		Contract:    o.Contract,
		Address:     o.Address,
		From:        o.From,
		To:          o.To,
		Value:       o.Value,
		Decimals:    o.Decimals,
		IsNative:    o.IsNative,
		TxHash:      o.TxHash,
		BlockNumber: o.BlockNumber,
		Priority:    o.Priority,
	}
}

func fromEvent(e ledger.Event) operation {
	return operation{
		Timestamp:   e.Timestamp,
		Type:        string(e.Type),
		Contract:    e.Contract,
		Address:     e.Address,
		From:        e.From,
		To:          e.To,
		Value:       e.Value,
		Decimals:    e.Decimals,
		IsNative:    e.IsNative,
		TxHash:      e.TxHash,
		BlockNumber: e.BlockNumber,
		Priority:    e.Priority,
	}
}

// Store implements ledger.Store with gorm.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects using option.
func Open(option Option) (*Store, error) {
	dsn, err := option.dsn()
	if err != nil {
		return nil, err
	}
	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("ledger postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates the operations table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&operation{})
}

// Insert appends events. The ledger is append-only; there is no update.
func (s *Store) Insert(ctx context.Context, events ...ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]operation, len(events))
	for i, e := range events {
		rows[i] = fromEvent(e)
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (s *Store) Query(ctx context.Context, f ledger.Filter, sort ledger.Sort, limit, skip int) ([]ledger.Event, error) {
	q := applyFilter(s.db.WithContext(ctx).Model(&operation{}), f)
	if sort == ledger.Descending {
		q = q.Order("timestamp DESC").Order("priority DESC")
	} else {
		q = q.Order("timestamp ASC").Order("priority ASC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if skip > 0 {
		q = q.Offset(skip)
	}

	var rows []operation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Event, len(rows))
	for i, r := range rows {
		out[i] = r.event()
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, f ledger.Filter) (int64, error) {
	var n int64
	err := applyFilter(s.db.WithContext(ctx).Model(&operation{}), f).Count(&n).Error
	return n, err
}

func (s *Store) Aggregate(ctx context.Context, p ledger.Pipeline) ([]ledger.Group, error) {
	var out []ledger.Group
	if err := aggregateQuery(s.db.WithContext(ctx), p).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func aggregateQuery(db *gorm.DB, p ledger.Pipeline) *gorm.DB {
	q := applyFilter(db.Model(&operation{}), p.Filter).
		Select(groupExpr(p.GroupBy) + " AS key, COUNT(*) AS count").
		Group("key")
	if p.Limit > 0 {
		return q.Order("count DESC").Order("key ASC").Limit(p.Limit)
	}
	return q.Order("key ASC")
}

func groupExpr(g ledger.GroupBy) string {
	switch g {
	case ledger.ByHour:
		return "to_char(to_timestamp(timestamp) AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24')"
	case ledger.ByContract:
		return "contract"
	default:
		return "to_char(to_timestamp(timestamp) AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	}
}

func applyFilter(q *gorm.DB, f ledger.Filter) *gorm.DB {
	if f.Address != "" {
		q = q.Where("(from_addr = ? OR to_addr = ? OR address = ?)", f.Address, f.Address, f.Address)
	}
	if len(f.Addresses) > 0 {
		q = q.Where("(from_addr IN ? OR to_addr IN ? OR address IN ?)", f.Addresses, f.Addresses, f.Addresses)
	}
	if f.Contract != "" {
		q = q.Where("contract = ?", f.Contract)
	}
	if f.TxHash != "" {
		q = q.Where("tx_hash = ?", f.TxHash)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if f.IsNative != nil {
		q = q.Where("is_native = ?", *f.IsNative)
	}
	if f.After != nil {
		q = q.Where("timestamp > ?", *f.After)
	}
	if f.Since != 0 {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.Until != 0 {
		q = q.Where("timestamp < ?", f.Until)
	}
	return q
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}
	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

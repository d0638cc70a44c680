// Package store provides durable order persistence over SQLite.
//
// Two logical tables carry the engine's state: orders (one row per parent
// order, params as an opaque JSON blob) and order_events (append-only audit
// trail). Child-order hashes live in their own table so GetByHash can be
// indexed. Two auxiliary caches (market_data, token_decimals) are TTL-keyed
// and may be rebuilt at any time.
//
// Writes are atomic per order record: Save runs in a single transaction and
// the scheduler is the sole writer per order at runtime, so last-writer-wins
// is safe.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"lop-keeper/pkg/types"
)

// Store persists orders, events and caches in a single SQLite database.
// A mutex serializes writes; SQLite handles concurrent readers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One writer connection keeps SQLite's locking simple.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	maker              TEXT NOT NULL,
	maker_asset        TEXT NOT NULL,
	taker_asset        TEXT NOT NULL,
	chain_id           INTEGER NOT NULL,
	symbol             TEXT NOT NULL,
	size               TEXT NOT NULL,
	remaining_size     TEXT NOT NULL,
	params             TEXT NOT NULL,
	signature          TEXT NOT NULL,
	signed_payload     TEXT NOT NULL,
	status             TEXT NOT NULL,
	trigger_count      INTEGER NOT NULL,
	next_trigger_value REAL NOT NULL,
	trigger_price      REAL NOT NULL,
	created_at         INTEGER NOT NULL,
	executed_at        INTEGER NOT NULL DEFAULT 0,
	cancelled_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_orders_status  ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_orders_maker   ON orders(maker);

CREATE TABLE IF NOT EXISTS order_hashes (
	order_id TEXT NOT NULL REFERENCES orders(id),
	position INTEGER NOT NULL,
	hash     TEXT NOT NULL,
	PRIMARY KEY (order_id, position)
);
CREATE INDEX IF NOT EXISTS idx_order_hashes_hash ON order_hashes(hash);

CREATE TABLE IF NOT EXISTS order_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id      TEXT NOT NULL,
	order_hash    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	ts            INTEGER NOT NULL,
	filled_amount TEXT NOT NULL DEFAULT '',
	tx_hash       TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_order ON order_events(order_id, id);

CREATE TABLE IF NOT EXISTS market_data (
	symbol     TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_decimals (
	chain_id   INTEGER NOT NULL,
	address    TEXT NOT NULL,
	decimals   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (chain_id, address)
);
`

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists the order and its hash list in one transaction.
func (s *Store) Save(ctx context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, type, maker, maker_asset, taker_asset, chain_id, symbol,
			size, remaining_size, params, signature, signed_payload,
			status, trigger_count, next_trigger_value, trigger_price,
			created_at, executed_at, cancelled_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			remaining_size = excluded.remaining_size,
			params = excluded.params,
			status = excluded.status,
			trigger_count = excluded.trigger_count,
			next_trigger_value = excluded.next_trigger_value,
			trigger_price = excluded.trigger_price,
			executed_at = excluded.executed_at,
			cancelled_at = excluded.cancelled_at`,
		o.ID, string(o.Type), o.Maker, o.MakerAsset, o.TakerAsset, o.ChainID, o.Symbol,
		o.Size.String(), o.RemainingSize.String(), string(o.Params), o.Signature, o.SignedPayload,
		string(o.Status), o.TriggerCount, o.NextTriggerValue, o.TriggerPrice,
		o.CreatedAt, o.ExecutedAt, o.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}

	// Hash list is append-only; insert any positions not yet present.
	for i, h := range o.ChildOrderHashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_hashes (order_id, position, hash) VALUES (?,?,?)
			 ON CONFLICT(order_id, position) DO NOTHING`,
			o.ID, i, h,
		); err != nil {
			return fmt.Errorf("save hash: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const orderColumns = `
	id, type, maker, maker_asset, taker_asset, chain_id, symbol,
	size, remaining_size, params, signature, signed_payload,
	status, trigger_count, next_trigger_value, trigger_price,
	created_at, executed_at, cancelled_at`

// Get returns the order by id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := s.loadHashes(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetByHash returns the parent order that submitted the given child hash,
// or nil if no order owns it.
func (s *Store) GetByHash(ctx context.Context, hash string) (*types.Order, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id FROM order_hashes WHERE hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by hash: %w", err)
	}
	return s.Get(ctx, id)
}

// GetActive returns all orders in a watchable status, newest first.
func (s *Store) GetActive(ctx context.Context) ([]*types.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN (?,?,?) ORDER BY created_at DESC`,
		string(types.StatusPending), string(types.StatusActive), string(types.StatusPartiallyFilled))
}

// GetPending returns orders awaiting their first trigger, newest first.
// Used together with GetActive on startup to restart watchers.
func (s *Store) GetPending(ctx context.Context) ([]*types.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = ? ORDER BY created_at DESC`,
		string(types.StatusPending))
}

// GetByMaker returns every order signed by the given maker, newest first.
func (s *Store) GetByMaker(ctx context.Context, maker string) ([]*types.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE maker = ? COLLATE NOCASE ORDER BY created_at DESC`, maker)
}

// AppendEvent writes one audit record. Insertion order is preserved when
// read back by order id.
func (s *Store) AppendEvent(ctx context.Context, evt types.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filled := ""
	if !evt.FilledAmount.IsZero() {
		filled = evt.FilledAmount.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (order_id, order_hash, status, ts, filled_amount, tx_hash, error)
		 VALUES (?,?,?,?,?,?,?)`,
		evt.OrderID, evt.OrderHash, string(evt.Status), evt.Timestamp, filled, evt.TxHash, evt.Error)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the audit trail for an order in insertion order.
func (s *Store) Events(ctx context.Context, orderID string) ([]types.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, order_hash, status, ts, filled_amount, tx_hash, error
		 FROM order_events WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()

	var events []types.OrderEvent
	for rows.Next() {
		var evt types.OrderEvent
		var status, filled string
		if err := rows.Scan(&evt.ID, &evt.OrderID, &evt.OrderHash, &status,
			&evt.Timestamp, &filled, &evt.TxHash, &evt.Error); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Status = types.OrderStatus(status)
		if filled != "" {
			evt.FilledAmount, err = decimalFrom(filled)
			if err != nil {
				return nil, fmt.Errorf("scan event amount: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// CacheTicker stores the latest collector sample for a symbol.
func (s *Store) CacheTicker(ctx context.Context, tick types.TickerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal ticker: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO market_data (symbol, payload, updated_at) VALUES (?,?,?)
		 ON CONFLICT(symbol) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		tick.Symbol, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache ticker: %w", err)
	}
	return nil
}

// CachedTicker returns the cached sample for a symbol if it is younger
// than ttl. Returns nil on a miss or an expired entry.
func (s *Store) CachedTicker(ctx context.Context, symbol string, ttl time.Duration) (*types.TickerSnapshot, error) {
	var payload string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM market_data WHERE symbol = ?`, symbol).
		Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached ticker: %w", err)
	}
	if time.Since(time.UnixMilli(updatedAt)) > ttl {
		return nil, nil
	}
	var tick types.TickerSnapshot
	if err := json.Unmarshal([]byte(payload), &tick); err != nil {
		return nil, fmt.Errorf("unmarshal ticker: %w", err)
	}
	return &tick, nil
}

// CacheDecimals stores a token's decimals.
func (s *Store) CacheDecimals(ctx context.Context, chainID int64, address string, decimals int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_decimals (chain_id, address, decimals, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(chain_id, address) DO UPDATE SET decimals = excluded.decimals, updated_at = excluded.updated_at`,
		chainID, normalizeAddr(address), decimals, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache decimals: %w", err)
	}
	return nil
}

// CachedDecimals returns a token's cached decimals if younger than ttl.
// The bool reports a hit.
func (s *Store) CachedDecimals(ctx context.Context, chainID int64, address string, ttl time.Duration) (int, bool, error) {
	var decimals int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT decimals, updated_at FROM token_decimals WHERE chain_id = ? AND address = ?`,
		chainID, normalizeAddr(address)).Scan(&decimals, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cached decimals: %w", err)
	}
	if time.Since(time.UnixMilli(updatedAt)) > ttl {
		return 0, false, nil
	}
	return decimals, true, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := s.loadHashes(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) loadHashes(ctx context.Context, o *types.Order) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM order_hashes WHERE order_id = ? ORDER BY position ASC`, o.ID)
	if err != nil {
		return fmt.Errorf("load hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("scan hash: %w", err)
		}
		o.ChildOrderHashes = append(o.ChildOrderHashes, h)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*types.Order, error) {
	var o types.Order
	var typ, size, remaining, params, status string
	if err := row.Scan(
		&o.ID, &typ, &o.Maker, &o.MakerAsset, &o.TakerAsset, &o.ChainID, &o.Symbol,
		&size, &remaining, &params, &o.Signature, &o.SignedPayload,
		&status, &o.TriggerCount, &o.NextTriggerValue, &o.TriggerPrice,
		&o.CreatedAt, &o.ExecutedAt, &o.CancelledAt,
	); err != nil {
		return nil, err
	}
	o.Type = types.OrderType(typ)
	o.Status = types.OrderStatus(status)
	o.Params = json.RawMessage(params)

	var err error
	if o.Size, err = decimalFrom(size); err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if o.RemainingSize, err = decimalFrom(remaining); err != nil {
		return nil, fmt.Errorf("remaining_size: %w", err)
	}
	return &o, nil
}

func decimalFrom(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func normalizeAddr(addr string) string {
	return strings.ToLower(addr)
}

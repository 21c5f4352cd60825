//go:build sqlite

package pricelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "pricefeeder/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS prices (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	coin  TEXT    NOT NULL,
	ts    INTEGER NOT NULL,
	price TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS prices_coin_id ON prices(coin, id);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("price_log.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps appends per coin serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Append(ctx context.Context, coin string, e Entry) error {
	if err := checkCoin(coin); err != nil {
		return err
	}
	if err := e.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO prices(coin, ts, price) VALUES(?,?,?)`, coin, e.Timestamp, e.Price)
	return err
}

func (s *sqliteStore) Last(ctx context.Context, coin string) (Entry, bool, error) {
	if err := checkCoin(coin); err != nil {
		return Entry{}, false, err
	}
	var e Entry
	err := s.db.QueryRowContext(ctx, `SELECT ts, price FROM prices WHERE coin = ? ORDER BY id DESC LIMIT 1`, coin).Scan(&e.Timestamp, &e.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) History(ctx context.Context, coin string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := checkCoin(coin); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, price FROM prices WHERE coin = ? ORDER BY id DESC LIMIT ?`, coin, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.Price); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "librusbot/pkg/logx"
)

//go:embed migrations.sql
var schema string

const (
	insertDelivery = `INSERT INTO deliveries
	(at, cycle_id, destination, kind, entity_id, change_id, message_id, action)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	// newest n rows, returned oldest first
	selectRecent = `SELECT at, cycle_id, destination, kind, entity_id, change_id, message_id, action
	FROM (SELECT * FROM deliveries ORDER BY id DESC LIMIT ?) ORDER BY id`
)

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// one writer; the engine loop is the only one anyway
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertDelivery,
		r.At.UTC().Format(time.RFC3339Nano), optional(r.CycleID), r.Destination, r.Kind,
		r.EntityID, optional(r.ChangeID), r.MessageID, r.Action)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeliveryRecord, 0, n)
	for rows.Next() {
		var (
			r              DeliveryRecord
			at             string
			cycle, changed sql.NullString
		)
		err := rows.Scan(&at, &cycle, &r.Destination, &r.Kind, &r.EntityID, &changed, &r.MessageID, &r.Action)
		if err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("storage: delivery time %q: %w", at, err)
		}
		r.CycleID, r.ChangeID = cycle.String, changed.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// optional stores blank strings as NULL.
func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roombook/internal/model"
	logx "roombook/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	// writers take the lock at BEGIN so two processes never deadlock on upgrade
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: the pragmas above are per-connection and an in-memory
	// database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &sqlStore{
		db:  db,
		log: log.With(logx.String("storage", "sqlite")),
		d: dialect{
			name:     "sqlite",
			classify: classifySQLite,
		},
	}
	if err := migrate(context.Background(), db, "migrations_sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func migrate(ctx context.Context, db *sql.DB, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}

func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return model.Unavailable(err)
		}
	}
	return err
}

// intents carry their primitive fields as one JSON body; bookkeeping columns
// (attempts, delivery) live beside it and win on read.
func encodeIntent(in model.Intent) (string, error) {
	in.ID, in.Attempts, in.LastError, in.DeliveredAt, in.Failed = 0, 0, "", time.Time{}, false
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode intent: %w", err)
	}
	return string(b), nil
}

func decodeIntent(body string) (model.Intent, error) {
	var in model.Intent
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return model.Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return in, nil
}

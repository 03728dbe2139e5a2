package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roombook/internal/model"
	logx "roombook/pkg/logx"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := migrate(ctx, db, "migrations_postgres.sql"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	st := &sqlStore{
		db:  db,
		log: log.With(logx.String("storage", "postgres")),
		d: dialect{
			name:         "postgres",
			numbered:     true,
			txOpts:       &sql.TxOptions{Isolation: sql.LevelSerializable},
			claimOpt:     &sql.TxOptions{Isolation: sql.LevelReadCommitted},
			lockSuffix:   " FOR UPDATE SKIP LOCKED",
			lockResource: pgLockResource,
			classify:     classifyPostgres,
		},
	}
	st.log.Info("storage opened", logx.Int("max_conns", cfg.MaxConns))
	return st, nil
}

// pgLockResource takes a transaction-scoped advisory lock keyed by resource id.
func pgLockResource(ctx context.Context, tx *sql.Tx, resourceID int64) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1::bigint)`, resourceID)
	return err
}

func classifyPostgres(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return model.Unavailable(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return model.Unavailable(err)
	}
	return err
}

package storage

import (
	"errors"
	"strings"

	"roombook/internal/model"
	logx "roombook/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		log.Warn("memory storage selected; reservations are lost on exit")
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open accepts name.
func ValidDriver(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "memory", "mem", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
		return true
	}
	return false
}

func containsStatus(set []model.Status, s model.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

package storage

import (
	"errors"
	"strings"

	"taper/internal/eventbus"
	"taper/pkg/logx"
)

// Open initializes the configured store.
// It returns ErrDisabled if Driver is "none".
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, bus)
	case "memory", "mem":
		return NewMemory(bus), nil
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log, bus)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

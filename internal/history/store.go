// Package history stores conversation sessions.
// Three drivers are available: memory (default), sqlite and redis. If the configured
// persistent driver cannot be opened the package falls back to in-memory storage.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/logger"
)

var (
	// ErrUnknownSession is returned for ids that were never started.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidDriver is returned by NewStore for unsupported driver names.
	ErrInvalidDriver = errors.New("invalid history driver")
)

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// Store owns every session's history.
type Store interface {
	// Reset creates the session, or clears it if it already exists.
	Reset(ctx context.Context, id string, createdAt time.Time) error
	// Exists reports whether the session was started.
	Exists(ctx context.Context, id string) (bool, error)
	// Append adds a turn to the end of the session's history.
	// Returns ErrUnknownSession if the session does not exist.
	Append(ctx context.Context, id string, turn Turn) error
	// Load returns a copy of the session.
	// Returns ErrUnknownSession if the session does not exist.
	Load(ctx context.Context, id string) (*Session, error)
	// Close releases the underlying resources.
	Close() error
}

// NewStore builds the store selected by cfg.Driver.
func NewStore(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(), nil

	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
			return NewMemoryStore(), nil
		}
		logger.L.Info("sqlite history DB initialized", "path", cfg.DBPath)
		return s, nil

	case DriverRedis:
		s, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.L.Warn("redis connect failed; using in-memory history", "error", err)
			return NewMemoryStore(), nil
		}
		logger.L.Info("redis history store connected", "addr", cfg.RedisAddr)
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, cfg.Driver)
	}
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var allowedTypes = strings.Join([]string{"memory", "badger", "postgres"}, ",")

type Config struct {
	Type    string
	Source  string // postgres connection string
	Datadir string // badger base directory; empty means in-memory
	Logger  badger.Logger
}

// Open builds the ledger store selected by cfg.Type. Postgres stores are
// migrated before being returned.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(cfg.Datadir, cfg.Logger)
	case "postgres":
		if cfg.Source == "" {
			return nil, fmt.Errorf("postgres store requires a connection string")
		}
		s, err := NewPostgresStore(ctx, cfg.Source)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", cfg.Type, allowedTypes)
	}
}

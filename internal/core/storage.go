package core

import (
	"fmt"

	"cards/internal/infra/persistence/memory"
	"cards/internal/infra/persistence/postgres"
	"cards/internal/infra/persistence/sqlite"
	"cards/internal/platform/config"
	"cards/pkg/domain"
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend from cfg; an empty driver means
// sqlite.
func OpenPersistentStore(cfg config.Storage, hooks *domain.CommitHookEngine) (PersistentStore, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewStore(hooks), nil
	case "", config.StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath, hooks)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		s, err := postgres.NewStore(cfg.PostgresDSN, hooks)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

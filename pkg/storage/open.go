package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/labvm/pkg/config"
)

// Open returns the store selected by cfg. The postgres schema is migrated
// when migrate is true.
func Open(ctx context.Context, cfg config.StoreConfig, migrate bool) (Store, error) {
	switch cfg.Driver {
	case "bolt", "":
		return NewBoltStore(cfg.DataDir)
	case "postgres":
		s, err := NewSQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

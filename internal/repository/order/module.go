package order

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/database"
)

// Module provides the order ledger to Fx.
var Module = fx.Provide(NewStore)

// NewStore selects the ledger backend for the configured database driver.
func NewStore(cfg config.Config, conns *database.Connections, logger *zap.Logger) Store {
	if cfg.Database.Driver == database.DriverMemory {
		logger.Warn("using in-memory order ledger; data is lost on restart")
		return NewMemoryStore()
	}
	return NewRepository(conns)
}

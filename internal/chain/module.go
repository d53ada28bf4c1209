package chain

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
)

// Module provides the shared chain RPC client and the Verifier built on it.
var Module = fx.Module("chain",
	fx.Provide(
		func(cfg config.Config, logger *zap.Logger) *Client { return NewClient(cfg, logger) },
		NewConfiguredVerifier,
	),
)

// NewConfiguredVerifier builds a Verifier over client using the configured commitment and tolerance.
func NewConfiguredVerifier(cfg config.Config, client *Client) *Verifier {
	return NewVerifier(client, Commitment(cfg.Chain.Commitment), cfg.Chain.NativeTolerance)
}

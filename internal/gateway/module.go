package gateway

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
)

// Module provides the webhook verifier and receipt locator.
var Module = fx.Module("gateway",
	fx.Provide(
		NewVerifier,
		NewReceiptLocator,
	),
)

// NewReceiptLocator uses the charges API when an API key is configured.
func NewReceiptLocator(cfg config.Config, logger *zap.Logger) ReceiptLocator {
	if cfg.Gateway.APIKey == "" {
		logger.Info("gateway api key not set; receipts will not be recorded")
		return noReceipts{}
	}
	return NewChargeReceipts(cfg.Gateway.APIKey, nil)
}

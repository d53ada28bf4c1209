package http

import (
	"go.uber.org/fx"

	ordertransport "github.com/Additional-Code/settle/internal/transport/http/order"
	verificationtransport "github.com/Additional-Code/settle/internal/transport/http/verification"
	webhooktransport "github.com/Additional-Code/settle/internal/transport/http/webhook"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	verificationtransport.Module,
	webhooktransport.Module,
)

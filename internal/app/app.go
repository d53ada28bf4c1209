package app

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/settle/internal/cache"
	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/database"
	"github.com/Additional-Code/settle/internal/events"
	"github.com/Additional-Code/settle/internal/gateway"
	"github.com/Additional-Code/settle/internal/logger"
	"github.com/Additional-Code/settle/internal/messaging"
	"github.com/Additional-Code/settle/internal/observability"
	repositoryorder "github.com/Additional-Code/settle/internal/repository/order"
	grpcserver "github.com/Additional-Code/settle/internal/server/grpc"
	httpserver "github.com/Additional-Code/settle/internal/server/http"
	"github.com/Additional-Code/settle/internal/service/confirmation"
	serviceorder "github.com/Additional-Code/settle/internal/service/order"
	"github.com/Additional-Code/settle/internal/service/reconcile"
	"github.com/Additional-Code/settle/internal/service/verification"
	transporthttp "github.com/Additional-Code/settle/internal/transport/http"
	"github.com/Additional-Code/settle/internal/worker"
	workerorder "github.com/Additional-Code/settle/internal/worker/order"
)

// Infra provides configuration, logging, telemetry and the ledger without any payment rails.
var Infra = fx.Options(
	config.Module,
	logger.Module,
	observability.Module,
	database.Module,
	repositoryorder.Module,
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	Infra,
	cache.Module,
	messaging.Module,
	events.Module,
	chain.Module,
	gateway.Module,
	confirmation.Module,
	verification.Module,
	reconcile.Module,
	serviceorder.Module,
)

// HTTP wires the HTTP and gRPC servers on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
	grpcserver.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
	fx.Invoke(func(*observability.Manager) {}),
)

// Module is the default application wiring.
var Module = HTTP

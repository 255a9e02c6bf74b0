// Package app wires every component into a running trading process.
package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/engine"
	"github.com/doctadg/perpstrader-sub009/internal/markets"
	"github.com/doctadg/perpstrader-sub009/internal/overfill"
	"github.com/doctadg/perpstrader-sub009/internal/reconcile"
	"github.com/doctadg/perpstrader-sub009/internal/recovery"
	"github.com/doctadg/perpstrader-sub009/internal/risk"
	"github.com/doctadg/perpstrader-sub009/internal/snapshot"
	"github.com/doctadg/perpstrader-sub009/internal/statecache"
	"github.com/doctadg/perpstrader-sub009/internal/storage"
	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/config"
	"github.com/doctadg/perpstrader-sub009/pkg/healthprobe"
	"github.com/doctadg/perpstrader-sub009/pkg/httpserver"
)

// Bus channels published by the application itself. Component-owned
// channels live with their publishers.
const (
	ChannelOrderFill       = "order.fill"
	ChannelPositionUpdated = "position.updated"
)

// App is the main application orchestrator.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	health     *healthprobe.HealthChecker
	httpServer *httpserver.Server
	events     *bus.InProcess
	memo       *cache.Memoizer

	venueClient *venue.Client
	fillStream  *venue.FillStream // nil without a signing wallet
	guard       *overfill.Protection
	state       *statecache.Store
	store       storage.TradeStore
	riskMgr     *risk.Manager
	safety      *risk.SafetyEngine
	conditions  *markets.ConditionsProvider
	validator   *markets.Validator
	engine      *engine.Engine
	batch       *engine.BatchProcessor // nil unless batching is enabled
	reconciler  *reconcile.Reconciler
	snapshots   *snapshot.Service
	recoverySvc *recovery.Service // nil unless recovery is enabled

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Venue exposes the venue client for CLI verbs that reuse an assembled
// application instead of building their own client.
func (a *App) Venue() *venue.Client { return a.venueClient }

// Engine exposes the execution engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Reconciler exposes the reconciliation service.
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Snapshots exposes the snapshot service.
func (a *App) Snapshots() *snapshot.Service { return a.snapshots }

// Risk exposes the risk manager.
func (a *App) Risk() *risk.Manager { return a.riskMgr }

// State exposes the local state cache.
func (a *App) State() *statecache.Store { return a.state }

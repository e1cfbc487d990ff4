package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclex/internal/server"
	"github.com/alanyoungcy/oraclex/internal/server/handler"
	"github.com/alanyoungcy/oraclex/internal/server/ws"
)

// notifyBuffer is the fan-out buffer for the alert forwarder. Alerts are
// best-effort like every other subscriber.
const notifyBuffer = 128

// ServerMode runs the HTTP API, the WebSocket hub, the event relay, the
// pending-transaction reconciler and the alert forwarder.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything ServerMode does plus the settled-market archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps)

	if deps.Archiver != nil {
		interval := a.cfg.Archive.Interval.Duration
		g.Go(func() error {
			a.logger.InfoContext(ctx, "archiver started", slog.Duration("interval", interval))
			return deps.Archiver.Run(ctx, interval)
		})
	} else {
		a.logger.InfoContext(ctx, "archive disabled; settled markets stay in the primary store only")
	}

	return g.Wait()
}

// startCore adds the goroutines shared by every mode to g.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// Subscribe before the broadcaster runs so no early event is missed.
	if deps.Notifier.Enabled() {
		sub := deps.Events.Subscribe(notifyBuffer)
		g.Go(func() error {
			return deps.Notifier.Forward(ctx, sub)
		})
	}

	g.Go(func() error {
		return deps.Events.Run(ctx)
	})

	g.Go(func() error {
		return deps.Engine.RunReconciler(ctx, a.cfg.Reconcile.Interval.Duration)
	})

	a.startHTTPServer(ctx, g, deps)
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to g. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Events, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(
			a.cfg.Mode,
			deps.Ledger.ChainID(),
			deps.Ledger.From(),
			deps.Addresses.Map(),
			deps.Events,
		),
		Markets: handler.NewMarketHandler(deps.Engine, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.Bool("auth", a.cfg.Server.APIKey != ""),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

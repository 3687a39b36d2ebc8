package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chainbot/internal/crypto"
	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/executor"
	"github.com/alanyoungcy/chainbot/internal/server"
	"github.com/alanyoungcy/chainbot/internal/server/handler"
	"github.com/alanyoungcy/chainbot/internal/server/ws"
	"github.com/alanyoungcy/chainbot/internal/service"
)

const shutdownTimeout = 5 * time.Second

// FullMode runs everything: the scheduler (when auto_start is set), the
// invoice watcher, notifications, the archive job when enabled, and the HTTP
// server when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	if err := a.recover(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	if a.cfg.Scheduler.AutoStart {
		if err := a.startScheduler(ctx, g, deps); err != nil {
			return err
		}
	} else {
		a.stopSchedulerOnExit(ctx, g, deps)
	}
	if deps.Archive != nil {
		g.Go(func() error { return ignoreCancel(deps.Archive.RunCron(ctx, a.cfg.Archive.Cron)) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// ServerMode serves the API and event stream. The scheduler is controlled
// through the API only.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode", slog.Int("port", a.cfg.Server.Port))
	if err := a.recover(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.stopSchedulerOnExit(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SchedulerMode runs the cycle loop headless, with the invoice watcher and
// notifications but no API.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode",
		slog.Duration("interval", a.cfg.Scheduler.Interval.Duration),
	)
	if err := a.recover(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	if err := a.startScheduler(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// ArchiveMode only runs the execution-log archive on its cron schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archive == nil {
		return errors.New("archive mode: archive.enabled is false")
	}
	a.logger.InfoContext(ctx, "starting archive mode", slog.String("cron", a.cfg.Archive.Cron))
	return ignoreCancel(deps.Archive.RunCron(ctx, a.cfg.Archive.Cron))
}

// recover fails rules a previous process left Executing. It must run before
// the first cycle.
func (a *App) recover(ctx context.Context, deps *Dependencies) error {
	n, err := service.RecoverInterrupted(ctx, deps.Rules, deps.Events, a.logger)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.WarnContext(ctx, "recovered interrupted rules", slog.Int("count", n))
	}
	return nil
}

// startBackground starts the invoice watcher, the notifier and the memo
// cleanup of the in-process memo.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error { return ignoreCancel(deps.Watcher.Run(ctx)) })

	if deps.Notifier.Enabled() {
		g.Go(func() error { return ignoreCancel(deps.Notifier.Listen(ctx, deps.Bus)) })
	}

	if memo, ok := deps.Memo.(*executor.Memo); ok {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					memo.Cleanup()
				}
			}
		})
	}
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if err := deps.Scheduler.Start(ctx, SchedulerConfig(a.cfg)); err != nil {
		return fmt.Errorf("app: start scheduler: %w", err)
	}
	a.stopSchedulerOnExit(ctx, g, deps)
	return nil
}

// stopSchedulerOnExit stops the scheduler when ctx ends, including a loop
// started over the API with a detached context.
func (a *App) stopSchedulerOnExit(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := deps.Scheduler.Stop(stopCtx); err != nil && !errors.Is(err, domain.ErrSchedulerStopped) {
			a.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
		}
		return nil
	})
}

// startHTTPServer builds the API handlers, the websocket hub and the server
// and adds them to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Bus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error { return ignoreCancel(hub.Run(ctx)) })

	srv := server.NewServer(a.serverConfig(), a.handlers(deps), hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) serverConfig() server.Config {
	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}
	if a.cfg.Server.SigningSecret != "" {
		cfg.Signer = &crypto.RequestSigner{Secret: a.cfg.Server.SigningSecret}
	}
	return cfg
}

func (a *App) handlers(deps *Dependencies) server.Handlers {
	return server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Store.Backend, deps.Scheduler),
		Rules:     handler.NewRuleHandler(deps.Rules, a.logger),
		Invoices:  handler.NewInvoiceHandler(deps.Ledger, a.logger),
		Scheduler: handler.NewSchedulerHandler(deps.Scheduler, SchedulerConfig(a.cfg), a.logger),
		Prices:    handler.NewPriceHandler(deps.Prices, a.logger),
		Account:   handler.NewAccountHandler(deps.Reader, a.logger),
	}
}

// ignoreCancel treats a context cancellation as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

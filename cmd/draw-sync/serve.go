package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/mcpserver"
	"github.com/alexjbarnes/draw-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and the MCP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("draw-sync starting",
		slog.String("version", Version),
		slog.String("connectivity", a.cfg.ConnectivityMode),
		slog.String("state", a.cfg.StatePath),
		slog.Int("collections", len(a.orch.Catalog().Names())),
	)

	if err := a.orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	// Catch up once at startup instead of waiting for the first tick.
	a.orch.TriggerSync()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.CatalogPath != "" {
		g.Go(func() error {
			return ignoreCanceled(catalog.Watch(gctx, a.cfg.CatalogPath, a.logger, a.orch.SetCatalog))
		})
	}

	g.Go(func() error {
		logTransitions(gctx, a)
		return nil
	})

	g.Go(func() error {
		return runHTTP(gctx, a)
	})

	return g.Wait()
}

// logTransitions logs every change of sync state until ctx is cancelled.
func logTransitions(ctx context.Context, a *app) {
	updates, cancel := a.orch.Subscribe()
	defer cancel()

	last := a.orch.Status()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			if s.State == last.State && s.IsOnline == last.IsOnline {
				continue
			}

			a.logger.Info("sync status changed",
				slog.String("state", string(s.State)),
				slog.Bool("online", s.IsOnline),
				slog.Int("records", s.TotalRecords),
				slog.String("last_error", s.LastError),
			)

			last = s
		}
	}
}

// runHTTP serves the MCP and status endpoints until ctx is cancelled.
func runHTTP(ctx context.Context, a *app) error {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "draw-sync", Version: Version},
		nil,
	)

	var editor mcpserver.Editor
	if a.cfg.EnableAdmin {
		editor = a.admin
	}

	mcpserver.RegisterTools(mcpServer, a.orch, editor)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: a.cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Status:     a.orch.Status,
			Logger:     a.logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	a.logger.Info("starting HTTP server",
		slog.String("listen", a.cfg.ListenAddr),
		slog.Bool("admin_tools", a.cfg.EnableAdmin),
	)

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

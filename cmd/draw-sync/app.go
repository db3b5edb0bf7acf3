package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"

	"github.com/alexjbarnes/draw-sync/internal/admin"
	"github.com/alexjbarnes/draw-sync/internal/cache"
	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/config"
	"github.com/alexjbarnes/draw-sync/internal/connectivity"
	"github.com/alexjbarnes/draw-sync/internal/gateway"
	"github.com/alexjbarnes/draw-sync/internal/logging"
	"github.com/alexjbarnes/draw-sync/internal/orchestrator"
	"github.com/alexjbarnes/draw-sync/internal/scheduler"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *cache.Store
	client *gateway.Client
	orch   *orchestrator.Orchestrator
	admin  *admin.Admin
}

// openApp loads configuration and wires the engine. A daemon gets the
// configured connectivity notifier and a wall-clock scheduler; one-shot
// commands treat the service as reachable and never tick. With --offline
// the service is held unreachable for the whole run.
func openApp(daemon bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(cfg.StatePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	client := gateway.NewClient(&http.Client{Timeout: cfg.RequestTimeout}, cfg.APIURL, cfg.APIToken)

	a := &app{cfg: cfg, logger: logger, store: store, client: client}

	ocfg := orchestrator.Config{
		Gateway:             client,
		Store:               store,
		Catalog:             cat,
		SyncInterval:        cfg.SyncInterval,
		FullSyncLimit:       cfg.FullSyncLimit,
		FullResyncAfter:     cfg.FullResyncAfter,
		RequestTimeout:      cfg.RequestTimeout,
		ReadFallbackTimeout: cfg.ReadFallbackTimeout,
		MinTriggerInterval:  cfg.MinTriggerInterval,
		RetentionDays:       cfg.RetentionDays,
	}

	switch {
	case offline:
		ocfg.Notifier = connectivity.NewManualNotifier(false)
	case daemon:
		ocfg.Notifier = a.notifier()
	}

	if !daemon {
		ocfg.NewScheduler = func(guard scheduler.Guard) scheduler.Scheduler {
			return scheduler.NewManual(guard)
		}
	}

	a.orch = orchestrator.New(ocfg, logger.With(slog.String("component", "orchestrator")))
	a.admin = admin.New(admin.Config{
		Store:       store,
		Validator:   a.orch,
		Pusher:      client,
		Online:      a.orch.Online,
		PushTimeout: cfg.RequestTimeout,
	}, logger.With(slog.String("component", "admin")))

	return a, nil
}

// notifier builds the connectivity source for CONNECTIVITY_MODE. Nil
// means the service is assumed reachable.
func (a *app) notifier() connectivity.Notifier {
	switch a.cfg.ConnectivityMode {
	case config.ModeFeed:
		return gateway.NewFeed(gateway.FeedConfig{
			URL:   a.cfg.FeedURL,
			Token: a.cfg.APIToken,
			OnChange: func(collection string) {
				a.orch.TriggerCollection(collection)
			},
		}, a.logger.With(slog.String("component", "feed")))
	case config.ModeProbe:
		return connectivity.NewProbeNotifier(a.client, a.cfg.ProbeInterval, a.cfg.RequestTimeout,
			a.logger.With(slog.String("component", "probe")))
	default:
		return nil
	}
}

func (a *app) close() {
	if err := a.orch.Close(); err != nil {
		a.logger.Warn("closing orchestrator", slog.String("error", err.Error()))
	}

	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing cache", slog.String("error", err.Error()))
	}
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath != "" {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("loading catalog: %w", err)
		}

		return cat, nil
	}

	cat, err := catalog.FromNames(cfg.Collections)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	return cat, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// Package server provides HTTP server construction for draw-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/draw-sync/internal/mcpserver"
	"github.com/alexjbarnes/draw-sync/internal/models"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	Status     func() models.SyncStatus
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP endpoint and a JSON status
// endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", cfg.MCPHandler)
	mux.HandleFunc("GET /status", handleStatus(cfg.Status, cfg.Logger))

	return mux
}

func handleStatus(status func() models.SyncStatus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(mcpserver.ViewStatus(status())); err != nil {
			logger.Warn("writing status response", slog.String("error", err.Error()))
		}
	}
}

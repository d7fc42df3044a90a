// Package api serves the local management interface used by the CLI and by
// field technicians to register devices and inspect the gateway.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/sensorgate/internal/cleanup"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
	"github.com/kalambet/sensorgate/internal/upload"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	GatewayID string
	Store     *storage.Store
	Registry  *registry.Registry
	Cleaner   *cleanup.Cleaner
	Token     string
	// Workers and Upload are optional; nil when the API runs without a
	// supervisor.
	Workers func() []supervisor.WorkerStatus
	Upload  func() upload.Status
	Logger  *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/devices", handleRegisterDevice(deps))
		r.Get("/devices", handleListDevices(deps))
		r.Get("/devices/{id}", handleGetDevice(deps))
		r.Patch("/devices/{id}", handlePatchDevice(deps))
		r.Delete("/devices/{id}", handleDeleteDevice(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/uploads", handleListUploads(deps))
		r.Post("/cleanup", handleCleanup(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

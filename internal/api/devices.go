package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

func handleRegisterDevice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req registry.Registration
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ExternalID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "external_id is required")
			return
		}
		if req.Type == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "device_type is required")
			return
		}

		if _, err := deps.Registry.Register(r.Context(), req); err != nil {
			storeError(w, err, "failed to register device")
			return
		}
		d, err := deps.Registry.Lookup(r.Context(), req.ExternalID)
		if err != nil {
			storeError(w, err, "failed to load device")
			return
		}
		writeJSON(w, http.StatusOK, deviceFrom(d))
	}
}

func handleListDevices(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.DeviceFilter{Type: r.URL.Query().Get("type")}
		if v := r.URL.Query().Get("enabled_only"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid enabled_only: %v", err)
				return
			}
			f.EnabledOnly = b
		}

		devices, err := deps.Registry.List(r.Context(), f)
		if err != nil {
			storeError(w, err, "failed to list devices")
			return
		}
		out := make([]Device, len(devices))
		for i, d := range devices {
			out[i] = deviceFrom(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDevice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Registry.Lookup(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "failed to get device")
			return
		}
		writeJSON(w, http.StatusOK, deviceFrom(d))
	}
}

func handlePatchDevice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var patch DevicePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if patch.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}

		id := chi.URLParam(r, "id")
		if err := deps.Registry.SetEnabled(r.Context(), id, *patch.Enabled); err != nil {
			storeError(w, err, "failed to update device")
			return
		}
		d, err := deps.Registry.Lookup(r.Context(), id)
		if err != nil {
			storeError(w, err, "failed to load device")
			return
		}
		writeJSON(w, http.StatusOK, deviceFrom(d))
	}
}

func handleDeleteDevice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "failed to remove device")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

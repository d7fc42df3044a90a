package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			storeError(w, err, "failed to read stats")
			return
		}
		version, err := deps.Store.SchemaVersion(r.Context())
		if err != nil {
			storeError(w, err, "failed to read schema version")
			return
		}

		resp := Status{
			GatewayID:     deps.GatewayID,
			SchemaVersion: version,
			Devices:       st.Devices,
			Pending:       st.Pending,
			Uploaded:      st.Uploaded,
			ByType:        make([]TypeStats, len(st.ByType)),
		}
		for i, ts := range st.ByType {
			resp.ByType[i] = TypeStats(ts)
		}
		if deps.Workers != nil {
			resp.Workers = deps.Workers()
		}
		if deps.Upload != nil {
			us := deps.Upload()
			resp.Upload = &us
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListUploads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 1000")
				return
			}
			limit = n
		}

		attempts, err := deps.Store.RecentUploadAttempts(r.Context(), limit)
		if err != nil {
			storeError(w, err, "failed to list upload attempts")
			return
		}
		out := make([]UploadAttempt, len(attempts))
		for i, a := range attempts {
			out[i] = UploadAttempt{
				BatchID:       a.BatchID,
				DataType:      a.DataType,
				RecordCount:   a.RecordCount,
				AcceptedCount: a.AcceptedCount,
				Status:        a.Status,
				StatusCode:    a.StatusCode,
				ErrorDetail:   a.ErrorDetail,
				AttemptedAt:   a.AttemptedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cleaner == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "cleanup is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req CleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Days < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "days must not be negative")
			return
		}

		res, err := deps.Cleaner.RunOnce(r.Context(), req.Days, req.DryRun)
		if err != nil {
			storeError(w, err, "cleanup failed")
			return
		}
		deps.Logger.Info("cleanup triggered via api", "deleted", res.Deleted, "dry_run", res.DryRun)
		writeJSON(w, http.StatusOK, res)
	}
}

package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

const maxReportBodySize = 64 << 10

// WeatherOptions configures a WeatherReceiver.
type WeatherOptions struct {
	// Addr is the listen address, e.g. ":5001".
	Addr string
	// MaxConns caps concurrent connections. Defaults to 32.
	MaxConns int
	// IDKeys are tried in order to find the station id in a report.
	IDKeys []string
	// DropKeys are removed from the payload, e.g. credentials.
	DropKeys []string
	// FieldMap renames vendor keys to payload field names.
	FieldMap map[string]string
	// Required lists payload fields (after renaming) a report must carry.
	Required []string
	// Ranges holds inclusive [min, max] bounds for numeric payload fields.
	// Out-of-range values are logged and kept.
	Ranges     map[string][2]float64
	DeviceType string
	Logger     *slog.Logger
}

// WeatherReceiver accepts pushed weather-station reports over HTTP.
type WeatherReceiver struct {
	rec    SampleRecorder
	opts   WeatherOptions
	drop   map[string]bool
	logger *slog.Logger
}

// NewWeatherReceiver creates a receiver that records reports through rec.
func NewWeatherReceiver(rec SampleRecorder, opts WeatherOptions) *WeatherReceiver {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 32
	}
	if len(opts.IDKeys) == 0 {
		opts.IDKeys = []string{"sensor_id", "PASSKEY", "ID"}
	}
	if opts.DeviceType == "" {
		opts.DeviceType = TypeWeather
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drop := make(map[string]bool, len(opts.DropKeys)+len(opts.IDKeys))
	for _, k := range opts.DropKeys {
		drop[k] = true
	}
	for _, k := range opts.IDKeys {
		drop[k] = true
	}
	return &WeatherReceiver{rec: rec, opts: opts, drop: drop, logger: logger.With("worker", "weather")}
}

// Handler returns the receiver's routes.
func (wr *WeatherReceiver) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "weather-receiver"})
	})
	r.Get("/data", wr.handleReport)
	r.Post("/data", wr.handleReport)
	r.Get("/data/report", wr.handleReport)
	r.Post("/data/report", wr.handleReport)
	r.Get("/data/report/", wr.handleReport)
	r.Post("/data/report/", wr.handleReport)
	return r
}

// Run serves until ctx is cancelled.
func (wr *WeatherReceiver) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", wr.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", wr.opts.Addr, err)
	}
	ln = netutil.LimitListener(ln, wr.opts.MaxConns)

	srv := &http.Server{
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	wr.logger.Info("weather receiver listening", "addr", ln.Addr().String())
	supervisor.Heartbeat(ctx)

	select {
	case err := <-errc:
		return fmt.Errorf("weather receiver stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down weather receiver: %w", err)
	}
	return nil
}

func (wr *WeatherReceiver) handleReport(w http.ResponseWriter, r *http.Request) {
	fields, err := parseReport(w, r)
	if err != nil {
		wr.logger.Warn("rejecting malformed report", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s, err := wr.toSample(fields)
	if err != nil {
		wr.logger.Warn("rejecting report", "remote", r.RemoteAddr, "device_id", s.ExternalID, "error", err)
		wr.rec.Fail(r.Context(), s.ExternalID, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := wr.rec.Record(r.Context(), s)
	switch {
	case err == nil:
		wr.logger.Debug("weather report stored", "device_id", s.ExternalID, "reading_id", id, "fields", len(s.Payload))
	case errors.Is(err, ErrDeviceDisabled):
		// The station cannot act on an error; acknowledge and drop.
		wr.logger.Warn("ignoring report from disabled device", "device_id", s.ExternalID)
	case errors.Is(err, storage.ErrUnknownDevice):
		wr.logger.Warn("report from unregistered device", "device_id", s.ExternalID)
		http.Error(w, "unknown device", http.StatusForbidden)
		return
	case retryable(err):
		wr.logger.Error("store unavailable, asking station to retry", "device_id", s.ExternalID, "error", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	default:
		wr.logger.Error("storing weather report failed", "device_id", s.ExternalID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "success\n")
}

// parseReport reads a report from the query string, a form body or a JSON
// object body.
func parseReport(w http.ResponseWriter, r *http.Request) (map[string]reading.Value, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxReportBodySize)
	defer r.Body.Close()

	fields := make(map[string]reading.Value)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if r.Method == http.MethodPost && ct == "application/json" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, x := range obj {
			if s, ok := x.(string); ok {
				fields[k] = reading.Parse(s)
				continue
			}
			v, err := reading.FromAny(x)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = v
		}
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	for k, vals := range r.Form {
		if len(vals) == 0 {
			continue
		}
		if _, ok := fields[k]; !ok {
			fields[k] = reading.Parse(vals[0])
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("empty report")
	}
	return fields, nil
}

// toSample validates a report. On a validation error the returned sample
// still carries the station id when one was found.
func (wr *WeatherReceiver) toSample(fields map[string]reading.Value) (Sample, error) {
	var stationID string
	for _, k := range wr.opts.IDKeys {
		if v, ok := fields[k]; ok && v.String() != "" {
			stationID = v.String()
			break
		}
	}
	if stationID == "" {
		return Sample{}, fmt.Errorf("missing station id (one of %s)", strings.Join(wr.opts.IDKeys, ", "))
	}

	p := make(reading.Payload, len(fields))
	for k, v := range fields {
		if wr.drop[k] {
			continue
		}
		if mapped, ok := wr.opts.FieldMap[k]; ok {
			k = mapped
		}
		p[k] = v
	}

	var missing []string
	for _, k := range wr.opts.Required {
		if _, ok := p[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Sample{ExternalID: stationID}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	for _, k := range p.Keys() {
		bounds, ok := wr.opts.Ranges[k]
		if !ok {
			continue
		}
		if f, ok := p[k].Float(); ok && (f < bounds[0] || f > bounds[1]) {
			wr.logger.Warn("value out of range", "device_id", stationID, "field", k,
				"value", f, "min", bounds[0], "max", bounds[1])
		}
	}

	return Sample{
		ExternalID: stationID,
		DeviceType: wr.opts.DeviceType,
		Payload:    p,
		Quality:    FullQuality,
		At:         time.Now(),
	}, nil
}

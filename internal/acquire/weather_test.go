package acquire

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

func newTestReceiver(rec SampleRecorder) *WeatherReceiver {
	return NewWeatherReceiver(rec, WeatherOptions{
		DropKeys: []string{"PASSWORD", "action"},
		FieldMap: map[string]string{"tempf": "temperature_f", "humidity": "humidity_pct"},
		Required: []string{"temperature_f"},
	})
}

func TestWeatherQueryReport(t *testing.T) {
	rec := &fakeRecorder{}
	h := newTestReceiver(rec).Handler()

	q := url.Values{"ID": {"KSTATION1"}, "PASSWORD": {"secret"}, "tempf": {"68.4"}, "humidity": {"55"}, "softwaretype": {"vws"}, "action": {"updateraw"}}
	req := httptest.NewRequest(http.MethodGet, "/data/report/?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "success\n", rr.Body.String())

	got := rec.recorded()
	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, "KSTATION1", s.ExternalID)
	assert.Equal(t, TypeWeather, s.DeviceType)
	assert.Equal(t, reading.Number(68.4), s.Payload["temperature_f"])
	assert.Equal(t, reading.Number(55), s.Payload["humidity_pct"])
	assert.Equal(t, reading.Text("vws"), s.Payload["softwaretype"])
	for _, k := range []string{"ID", "PASSWORD", "action", "tempf"} {
		assert.NotContains(t, s.Payload, k)
	}
}

func TestWeatherFormReport(t *testing.T) {
	rec := &fakeRecorder{}
	h := newTestReceiver(rec).Handler()

	form := url.Values{"PASSKEY": {"A1B2C3"}, "tempf": {"70.1"}, "baromrelin": {"29.92"}}
	req := httptest.NewRequest(http.MethodPost, "/data/report/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := rec.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "A1B2C3", got[0].ExternalID)
	assert.Equal(t, reading.Number(29.92), got[0].Payload["baromrelin"])
}

func TestWeatherJSONReport(t *testing.T) {
	rec := &fakeRecorder{}
	h := newTestReceiver(rec).Handler()

	body := `{"sensor_id": "wx-roof", "tempf": 71, "raining": false, "uv": "3"}`
	req := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := rec.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "wx-roof", got[0].ExternalID)
	assert.Equal(t, reading.Bool(false), got[0].Payload["raining"])
	assert.Equal(t, reading.Number(3), got[0].Payload["uv"])
}

func TestWeatherRejectsBadReports(t *testing.T) {
	rec := &fakeRecorder{}
	h := newTestReceiver(rec).Handler()

	cases := map[string]string{
		"missing id":       "/data?tempf=60",
		"missing required": "/data?ID=K1&humidity=40",
		"empty":            "/data",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	assert.Empty(t, rec.recorded())
	assert.Equal(t, []string{"K1"}, rec.failures(), "only the report naming a station is counted")
}

func TestWeatherRejectedReportsTakeStationOffline(t *testing.T) {
	rec, reg, _ := newTestRecorder(t, true)
	h := newTestReceiver(rec).Handler()
	ctx := context.Background()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/data?ID=KSTATION1&tempf=61", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	for i := 0; i < registry.DefaultOfflineThreshold; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/data?ID=KSTATION1&humidity=40", nil))
		require.Equal(t, http.StatusBadRequest, rr.Code)
	}

	d, err := reg.Lookup(ctx, "KSTATION1")
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultOfflineThreshold, d.ErrorCount)
	assert.False(t, d.Online)
}

func TestWeatherOutOfRangeValuesAreKept(t *testing.T) {
	var logs bytes.Buffer
	rec := &fakeRecorder{}
	h := NewWeatherReceiver(rec, WeatherOptions{
		FieldMap: map[string]string{"tempf": "temperature_f", "humidity": "humidity_pct"},
		Ranges:   map[string][2]float64{"temperature_f": {-40, 150}, "humidity_pct": {0, 100}},
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	}).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/data?ID=K1&tempf=212&humidity=55", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	got := rec.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, reading.Number(212), got[0].Payload["temperature_f"])
	assert.Equal(t, FullQuality, got[0].Quality)

	out := logs.String()
	assert.Contains(t, out, "value out of range")
	assert.Contains(t, out, "field=temperature_f")
	assert.NotContains(t, out, "field=humidity_pct")
}

func TestWeatherStoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", storage.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{storage.ErrUnknownDevice, http.StatusForbidden},
		{ErrDeviceDisabled, http.StatusOK},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := &fakeRecorder{errs: []error{tc.err}}
			h := newTestReceiver(rec).Handler()
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/data?ID=K1&tempf=60", nil))
			assert.Equal(t, tc.code, rr.Code)
		})
	}
}

func TestWeatherHealth(t *testing.T) {
	h := newTestReceiver(&fakeRecorder{}).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestWeatherEndToEnd(t *testing.T) {
	rec, _, s := newTestRecorder(t, true)
	srv := httptest.NewServer(newTestReceiver(rec).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/data?ID=KROOF&tempf=50.5")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows, err := s.FetchPending(context.Background(), 10, storage.PendingFilter{DeviceType: TypeWeather})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "KROOF", rows[0].ExternalID)
}

package upload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() Batch {
	return Batch{
		ID:        "b-1",
		Source:    "gw-test",
		DataType:  "battery",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Records: []Record{
			{ID: 1, SensorID: "bms-1", SensorType: "battery", Data: map[string]any{"voltage": 12.5}, Quality: 100},
			{ID: 2, SensorID: "bms-1", SensorType: "battery", Data: map[string]any{"voltage": 12.4}, Quality: 100},
			{ID: 3, SensorID: "bms-2", SensorType: "battery", Data: map[string]any{"voltage": 12.1}, Quality: 90},
		},
	}
}

func TestHTTPSenderJSON(t *testing.T) {
	var got wireBatch
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPOptions{URL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	out, err := s.Send(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
	assert.False(t, out.Partial)

	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "b-1", header.Get("X-Batch-ID"))

	assert.Equal(t, "gw-test", got.Source)
	assert.Equal(t, "battery", got.DataType)
	assert.Equal(t, "b-1", got.BatchID)
	assert.Equal(t, "2024-05-01T12:00:00Z", got.Timestamp)
	assert.Equal(t, 2, got.DeviceCount)
	require.Len(t, got.Records, 3)
	assert.Equal(t, 12.1, got.Records[2].Data["voltage"])
}

func TestHTTPSenderCBORZstd(t *testing.T) {
	var got wireBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		assert.Equal(t, "zstd", r.Header.Get("Content-Encoding"))

		dec, err := zstd.NewReader(r.Body)
		require.NoError(t, err)
		defer dec.Close()
		raw, err := io.ReadAll(dec)
		require.NoError(t, err)
		require.NoError(t, cbor.Unmarshal(raw, &got))

		resp, _ := cbor.Marshal(Response{Status: "ok"})
		w.Header().Set("Content-Type", "application/cbor")
		w.Write(resp)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPOptions{URL: srv.URL, Encoding: EncodingCBOR, Compression: CompressionZstd})
	require.NoError(t, err)

	out, err := s.Send(context.Background(), testBatch())
	require.NoError(t, err)
	assert.False(t, out.Partial)
	assert.Equal(t, "b-1", got.BatchID)
	assert.Len(t, got.Records, 3)
}

func TestHTTPSenderPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"partial","accepted":[1,3]}`))
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPOptions{URL: srv.URL})
	require.NoError(t, err)

	out, err := s.Send(context.Background(), testBatch())
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.Equal(t, []int64{1, 3}, out.Accepted)
}

func TestHTTPSenderFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   int
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: "maintenance", code: 503},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "bad key", code: 401},
		{name: "malformed ack", status: http.StatusOK, body: "{not json", code: 200},
		{name: "unknown status", status: http.StatusOK, body: `{"status":"rejected","message":"quota"}`, code: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s, err := NewHTTPSender(HTTPOptions{URL: srv.URL})
			require.NoError(t, err)

			_, err = s.Send(context.Background(), testBatch())
			var se *SendError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.StatusCode)
		})
	}
}

func TestHTTPSenderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(HTTPOptions{URL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testBatch())
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, se.StatusCode)
}

func TestNewHTTPSenderValidation(t *testing.T) {
	_, err := NewHTTPSender(HTTPOptions{})
	assert.Error(t, err)
	_, err = NewHTTPSender(HTTPOptions{URL: "http://x", Encoding: "xml"})
	assert.Error(t, err)
	_, err = NewHTTPSender(HTTPOptions{URL: "http://x", Compression: "brotli"})
	assert.Error(t, err)
}

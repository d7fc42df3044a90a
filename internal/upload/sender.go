package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Batch is the unit of delivery: readings of one data type (or "mixed")
// sent in a single request.
type Batch struct {
	ID        string
	Source    string
	DataType  string
	CreatedAt time.Time
	Records   []Record
}

// Record is one reading as sent to the remote endpoint.
type Record struct {
	ID         int64          `json:"id"`
	SensorID   string         `json:"sensor_id"`
	SensorType string         `json:"sensor_type"`
	Data       map[string]any `json:"data"`
	Quality    int            `json:"quality"`
	ErrorCode  int            `json:"error_code"`
	Timestamp  string         `json:"timestamp"`
}

// wireBatch is the request body.
type wireBatch struct {
	Source      string   `json:"source"`
	DataType    string   `json:"data_type"`
	Timestamp   string   `json:"timestamp"`
	BatchID     string   `json:"batch_id"`
	DeviceCount int      `json:"device_count"`
	Records     []Record `json:"records"`
}

// Response is the optional acknowledgement body. Status "partial" lists
// the accepted record ids; an empty body or status "ok" accepts the batch.
type Response struct {
	Status   string  `json:"status"`
	Accepted []int64 `json:"accepted,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Outcome is a delivered batch's result.
type Outcome struct {
	StatusCode int
	// Partial is set when only Accepted were taken by the remote.
	Partial  bool
	Accepted []int64
}

// SendError is a failed delivery. StatusCode is 0 when no response arrived.
type SendError struct {
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Sender delivers a batch to the remote endpoint.
type Sender interface {
	Send(ctx context.Context, b Batch) (Outcome, error)
}

// HTTPOptions configures an HTTPSender.
type HTTPOptions struct {
	URL         string
	APIKey      string
	Timeout     time.Duration
	Encoding    string
	Compression string
	UserAgent   string
}

// HTTPSender posts batches with a bounded timeout. It never retries on its
// own; retry timing belongs to the Worker.
type HTTPSender struct {
	client *resty.Client
	url    string
	codec  *codec
}

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(opts HTTPOptions) (*HTTPSender, error) {
	if opts.URL == "" {
		return nil, errors.New("upload URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c, err := newCodec(opts.Encoding, opts.Compression)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json, application/cbor")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &HTTPSender{client: client, url: opts.URL, codec: c}, nil
}

func (s *HTTPSender) Send(ctx context.Context, b Batch) (Outcome, error) {
	devices := make(map[string]struct{})
	for _, r := range b.Records {
		devices[r.SensorID] = struct{}{}
	}
	body, contentType, contentEncoding, err := s.codec.encode(wireBatch{
		Source:      b.Source,
		DataType:    b.DataType,
		Timestamp:   b.CreatedAt.UTC().Format(time.RFC3339),
		BatchID:     b.ID,
		DeviceCount: len(devices),
		Records:     b.Records,
	})
	if err != nil {
		return Outcome{}, &SendError{Err: err}
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("X-Batch-ID", b.ID).
		SetBody(body)
	if contentEncoding != "" {
		req.SetHeader("Content-Encoding", contentEncoding)
	}

	resp, err := req.Post(s.url)
	if err != nil {
		return Outcome{}, &SendError{Err: fmt.Errorf("posting batch: %w", err)}
	}

	code := resp.StatusCode()
	if code < 200 || code > 299 {
		detail := bytes.TrimSpace(resp.Body())
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return Outcome{}, &SendError{StatusCode: code, Err: fmt.Errorf("remote rejected batch: %s", detail)}
	}

	out := Outcome{StatusCode: code}
	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 {
		return out, nil
	}

	var ack Response
	if err := s.codec.decode(resp.Header().Get("Content-Type"), raw, &ack); err != nil {
		return Outcome{}, &SendError{StatusCode: code, Err: fmt.Errorf("malformed response: %w", err)}
	}
	switch ack.Status {
	case "", "ok", "success":
	case "partial":
		out.Partial = true
		out.Accepted = ack.Accepted
	default:
		return Outcome{}, &SendError{StatusCode: code, Err: fmt.Errorf("unexpected response status %q: %s", ack.Status, ack.Message)}
	}
	return out, nil
}

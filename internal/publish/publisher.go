// Package publish mirrors stored readings onto an MQTT broker for local
// consumers such as dashboards. It never marks readings uploaded: delivery
// to the remote endpoint stays with the upload worker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

// Store is the read side of the reading store the publisher polls.
type Store interface {
	PendingDataTypes(ctx context.Context) ([]storage.PendingType, error)
	FetchPending(ctx context.Context, limit int, f storage.PendingFilter) ([]storage.Reading, error)
}

// Options configures a Publisher.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// BaseTopic prefixes every topic: <BaseTopic>/<type>/<device id>.
	BaseTopic string
	QoS       byte
	// Interval between polls of the store. Defaults to 5s.
	Interval time.Duration
	// BatchSize caps readings published per type and poll. Defaults to 10.
	BatchSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Message is the JSON body published for each reading.
type Message struct {
	ReadingID   int64          `json:"reading_id"`
	SensorID    string         `json:"sensor_id"`
	SensorType  string         `json:"sensor_type"`
	Data        map[string]any `json:"data"`
	Timestamp   string         `json:"timestamp"`
	ReadQuality int            `json:"read_quality"`
	ErrorCode   int            `json:"error_code,omitempty"`
}

// tokenPublisher is the part of mqtt.Client used to publish.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Publisher polls pending readings and publishes each one once per process
// lifetime. A per-type id cursor tracks progress; it lives in memory, so a
// restart republishes readings still pending.
type Publisher struct {
	store  Store
	opts   Options
	logger *slog.Logger

	cursors   map[string]int64
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates a Publisher reading from store.
func New(store Store, opts Options) *Publisher {
	if opts.ClientID == "" {
		opts.ClientID = "sensorgate-publisher"
	}
	if opts.BaseTopic == "" {
		opts.BaseTopic = "sensorgate/sensors"
	}
	opts.BaseTopic = strings.TrimSuffix(opts.BaseTopic, "/")
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:     store,
		opts:      opts,
		logger:    logger.With("worker", "publish"),
		cursors:   make(map[string]int64),
		newClient: mqtt.NewClient,
	}
}

// Run connects to the broker and publishes until ctx is cancelled. Polls are
// skipped while the client is reconnecting. A failed initial connect ends Run
// so the supervisor can restart it.
func (p *Publisher) Run(ctx context.Context) error {
	if p.opts.Broker == "" {
		return errors.New("no MQTT broker configured for publishing")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.opts.Broker)
	opts.SetClientID(p.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(p.opts.PublishTimeout)
	if p.opts.Username != "" {
		opts.SetUsername(p.opts.Username)
		opts.SetPassword(p.opts.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost, reconnecting", "broker", p.opts.Broker, "error", err)
	})

	client := p.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(p.opts.PublishTimeout) {
		return fmt.Errorf("connecting to MQTT broker %s: timed out", p.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", p.opts.Broker, err)
	}
	defer client.Disconnect(250)
	p.logger.Info("publishing readings", "broker", p.opts.Broker, "base_topic", p.opts.BaseTopic)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		supervisor.Heartbeat(ctx)
		if !client.IsConnectionOpen() {
			continue
		}
		n, err := p.publishOnce(ctx, client)
		if err != nil {
			p.logger.Warn("publish pass incomplete", "published", n, "error", err)
			continue
		}
		if n > 0 {
			p.logger.Debug("published readings", "count", n)
		}
	}
}

// publishOnce publishes up to BatchSize new readings per device type. A
// failed publish stops that type at the failed reading, which is retried on
// the next pass.
func (p *Publisher) publishOnce(ctx context.Context, c tokenPublisher) (int, error) {
	types, err := p.store.PendingDataTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending types: %w", err)
	}

	var (
		published int
		errs      []error
	)
	for _, t := range types {
		rows, err := p.store.FetchPending(ctx, p.opts.BatchSize, storage.PendingFilter{
			DeviceType: t.DeviceType,
			AfterID:    p.cursors[t.DeviceType],
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fetching %s readings: %w", t.DeviceType, err))
			continue
		}
		for _, r := range rows {
			if err := p.publish(c, r); err != nil {
				errs = append(errs, fmt.Errorf("reading %d: %w", r.ID, err))
				break
			}
			p.cursors[t.DeviceType] = r.ID
			published++
		}
	}
	return published, errors.Join(errs...)
}

func (p *Publisher) publish(c tokenPublisher, r storage.Reading) error {
	body, err := json.Marshal(Message{
		ReadingID:   r.ID,
		SensorID:    r.ExternalID,
		SensorType:  r.DeviceType,
		Data:        r.Payload.Map(),
		Timestamp:   r.CreatedAt.UTC().Format(time.RFC3339),
		ReadQuality: r.Quality,
		ErrorCode:   r.ErrorCode,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	topic := Topic(p.opts.BaseTopic, r.DeviceType, r.ExternalID)
	token := c.Publish(topic, p.opts.QoS, false, body)
	if !token.WaitTimeout(p.opts.PublishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Topic builds the topic for one reading. Topic separators and wildcards in
// the type or device id are replaced with underscores.
func Topic(base, deviceType, externalID string) string {
	return base + "/" + topicEscaper.Replace(deviceType) + "/" + topicEscaper.Replace(externalID)
}

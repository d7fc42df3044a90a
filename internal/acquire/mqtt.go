package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

// MQTTOptions configures an MQTTSubscriber.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topics are subscription filters, e.g. "sensors/+/data".
	Topics []string
	QoS    byte
	// DeviceType is used for messages that do not name their own type.
	DeviceType     string
	ConnectTimeout time.Duration
	// StoreRetries is how often a message is retried while the store is
	// unavailable before it is left unacknowledged.
	StoreRetries int
	Logger       *slog.Logger
}

// MQTTSubscriber stores readings published to an MQTT broker. Messages are
// acknowledged only after their reading has been stored.
type MQTTSubscriber struct {
	rec    SampleRecorder
	opts   MQTTOptions
	logger *slog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTTSubscriber creates a subscriber that records messages through rec.
func NewMQTTSubscriber(rec SampleRecorder, opts MQTTOptions) *MQTTSubscriber {
	if opts.ClientID == "" {
		opts.ClientID = "sensorgate"
	}
	if opts.DeviceType == "" {
		opts.DeviceType = TypeMQTT
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.StoreRetries <= 0 {
		opts.StoreRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSubscriber{
		rec:       rec,
		opts:      opts,
		logger:    logger.With("worker", "mqtt"),
		newClient: mqtt.NewClient,
	}
}

// Run connects, subscribes and stores messages until ctx is cancelled. The
// client reconnects on its own; a failed connect or subscribe ends Run so
// the supervisor can restart it.
func (m *MQTTSubscriber) Run(ctx context.Context) error {
	if len(m.opts.Topics) == 0 {
		return errors.New("no MQTT topics configured")
	}
	errc := make(chan error, 1)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.opts.Broker)
	opts.SetClientID(m.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(m.opts.ConnectTimeout)
	if m.opts.Username != "" {
		opts.SetUsername(m.opts.Username)
		opts.SetPassword(m.opts.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := m.subscribe(ctx, c); err != nil {
			select {
			case errc <- err:
			default:
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost, reconnecting", "broker", m.opts.Broker, "error", err)
	})

	client := m.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.opts.ConnectTimeout) {
		return fmt.Errorf("connecting to MQTT broker %s: timed out", m.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", m.opts.Broker, err)
	}
	defer client.Disconnect(250)
	m.logger.Info("connected to MQTT broker", "broker", m.opts.Broker)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case <-ticker.C:
			supervisor.Heartbeat(ctx)
		}
	}
}

func (m *MQTTSubscriber) subscribe(ctx context.Context, c mqtt.Client) error {
	filters := make(map[string]byte, len(m.opts.Topics))
	for _, t := range m.opts.Topics {
		filters[t] = m.opts.QoS
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		m.handle(ctx, msg)
	})
	if !token.WaitTimeout(m.opts.ConnectTimeout) {
		return errors.New("subscribing to MQTT topics: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to MQTT topics: %w", err)
	}
	m.logger.Info("subscribed to MQTT topics", "topics", m.opts.Topics)
	return nil
}

// handle stores one message. Malformed messages and messages from devices
// that cannot be recorded are acknowledged and dropped with a log entry;
// messages that hit an unavailable store are retried and, failing that,
// left unacknowledged for redelivery. A malformed message that still names
// its device counts as a failure of that device.
func (m *MQTTSubscriber) handle(ctx context.Context, msg mqtt.Message) {
	s, err := parseMQTTMessage(msg.Topic(), msg.Payload(), m.opts.DeviceType)
	if err != nil {
		m.logger.Warn("dropping malformed MQTT message", "topic", msg.Topic(), "device_id", s.ExternalID, "error", err)
		m.rec.Fail(ctx, s.ExternalID, err)
		msg.Ack()
		return
	}

	delay := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		id, err := m.rec.Record(ctx, s)
		if err == nil {
			m.logger.Debug("MQTT reading stored", "device_id", s.ExternalID, "reading_id", id)
			msg.Ack()
			return
		}
		if !retryable(err) {
			m.logger.Warn("dropping MQTT message", "device_id", s.ExternalID, "topic", msg.Topic(), "error", err)
			msg.Ack()
			return
		}
		if attempt >= m.opts.StoreRetries {
			m.logger.Error("store unavailable, leaving MQTT message unacknowledged",
				"device_id", s.ExternalID, "topic", msg.Topic(), "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

var mqttReservedKeys = map[string]bool{
	"sensor_id": true, "device_id": true, "id": true,
	"sensor_type": true, "device_type": true,
	"timestamp": true, "quality": true, "error_code": true, "data": true,
}

// parseMQTTMessage decodes a JSON object message. The device id comes from
// the payload or, failing that, from the second topic level
// ("sensors/<id>/data"). Measurements are read from a nested "data" object
// when present, otherwise from the remaining top-level fields.
func parseMQTTMessage(topic string, payload []byte, defaultType string) (Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Sample{ExternalID: topicDeviceID(topic)}, fmt.Errorf("decoding JSON: %w", err)
	}

	s := Sample{DeviceType: defaultType, Quality: FullQuality, At: time.Now()}
	for _, k := range []string{"sensor_id", "device_id", "id"} {
		if v, ok := obj[k]; ok {
			s.ExternalID = fmt.Sprint(v)
			break
		}
	}
	if s.ExternalID == "" {
		s.ExternalID = topicDeviceID(topic)
	}
	if s.ExternalID == "" {
		return Sample{}, fmt.Errorf("no device id in message or topic %q", topic)
	}
	for _, k := range []string{"sensor_type", "device_type"} {
		if v, ok := obj[k].(string); ok && v != "" {
			s.DeviceType = v
			break
		}
	}

	if q, ok := obj["quality"].(json.Number); ok {
		n, err := q.Int64()
		if err != nil || n < 0 || n > 100 {
			return Sample{ExternalID: s.ExternalID}, fmt.Errorf("invalid quality %v", q)
		}
		s.Quality = int(n)
	}
	if c, ok := obj["error_code"].(json.Number); ok {
		n, err := c.Int64()
		if err != nil {
			return Sample{ExternalID: s.ExternalID}, fmt.Errorf("invalid error_code %v", c)
		}
		s.ErrorCode = int(n)
	}

	var fields map[string]any
	if data, ok := obj["data"].(map[string]any); ok {
		fields = data
	} else {
		fields = make(map[string]any, len(obj))
		for k, v := range obj {
			if !mqttReservedKeys[k] {
				fields[k] = v
			}
		}
	}
	p, err := reading.PayloadFromMap(fields)
	if err != nil {
		return Sample{ExternalID: s.ExternalID}, err
	}
	if len(p) == 0 {
		return Sample{ExternalID: s.ExternalID}, errors.New("message carries no measurements")
	}
	s.Payload = p
	return s, nil
}

// topicDeviceID returns the second level of topic, "" if there is none.
func topicDeviceID(topic string) string {
	if parts := strings.Split(topic, "/"); len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

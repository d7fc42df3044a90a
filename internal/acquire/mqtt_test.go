package acquire

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

type fakeMessage struct {
	topic   string
	payload []byte
	acked   atomic.Int32
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked.Add(1) }

func TestParseMQTTMessage(t *testing.T) {
	s, err := parseMQTTMessage("sensors/meter-3/data",
		[]byte(`{"sensor_type": "energy-meter", "quality": 90, "data": {"power": 1200.5, "phase": "L1"}}`), TypeMQTT)
	require.NoError(t, err)
	assert.Equal(t, "meter-3", s.ExternalID)
	assert.Equal(t, TypeEnergyMeter, s.DeviceType)
	assert.Equal(t, 90, s.Quality)
	assert.Equal(t, reading.Payload{"power": reading.Number(1200.5), "phase": reading.Text("L1")}, s.Payload)

	s, err = parseMQTTMessage("sensors/x/data", []byte(`{"device_id": "th-1", "temperature": 21, "timestamp": "2026-01-01T00:00:00Z"}`), TypeMQTT)
	require.NoError(t, err)
	assert.Equal(t, "th-1", s.ExternalID)
	assert.Equal(t, TypeMQTT, s.DeviceType)
	assert.Equal(t, FullQuality, s.Quality)
	assert.Equal(t, reading.Payload{"temperature": reading.Number(21)}, s.Payload)
}

func TestParseMQTTMessageErrors(t *testing.T) {
	cases := map[string]struct{ topic, payload string }{
		"not json":        {"sensors/a/data", `hello`},
		"no id":           {"sensors", `{"t": 1}`},
		"no measurements": {"sensors/a/data", `{"sensor_id": "a"}`},
		"bad quality":     {"sensors/a/data", `{"quality": 150, "t": 1}`},
		"nested field":    {"sensors/a/data", `{"t": {"x": 1}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMQTTMessage(tc.topic, []byte(tc.payload), TypeMQTT)
			assert.Error(t, err)
		})
	}
}

func TestMQTTHandleAcksStoredMessages(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMQTTSubscriber(rec, MQTTOptions{Topics: []string{"sensors/+/data"}})

	msg := &fakeMessage{topic: "sensors/th-1/data", payload: []byte(`{"temperature": 20}`)}
	m.handle(context.Background(), msg)

	assert.EqualValues(t, 1, msg.acked.Load())
	require.Len(t, rec.recorded(), 1)
}

func TestMQTTHandleRetriesThenLeavesUnacked(t *testing.T) {
	unavailable := storage.ErrStoreUnavailable
	rec := &fakeRecorder{errs: []error{unavailable, unavailable}}
	m := NewMQTTSubscriber(rec, MQTTOptions{StoreRetries: 3})

	msg := &fakeMessage{topic: "sensors/th-1/data", payload: []byte(`{"temperature": 20}`)}
	m.handle(context.Background(), msg)
	assert.EqualValues(t, 1, msg.acked.Load(), "third attempt succeeds")
	assert.Len(t, rec.recorded(), 1)

	rec = &fakeRecorder{errs: []error{unavailable, unavailable}}
	m = NewMQTTSubscriber(rec, MQTTOptions{StoreRetries: 2})
	msg = &fakeMessage{topic: "sensors/th-1/data", payload: []byte(`{"temperature": 20}`)}
	m.handle(context.Background(), msg)
	assert.Zero(t, msg.acked.Load())
	assert.Empty(t, rec.recorded())
}

func TestMQTTHandleDropsPermanentFailures(t *testing.T) {
	rec := &fakeRecorder{errs: []error{errors.Join(ErrDeviceDisabled)}}
	m := NewMQTTSubscriber(rec, MQTTOptions{})

	msg := &fakeMessage{topic: "sensors/th-1/data", payload: []byte(`{"temperature": 20}`)}
	m.handle(context.Background(), msg)
	assert.EqualValues(t, 1, msg.acked.Load())

	bad := &fakeMessage{topic: "sensors/th-1/data", payload: []byte(`garbage`)}
	m.handle(context.Background(), bad)
	assert.EqualValues(t, 1, bad.acked.Load())
}

func TestMQTTHandleCountsMalformedMessagesAgainstDevice(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMQTTSubscriber(rec, MQTTOptions{})

	for _, msg := range []*fakeMessage{
		{topic: "sensors/th-1/data", payload: []byte(`{"quality": 150, "temperature": 20}`)},
		{topic: "sensors/x/data", payload: []byte(`{"sensor_id": "th-2"}`)},
		{topic: "sensors/th-3/data", payload: []byte(`not json`)},
		{topic: "sensors", payload: []byte(`{"temperature": 20}`)},
	} {
		m.handle(context.Background(), msg)
		assert.EqualValues(t, 1, msg.acked.Load())
	}
	assert.Equal(t, []string{"th-1", "th-2", "th-3"}, rec.failures())
	assert.Empty(t, rec.recorded())
}

func TestMQTTBadMessagesTakeDeviceOffline(t *testing.T) {
	rec, reg, _ := newTestRecorder(t, true)
	m := NewMQTTSubscriber(rec, MQTTOptions{})
	ctx := context.Background()

	good := &fakeMessage{topic: "sensors/meter-1/data", payload: []byte(`{"power": 10}`)}
	m.handle(ctx, good)
	for i := 0; i < registry.DefaultOfflineThreshold; i++ {
		m.handle(ctx, &fakeMessage{topic: "sensors/meter-1/data", payload: []byte(`{"error_code": 1.5, "power": 10}`)})
	}

	d, err := reg.Lookup(ctx, "meter-1")
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultOfflineThreshold, d.ErrorCount)
	assert.False(t, d.Online)
}

func TestMQTTRunRequiresTopics(t *testing.T) {
	m := NewMQTTSubscriber(&fakeRecorder{}, MQTTOptions{Broker: "tcp://127.0.0.1:1"})
	assert.Error(t, m.Run(context.Background()))
}

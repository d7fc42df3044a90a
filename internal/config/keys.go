package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList // comma-separated in env vars, a sequence or string in the file
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "gateway.id", typ: kString, env: "SENSORGATE_GATEWAY_ID",
		apply:   func(cfg *Config, v any) { cfg.Gateway.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.ID },
	},
	{
		key: "server.bind", typ: kString, env: "SENSORGATE_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.port", typ: kInt, env: "SENSORGATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SENSORGATE_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SENSORGATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SENSORGATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "SENSORGATE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "registry.offline_threshold", typ: kInt, env: "SENSORGATE_REGISTRY_OFFLINE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Registry.OfflineThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Registry.OfflineThreshold },
	},
	{
		key: "registry.auto_disable", typ: kBool, env: "SENSORGATE_REGISTRY_AUTO_DISABLE",
		apply:   func(cfg *Config, v any) { cfg.Registry.AutoDisable = v.(bool) },
		extract: func(cfg Config) any { return cfg.Registry.AutoDisable },
	},
	{
		key: "registry.auto_register", typ: kBool, env: "SENSORGATE_REGISTRY_AUTO_REGISTER",
		apply:   func(cfg *Config, v any) { cfg.Registry.AutoRegister = v.(bool) },
		extract: func(cfg Config) any { return cfg.Registry.AutoRegister },
	},
	{
		key: "upload.enabled", typ: kBool, env: "SENSORGATE_UPLOAD_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Upload.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Upload.Enabled },
	},
	{
		key: "upload.url", typ: kString, env: "SENSORGATE_UPLOAD_URL",
		apply:   func(cfg *Config, v any) { cfg.Upload.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.URL },
	},
	{
		key: "upload.api_key", typ: kString, env: "SENSORGATE_UPLOAD_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Upload.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.APIKey },
	},
	{
		key: "upload.timeout", typ: kDuration, env: "SENSORGATE_UPLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upload.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.Timeout },
	},
	{
		key: "upload.interval", typ: kDuration, env: "SENSORGATE_UPLOAD_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Upload.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.Interval },
	},
	{
		key: "upload.batch_size", typ: kInt, env: "SENSORGATE_UPLOAD_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Upload.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.BatchSize },
	},
	{
		key: "upload.max_batches_per_cycle", typ: kInt, env: "SENSORGATE_UPLOAD_MAX_BATCHES_PER_CYCLE",
		apply:   func(cfg *Config, v any) { cfg.Upload.MaxBatchesPerCycle = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.MaxBatchesPerCycle },
	},
	{
		key: "upload.backoff_initial", typ: kDuration, env: "SENSORGATE_UPLOAD_BACKOFF_INITIAL",
		apply:   func(cfg *Config, v any) { cfg.Upload.BackoffInitial = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.BackoffInitial },
	},
	{
		key: "upload.backoff_max", typ: kDuration, env: "SENSORGATE_UPLOAD_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Upload.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.BackoffMax },
	},
	{
		key: "upload.encoding", typ: kString, env: "SENSORGATE_UPLOAD_ENCODING",
		apply:   func(cfg *Config, v any) { cfg.Upload.Encoding = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.Encoding },
	},
	{
		key: "upload.compression", typ: kString, env: "SENSORGATE_UPLOAD_COMPRESSION",
		apply:   func(cfg *Config, v any) { cfg.Upload.Compression = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.Compression },
	},
	{
		key: "upload.grouping", typ: kString, env: "SENSORGATE_UPLOAD_GROUPING",
		apply:   func(cfg *Config, v any) { cfg.Upload.Grouping = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.Grouping },
	},
	{
		key: "upload.retention_policy", typ: kString, env: "SENSORGATE_UPLOAD_RETENTION_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Upload.RetentionPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Upload.RetentionPolicy },
	},
	{
		key: "cleanup.enabled", typ: kBool, env: "SENSORGATE_CLEANUP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cleanup.Enabled },
	},
	{
		key: "cleanup.retention_days", typ: kInt, env: "SENSORGATE_CLEANUP_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cleanup.RetentionDays },
	},
	{
		key: "cleanup.interval", typ: kDuration, env: "SENSORGATE_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.Interval },
	},
	{
		key: "cleanup.attempt_log_days", typ: kInt, env: "SENSORGATE_CLEANUP_ATTEMPT_LOG_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.AttemptLogDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cleanup.AttemptLogDays },
	},
	{
		key: "battery.enabled", typ: kBool, env: "SENSORGATE_BATTERY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Battery.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Battery.Enabled },
	},
	{
		key: "battery.command", typ: kString, env: "SENSORGATE_BATTERY_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Battery.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Battery.Command },
	},
	{
		key: "battery.sample_interval", typ: kDuration, env: "SENSORGATE_BATTERY_SAMPLE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Battery.SampleInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Battery.SampleInterval },
	},
	{
		key: "battery.window", typ: kInt, env: "SENSORGATE_BATTERY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Battery.Window = v.(int) },
		extract: func(cfg Config) any { return cfg.Battery.Window },
	},
	{
		key: "battery.cumulative", typ: kList, env: "SENSORGATE_BATTERY_CUMULATIVE",
		apply:   func(cfg *Config, v any) { cfg.Battery.Cumulative = v.([]string) },
		extract: func(cfg Config) any { return cfg.Battery.Cumulative },
	},
	{
		key: "battery.refresh_every", typ: kDuration, env: "SENSORGATE_BATTERY_REFRESH_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Battery.RefreshEvery = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Battery.RefreshEvery },
	},
	{
		key: "battery.sample_timeout", typ: kDuration, env: "SENSORGATE_BATTERY_SAMPLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Battery.SampleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Battery.SampleTimeout },
	},
	{
		key: "weather.enabled", typ: kBool, env: "SENSORGATE_WEATHER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Weather.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Weather.Enabled },
	},
	{
		key: "weather.addr", typ: kString, env: "SENSORGATE_WEATHER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Weather.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.Addr },
	},
	{
		key: "weather.max_conns", typ: kInt, env: "SENSORGATE_WEATHER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Weather.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Weather.MaxConns },
	},
	{
		key: "weather.id_keys", typ: kList, env: "SENSORGATE_WEATHER_ID_KEYS",
		apply:   func(cfg *Config, v any) { cfg.Weather.IDKeys = v.([]string) },
		extract: func(cfg Config) any { return cfg.Weather.IDKeys },
	},
	{
		key: "weather.drop_keys", typ: kList, env: "SENSORGATE_WEATHER_DROP_KEYS",
		apply:   func(cfg *Config, v any) { cfg.Weather.DropKeys = v.([]string) },
		extract: func(cfg Config) any { return cfg.Weather.DropKeys },
	},
	{
		key: "weather.field_map", typ: kString, env: "SENSORGATE_WEATHER_FIELD_MAP",
		apply:   func(cfg *Config, v any) { cfg.Weather.FieldMap = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.FieldMap },
	},
	{
		key: "weather.required", typ: kList, env: "SENSORGATE_WEATHER_REQUIRED",
		apply:   func(cfg *Config, v any) { cfg.Weather.Required = v.([]string) },
		extract: func(cfg Config) any { return cfg.Weather.Required },
	},
	{
		key: "weather.value_ranges", typ: kString, env: "SENSORGATE_WEATHER_VALUE_RANGES",
		apply:   func(cfg *Config, v any) { cfg.Weather.ValueRanges = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.ValueRanges },
	},
	{
		key: "mqtt.enabled", typ: kBool, env: "SENSORGATE_MQTT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MQTT.Enabled },
	},
	{
		key: "mqtt.broker", typ: kString, env: "SENSORGATE_MQTT_BROKER",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Broker = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Broker },
	},
	{
		key: "mqtt.client_id", typ: kString, env: "SENSORGATE_MQTT_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.MQTT.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.ClientID },
	},
	{
		key: "mqtt.username", typ: kString, env: "SENSORGATE_MQTT_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Username },
	},
	{
		key: "mqtt.password", typ: kString, env: "SENSORGATE_MQTT_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.MQTT.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Password },
	},
	{
		key: "mqtt.topics", typ: kList, env: "SENSORGATE_MQTT_TOPICS",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Topics = v.([]string) },
		extract: func(cfg Config) any { return cfg.MQTT.Topics },
	},
	{
		key: "mqtt.qos", typ: kInt, env: "SENSORGATE_MQTT_QOS",
		apply:   func(cfg *Config, v any) { cfg.MQTT.QoS = v.(int) },
		extract: func(cfg Config) any { return cfg.MQTT.QoS },
	},
	{
		key: "mqtt.device_type", typ: kString, env: "SENSORGATE_MQTT_DEVICE_TYPE",
		apply:   func(cfg *Config, v any) { cfg.MQTT.DeviceType = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.DeviceType },
	},
	{
		key: "publish.enabled", typ: kBool, env: "SENSORGATE_PUBLISH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Publish.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Publish.Enabled },
	},
	{
		key: "publish.broker", typ: kString, env: "SENSORGATE_PUBLISH_BROKER",
		apply:   func(cfg *Config, v any) { cfg.Publish.Broker = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.Broker },
	},
	{
		key: "publish.client_id", typ: kString, env: "SENSORGATE_PUBLISH_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Publish.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.ClientID },
	},
	{
		key: "publish.base_topic", typ: kString, env: "SENSORGATE_PUBLISH_BASE_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Publish.BaseTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Publish.BaseTopic },
	},
	{
		key: "publish.qos", typ: kInt, env: "SENSORGATE_PUBLISH_QOS",
		apply:   func(cfg *Config, v any) { cfg.Publish.QoS = v.(int) },
		extract: func(cfg Config) any { return cfg.Publish.QoS },
	},
	{
		key: "publish.interval", typ: kDuration, env: "SENSORGATE_PUBLISH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Publish.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Publish.Interval },
	},
	{
		key: "publish.batch_size", typ: kInt, env: "SENSORGATE_PUBLISH_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Publish.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Publish.BatchSize },
	},
	{
		key: "supervisor.restart_delay", typ: kDuration, env: "SENSORGATE_SUPERVISOR_RESTART_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.RestartDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.RestartDelay },
	},
	{
		key: "supervisor.monitor_interval", typ: kDuration, env: "SENSORGATE_SUPERVISOR_MONITOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.MonitorInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.MonitorInterval },
	},
	{
		key: "supervisor.shutdown_grace", typ: kDuration, env: "SENSORGATE_SUPERVISOR_SHUTDOWN_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.ShutdownGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.ShutdownGrace },
	},
	{
		key: "supervisor.stall_after", typ: kDuration, env: "SENSORGATE_SUPERVISOR_STALL_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.StallAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.StallAfter },
	},
	{
		key: "supervisor.services", typ: kString, env: "SENSORGATE_SUPERVISOR_SERVICES",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.Services = v.(string) },
		extract: func(cfg Config) any { return cfg.Supervisor.Services },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go value a key expects.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

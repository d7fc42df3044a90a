package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Gateway    GatewayConfig
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Registry   RegistryConfig
	Upload     UploadConfig
	Cleanup    CleanupConfig
	Battery    BatteryConfig
	Weather    WeatherConfig
	MQTT       MQTTConfig
	Publish    PublishConfig
	Supervisor SupervisorConfig
}

type GatewayConfig struct {
	// ID is sent as the source of every upload batch.
	ID string
}

type ServerConfig struct {
	Bind     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type RegistryConfig struct {
	OfflineThreshold int
	AutoDisable      bool
	AutoRegister     bool
}

type UploadConfig struct {
	Enabled            bool
	URL                string
	APIKey             string
	Timeout            time.Duration
	Interval           time.Duration
	BatchSize          int
	MaxBatchesPerCycle int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	Encoding           string
	Compression        string
	Grouping           string
	RetentionPolicy    string
}

type CleanupConfig struct {
	Enabled        bool
	RetentionDays  int
	Interval       time.Duration
	AttemptLogDays int
}

type BatteryConfig struct {
	Enabled        bool
	Command        string
	SampleInterval time.Duration
	Window         int
	Cumulative     []string
	RefreshEvery   time.Duration
	SampleTimeout  time.Duration
}

type WeatherConfig struct {
	Enabled  bool
	Addr     string
	MaxConns int
	IDKeys   []string
	DropKeys []string
	// FieldMap renames incoming keys, written as "from:to,from:to".
	FieldMap string
	Required []string
	// ValueRanges bounds mapped numeric fields, written as
	// "field:min:max,field:min:max".
	ValueRanges string
}

type MQTTConfig struct {
	Enabled    bool
	Broker     string
	ClientID   string
	Username   string
	Password   string
	Topics     []string
	QoS        int
	DeviceType string
}

// PublishConfig controls mirroring of stored readings to an MQTT broker.
// Broker defaults to mqtt.broker, and the mqtt credentials are reused.
type PublishConfig struct {
	Enabled   bool
	Broker    string
	ClientID  string
	BaseTopic string
	QoS       int
	Interval  time.Duration
	BatchSize int
}

type SupervisorConfig struct {
	RestartDelay    time.Duration
	MonitorInterval time.Duration
	ShutdownGrace   time.Duration
	StallAfter      time.Duration
	// Services is "all" or a comma-separated subset of ServiceNames.
	Services string
}

// ServiceNames lists the workers the gateway can run.
var ServiceNames = []string{"battery", "weather", "mqtt", "upload", "cleanup", "publish"}

func defaults() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sensorgate"
	}
	return Config{
		Gateway: GatewayConfig{ID: host},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 5080,
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			OfflineThreshold: 5,
			AutoRegister:     true,
		},
		Upload: UploadConfig{
			Enabled:            true,
			Timeout:            30 * time.Second,
			Interval:           60 * time.Second,
			BatchSize:          100,
			MaxBatchesPerCycle: 10,
			BackoffInitial:     30 * time.Second,
			BackoffMax:         30 * time.Minute,
			Encoding:           "json",
			Compression:        "none",
			Grouping:           "type",
			RetentionPolicy:    "mark",
		},
		Cleanup: CleanupConfig{
			Enabled:        true,
			RetentionDays:  7,
			Interval:       time.Hour,
			AttemptLogDays: 30,
		},
		Battery: BatteryConfig{
			SampleInterval: time.Second,
			Window:         300,
			Cumulative:     []string{"energy"},
			RefreshEvery:   time.Minute,
			SampleTimeout:  5 * time.Second,
		},
		Weather: WeatherConfig{
			Addr:     ":5001",
			MaxConns: 16,
			IDKeys:   []string{"sensor_id", "PASSKEY", "ID"},
			DropKeys: []string{"PASSKEY", "PASSWORD", "ID"},
		},
		MQTT: MQTTConfig{
			ClientID:   "sensorgate",
			Topics:     []string{"sensors/#"},
			QoS:        1,
			DeviceType: "generic-mqtt",
		},
		Publish: PublishConfig{
			ClientID:  "sensorgate-publisher",
			BaseTopic: "sensorgate/sensors",
			QoS:       1,
			Interval:  5 * time.Second,
			BatchSize: 10,
		},
		Supervisor: SupervisorConfig{
			RestartDelay:    10 * time.Second,
			MonitorInterval: 30 * time.Second,
			ShutdownGrace:   10 * time.Second,
			StallAfter:      10 * time.Minute,
			Services:        "all",
		},
	}
}

// Load reads configuration from, in increasing precedence: built-in
// defaults, the YAML config file, a .env file beside it and SENSORGATE_*
// environment variables.
//
// The config file is $SENSORGATE_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/sensorgate/config.yaml. Secrets (API key, API token, MQTT
// password) are only read from the environment or the .env file.
func Load() (Config, error) {
	return loadFrom(ConfigFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v. Ignoring it.\n", err)
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		if !slices.Contains(allowed, v) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, v, strings.Join(allowed, ", ")))
		}
	}
	positive := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", key, v))
		}
	}

	oneOf("log.level", c.Log.Level, "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "json", "console")
	oneOf("upload.encoding", c.Upload.Encoding, "json", "cbor")
	oneOf("upload.compression", c.Upload.Compression, "none", "gzip", "zstd")
	oneOf("upload.grouping", c.Upload.Grouping, "type", "mixed")
	oneOf("upload.retention_policy", c.Upload.RetentionPolicy, "mark", "delete")
	positive("upload.batch_size", c.Upload.BatchSize)
	positive("upload.max_batches_per_cycle", c.Upload.MaxBatchesPerCycle)
	positive("cleanup.retention_days", c.Cleanup.RetentionDays)
	positive("registry.offline_threshold", c.Registry.OfflineThreshold)
	positive("battery.window", c.Battery.Window)
	positive("publish.batch_size", c.Publish.BatchSize)
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos: must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Publish.QoS < 0 || c.Publish.QoS > 2 {
		errs = append(errs, fmt.Errorf("publish.qos: must be 0, 1 or 2, got %d", c.Publish.QoS))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if _, err := ParseFieldMap(c.Weather.FieldMap); err != nil {
		errs = append(errs, fmt.Errorf("weather.field_map: %w", err))
	}
	if _, err := ParseValueRanges(c.Weather.ValueRanges); err != nil {
		errs = append(errs, fmt.Errorf("weather.value_ranges: %w", err))
	}
	if _, err := c.Supervisor.EnabledServices(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.services: %w", err))
	}
	return errors.Join(errs...)
}

// EnabledServices expands Services into the set of worker names.
func (s SupervisorConfig) EnabledServices() (map[string]bool, error) {
	out := make(map[string]bool)
	if s.Services == "" || s.Services == "all" {
		for _, n := range ServiceNames {
			out[n] = true
		}
		return out, nil
	}
	for _, n := range splitList(s.Services) {
		if !slices.Contains(ServiceNames, n) {
			return nil, fmt.Errorf("unknown service %q", n)
		}
		out[n] = true
	}
	return out, nil
}

// ParseFieldMap parses "from:to,from:to" into a rename table.
func ParseFieldMap(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		from, to, ok := strings.Cut(pair, ":")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid mapping %q, want from:to", pair)
		}
		out[from] = to
	}
	return out, nil
}

// ParseValueRanges parses "field:min:max,field:min:max" into inclusive
// bounds per field.
func ParseValueRanges(s string) (map[string][2]float64, error) {
	out := make(map[string][2]float64)
	for _, item := range splitList(s) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid range %q, want field:min:max", item)
		}
		lo, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum in %q: %w", item, err)
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid maximum in %q: %w", item, err)
		}
		if lo > hi {
			return nil, fmt.Errorf("invalid range %q: minimum above maximum", item)
		}
		out[strings.TrimSpace(parts[0])] = [2]float64{lo, hi}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "sensorgate-data"
		}
	}
	return filepath.Join(dir, "sensorgate")
}

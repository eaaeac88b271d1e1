// v0
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hygienewatch/realtime/internal/classify"
)

// Config captures every runtime setting of the realtime service. Values
// come from defaults, then an optional properties file, then HYGIENE_*
// environment variables.
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	// LogFilePath is the absolute or relative path to the log file.
	LogFilePath      string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string

	// CatalogBackend is "dynamodb" or "file".
	CatalogBackend string
	CatalogTable   string
	CatalogFile    string
	CatalogTimeout time.Duration

	// StoreBackend is "mqtt" or "memory".
	StoreBackend    string
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTQoS         byte
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	AlertCapacity int
	WatchBuffer   int
	RegistrySize  int
	BandPolicy    string
	// HeartbeatTimeout is how long a sensor may stay quiet before it is
	// reported SILENT.
	HeartbeatTimeout time.Duration

	// BreakerMaxFailures, BreakerReset and BreakerSuccesses tune the
	// breakers around the live store and the catalog.
	BreakerMaxFailures int
	BreakerReset       time.Duration
	BreakerSuccesses   int

	// KafkaBrokers is empty when the notification relay is disabled.
	KafkaBrokers      []string
	NotifyTopic       string
	NotifyGroupID     string
	NotifyPollTimeout time.Duration
	// NotifyGuard puts the notify fetches behind a breaker with retries.
	NotifyGuard         bool
	NotifyFetchAttempts int
	NotifyFetchBackoff  time.Duration
	// NotifyEnsureTopic creates the topic at startup when it is missing.
	NotifyEnsureTopic bool
	NotifyPartitions  int
	NotifyReplication int

	SummaryInterval time.Duration
	AckActor        string
}

const (
	defaultListenAddress   = ":8090"
	defaultLogFile         = "logs/hygiene-realtime.log"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdown        = 5 * time.Second
	defaultPropsPath       = "hygiene-realtime.properties"
	defaultCatalogBackend  = "dynamodb"
	defaultCatalogTable    = "location_configs"
	defaultCatalogFile     = "location_configs.json"
	defaultStoreBackend    = "mqtt"
	defaultMQTTBroker      = "tcp://mosquitto:1883"
	defaultMQTTClientID    = "hygiene-realtime"
	defaultMQTTTopicPrefix = "hygiene/"
	defaultOpTimeout       = 5 * time.Second
	defaultAlertCapacity   = 50
	maxAlertCapacity       = 50
	defaultHeartbeatWait   = 2 * time.Minute
	defaultWatchBuffer     = 64
	defaultRegistrySize    = 256
	defaultBreakerFailures = 5
	defaultBreakerReset    = 30 * time.Second
	defaultBreakerSuccess  = 2
	defaultNotifyTopic     = "hygiene.notifications"
	defaultNotifyGroup     = "hygiene-realtime"
	defaultPollTimeout     = 5 * time.Second
	defaultFetchAttempts   = 3
	defaultFetchBackoff    = 200 * time.Millisecond
	defaultSummaryInterval = time.Minute
	defaultAckActor        = "operator"

	envPrefix = "HYGIENE_"
)

// keys lists every property name. Each one can also be set through the
// environment as HYGIENE_<KEY>.
var keys = []string{
	"listen_address", "log_path", "http_read_timeout_ms", "http_write_timeout_ms", "shutdown_timeout_ms",
	"catalog_backend", "catalog_table", "catalog_file", "catalog_timeout_ms",
	"store_backend", "mqtt_broker", "mqtt_client_id", "mqtt_username", "mqtt_password", "mqtt_topic_prefix", "mqtt_qos",
	"read_timeout_ms", "write_timeout_ms",
	"alert_capacity", "watch_buffer", "registry_size", "band_policy", "heartbeat_timeout_ms",
	"breaker_max_failures", "breaker_reset_ms", "breaker_successes",
	"kafka_brokers", "notify_topic", "notify_group", "notify_poll_timeout_ms",
	"notify_guard", "notify_fetch_attempts", "notify_fetch_backoff_ms",
	"notify_ensure_topic", "notify_partitions", "notify_replication",
	"summary_interval_ms", "ack_actor",
}

// Load resolves configuration by layering defaults, an optional properties
// file and environment variables. The properties file location can be
// overridden with HYGIENE_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Defaults()

	propsPath := strings.TrimSpace(os.Getenv("HYGIENE_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddress:       defaultListenAddress,
		LogFilePath:         filepath.Clean(defaultLogFile),
		HTTPReadTimeout:     defaultReadTimeout,
		HTTPWriteTimeout:    defaultWriteTimeout,
		ShutdownTimeout:     defaultShutdown,
		CatalogBackend:      defaultCatalogBackend,
		CatalogTable:        defaultCatalogTable,
		CatalogFile:         defaultCatalogFile,
		CatalogTimeout:      defaultOpTimeout,
		StoreBackend:        defaultStoreBackend,
		MQTTBroker:          defaultMQTTBroker,
		MQTTClientID:        defaultMQTTClientID,
		MQTTTopicPrefix:     defaultMQTTTopicPrefix,
		MQTTQoS:             1,
		ReadTimeout:         defaultOpTimeout,
		WriteTimeout:        defaultOpTimeout,
		AlertCapacity:       defaultAlertCapacity,
		WatchBuffer:         defaultWatchBuffer,
		RegistrySize:        defaultRegistrySize,
		BandPolicy:          classify.ThreeBandName,
		HeartbeatTimeout:    defaultHeartbeatWait,
		BreakerMaxFailures:  defaultBreakerFailures,
		BreakerReset:        defaultBreakerReset,
		BreakerSuccesses:    defaultBreakerSuccess,
		NotifyTopic:         defaultNotifyTopic,
		NotifyGroupID:       defaultNotifyGroup,
		NotifyPollTimeout:   defaultPollTimeout,
		NotifyGuard:         true,
		NotifyFetchAttempts: defaultFetchAttempts,
		NotifyFetchBackoff:  defaultFetchBackoff,
		NotifyPartitions:    1,
		NotifyReplication:   1,
		SummaryInterval:     defaultSummaryInterval,
		AckActor:            defaultAckActor,
	}
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "listen_address":
		cfg.ListenAddress, err = nonEmpty(value)
	case "log_path":
		var p string
		if p, err = nonEmpty(value); err == nil {
			cfg.LogFilePath = filepath.Clean(p)
		}
	case "http_read_timeout_ms":
		cfg.HTTPReadTimeout, err = parsePositiveMillis(value)
	case "http_write_timeout_ms":
		cfg.HTTPWriteTimeout, err = parsePositiveMillis(value)
	case "shutdown_timeout_ms":
		cfg.ShutdownTimeout, err = parsePositiveMillis(value)
	case "catalog_backend":
		cfg.CatalogBackend, err = oneOf(value, "dynamodb", "file")
	case "catalog_table":
		cfg.CatalogTable, err = nonEmpty(value)
	case "catalog_file":
		cfg.CatalogFile, err = nonEmpty(value)
	case "catalog_timeout_ms":
		cfg.CatalogTimeout, err = parsePositiveMillis(value)
	case "store_backend":
		cfg.StoreBackend, err = oneOf(value, "mqtt", "memory")
	case "mqtt_broker":
		cfg.MQTTBroker, err = nonEmpty(value)
	case "mqtt_client_id":
		cfg.MQTTClientID, err = nonEmpty(value)
	case "mqtt_username":
		cfg.MQTTUsername = value
	case "mqtt_password":
		cfg.MQTTPassword = value
	case "mqtt_topic_prefix":
		cfg.MQTTTopicPrefix = value
	case "mqtt_qos":
		var n int
		n, err = strconv.Atoi(value)
		if err == nil && (n < 0 || n > 2) {
			err = errors.New("mqtt_qos must be 0, 1 or 2")
		}
		cfg.MQTTQoS = byte(n)
	case "read_timeout_ms":
		cfg.ReadTimeout, err = parsePositiveMillis(value)
	case "write_timeout_ms":
		cfg.WriteTimeout, err = parsePositiveMillis(value)
	case "alert_capacity":
		if cfg.AlertCapacity, err = parsePositiveInt(value); err == nil && cfg.AlertCapacity > maxAlertCapacity {
			err = fmt.Errorf("at most %d entries are kept", maxAlertCapacity)
		}
	case "watch_buffer":
		cfg.WatchBuffer, err = parsePositiveInt(value)
	case "registry_size":
		cfg.RegistrySize, err = parsePositiveInt(value)
	case "band_policy":
		t, ok := classify.Lookup(value)
		if !ok {
			return fmt.Errorf("unknown band policy %q (known: %s)", value, strings.Join(classify.Names(), ", "))
		}
		cfg.BandPolicy = t.Name
	case "heartbeat_timeout_ms":
		cfg.HeartbeatTimeout, err = parsePositiveMillis(value)
	case "breaker_max_failures":
		cfg.BreakerMaxFailures, err = parsePositiveInt(value)
	case "breaker_reset_ms":
		cfg.BreakerReset, err = parsePositiveMillis(value)
	case "breaker_successes":
		cfg.BreakerSuccesses, err = parsePositiveInt(value)
	case "kafka_brokers":
		// empty disables the notification relay
		cfg.KafkaBrokers = splitAndTrim(value)
	case "notify_topic":
		cfg.NotifyTopic, err = nonEmpty(value)
	case "notify_group":
		cfg.NotifyGroupID, err = nonEmpty(value)
	case "notify_poll_timeout_ms":
		cfg.NotifyPollTimeout, err = parsePositiveMillis(value)
	case "notify_guard":
		cfg.NotifyGuard, err = strconv.ParseBool(value)
	case "notify_fetch_attempts":
		cfg.NotifyFetchAttempts, err = parsePositiveInt(value)
	case "notify_fetch_backoff_ms":
		var ms int
		if ms, err = strconv.Atoi(value); err == nil && ms < 0 {
			err = errors.New("backoff cannot be negative")
		}
		cfg.NotifyFetchBackoff = time.Duration(ms) * time.Millisecond
	case "notify_ensure_topic":
		cfg.NotifyEnsureTopic, err = strconv.ParseBool(value)
	case "notify_partitions":
		cfg.NotifyPartitions, err = parsePositiveInt(value)
	case "notify_replication":
		cfg.NotifyReplication, err = parsePositiveInt(value)
	case "summary_interval_ms":
		cfg.SummaryInterval, err = parsePositiveMillis(value)
	case "ack_actor":
		cfg.AckActor, err = nonEmpty(value)
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return err
}

func applyEnv(cfg *Config) error {
	for _, key := range keys {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); !ok {
		if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
			cfg.KafkaBrokers = splitAndTrim(v)
		}
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nonEmpty(v string) (string, error) {
	if v == "" {
		return "", errors.New("value cannot be empty")
	}
	return v, nil
}

func oneOf(v string, allowed ...string) (string, error) {
	lower := strings.ToLower(v)
	for _, a := range allowed {
		if lower == a {
			return a, nil
		}
	}
	return "", fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

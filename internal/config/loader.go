package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "gridforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "GRIDFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "GRIDFORGE_CORS_ORIGIN")
	setInt(&cfg.Server.RateLimit, "GRIDFORGE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "GRIDFORGE_RATE_BURST")
	setInt64(&cfg.Server.MaxBodyBytes, "GRIDFORGE_MAX_BODY_BYTES")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "GRIDFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "GRIDFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "GRIDFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "GRIDFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "GRIDFORGE_PG_HEALTH_CHECK")
	setUint(&cfg.Postgres.MaxRetries, "GRIDFORGE_PG_MAX_RETRIES")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "GRIDFORGE_NATS_STREAM")
	setString(&cfg.NATS.ObjectBucket, "GRIDFORGE_NATS_OBJECT_BUCKET")
	setString(&cfg.NATS.KVBucket, "GRIDFORGE_NATS_KV_BUCKET")
	setString(&cfg.NATS.IdempotencyBucket, "GRIDFORGE_NATS_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.NATS.NakDelay, "GRIDFORGE_NATS_NAK_DELAY")

	setString(&cfg.Logging.Level, "GRIDFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "GRIDFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "GRIDFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "GRIDFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "GRIDFORGE_BREAKER_TIMEOUT")

	setString(&cfg.Store.Backend, "GRIDFORGE_STORE_BACKEND")
	setString(&cfg.Queue.Backend, "GRIDFORGE_QUEUE_BACKEND")
	setString(&cfg.Objects.Backend, "GRIDFORGE_OBJECTS_BACKEND")
	setString(&cfg.Objects.SQLitePath, "GRIDFORGE_OBJECTS_SQLITE_PATH")
	setInt64(&cfg.Objects.CacheSizeMB, "GRIDFORGE_OBJECTS_CACHE_SIZE_MB")
	setDuration(&cfg.Objects.CacheTTL, "GRIDFORGE_OBJECTS_CACHE_TTL")

	setDuration(&cfg.Dispatch.TimeToLive, "GRIDFORGE_DISPATCH_TTL")
	setDuration(&cfg.Dispatch.RefreshPeriod, "GRIDFORGE_DISPATCH_REFRESH")
	setDuration(&cfg.Polling.DelayMin, "GRIDFORGE_POLL_DELAY_MIN")
	setDuration(&cfg.Polling.DelayMax, "GRIDFORGE_POLL_DELAY_MAX")

	setString(&cfg.Submitter.DefaultPartition, "GRIDFORGE_DEFAULT_PARTITION")
	setInt(&cfg.Submitter.MaxPriority, "GRIDFORGE_MAX_PRIORITY")
	setInt(&cfg.Submitter.MaxChunkSize, "GRIDFORGE_MAX_CHUNK_SIZE")

	setString(&cfg.Pollster.Partition, "GRIDFORGE_PARTITION")
	setString(&cfg.Pollster.PodName, "GRIDFORGE_POD_NAME")
	setDuration(&cfg.Pollster.DependencyRecheck, "GRIDFORGE_DEPENDENCY_RECHECK")
	setInt(&cfg.Pollster.FetchConcurrency, "GRIDFORGE_FETCH_CONCURRENCY")

	setBool(&cfg.OTEL.Enabled, "GRIDFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "GRIDFORGE_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
}

var (
	storeBackends  = map[string]bool{"postgres": true, "memory": true}
	queueBackends  = map[string]bool{"nats": true, "memory": true}
	objectBackends = map[string]bool{"nats": true, "sqlite": true, "memory": true}
)

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		return errors.New("server.max_body_bytes must be >= 1")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1 when rate limiting is enabled")
	}
	if !storeBackends[cfg.Store.Backend] {
		return fmt.Errorf("store.backend %q is not supported", cfg.Store.Backend)
	}
	if !queueBackends[cfg.Queue.Backend] {
		return fmt.Errorf("queue.backend %q is not supported", cfg.Queue.Backend)
	}
	if !objectBackends[cfg.Objects.Backend] {
		return fmt.Errorf("objects.backend %q is not supported", cfg.Objects.Backend)
	}
	if cfg.Store.Backend == "postgres" {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	}
	if (cfg.Queue.Backend == "nats" || cfg.Objects.Backend == "nats") && cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Objects.Backend == "sqlite" && cfg.Objects.SQLitePath == "" {
		return errors.New("objects.sqlite_path is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Dispatch.TimeToLive <= 0 {
		return errors.New("dispatch.time_to_live must be > 0")
	}
	if cfg.Dispatch.RefreshPeriod <= 0 || cfg.Dispatch.RefreshPeriod >= cfg.Dispatch.TimeToLive {
		return errors.New("dispatch.refresh_period must be > 0 and < dispatch.time_to_live")
	}
	if cfg.Polling.DelayMin <= 0 {
		return errors.New("polling.delay_min must be > 0")
	}
	if cfg.Polling.DelayMax < cfg.Polling.DelayMin {
		return errors.New("polling.delay_max must be >= polling.delay_min")
	}
	if cfg.Submitter.MaxChunkSize < 1 {
		return errors.New("submitter.max_chunk_size must be >= 1")
	}
	if cfg.Submitter.MaxPriority < 1 {
		return errors.New("submitter.max_priority must be >= 1")
	}
	if cfg.Submitter.DefaultPartition == "" {
		return errors.New("submitter.default_partition is required")
	}
	if cfg.Pollster.FetchConcurrency < 1 {
		return errors.New("pollster.fetch_concurrency must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

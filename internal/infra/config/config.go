package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string
	HTTPAddr string

	Backend   string
	Feed      string
	Directory string
	Fixtures  string

	PollInterval        time.Duration
	PendingLimit        int
	PendingTTL          time.Duration
	MaxBody             int
	CallTimeout         time.Duration
	MetadataConcurrency int

	MongoURI string
	MongoDB  string

	DatabaseURL string
	DBMaxConns  int32

	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaUsername    string
	ScyllaPassword    string
	ScyllaConsistency gocql.Consistency
	ScyllaTimeout     time.Duration
	ReplicationFactor int

	NATSURL           string
	NATSSubjectPrefix string

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupPrefix string

	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Bucket     string
	S3UseSSL     bool
	S3PresignTTL time.Duration
}

const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"

	FeedNATS  = "nats"
	FeedKafka = "kafka"

	DirectoryS3 = "s3"
)

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		Backend:           strings.ToLower(getEnv("CHAT_BACKEND", BackendMemory)),
		Feed:              strings.ToLower(os.Getenv("CHAT_FEED")),
		Directory:         strings.ToLower(os.Getenv("CHAT_DIRECTORY")),
		Fixtures:          os.Getenv("CHAT_FIXTURES"),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDB:           getEnv("MONGO_DB", "estatepro"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ScyllaHosts:       splitAndTrim(getEnv("SCYLLA_HOSTS", "localhost")),
		ScyllaKeyspace:    strings.TrimSpace(getEnv("SCYLLA_KEYSPACE", "estatepro_chat")),
		ScyllaUsername:    strings.TrimSpace(os.Getenv("SCYLLA_USERNAME")),
		ScyllaPassword:    strings.TrimSpace(os.Getenv("SCYLLA_PASSWORD")),
		NATSURL:           getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "estatepro.chat"),
		KafkaBrokers:      splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicPrefix:  getEnv("KAFKA_TOPIC_PREFIX", ""),
		KafkaGroupPrefix:  getEnv("KAFKA_GROUP_PREFIX", "estatepro-chat"),
		S3Endpoint:        getEnv("S3_ENDPOINT", "http://localhost:9000"),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:          getEnv("S3_BUCKET", "estatepro-photos"),
	}
	if cfg.Feed == "" {
		cfg.Feed = cfg.Backend
	}
	if cfg.Directory == "" {
		cfg.Directory = cfg.Backend
	}

	var err error
	if cfg.PollInterval, err = parseDurationEnv("CHAT_POLL_INTERVAL", 4*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PendingTTL, err = parseDurationEnv("CHAT_PENDING_TTL", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CallTimeout, err = parseDurationEnv("CHAT_CALL_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScyllaTimeout, err = parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.S3PresignTTL, err = parseDurationEnv("S3_PRESIGN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PendingLimit, err = parseIntEnv("CHAT_PENDING_LIMIT", 256); err != nil {
		return Config{}, err
	}
	if cfg.MaxBody, err = parseIntEnv("CHAT_MAX_BODY", 2000); err != nil {
		return Config{}, err
	}
	if cfg.MetadataConcurrency, err = parseIntEnv("CHAT_METADATA_CONCURRENCY", 8); err != nil {
		return Config{}, err
	}
	if cfg.ReplicationFactor, err = parseIntEnv("SCYLLA_REPLICATION_FACTOR", 1); err != nil {
		return Config{}, err
	}
	maxConns, err := parseIntEnv("DB_MAX_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.DBMaxConns = int32(maxConns)
	if cfg.S3UseSSL, err = parseBoolEnv("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}
	if cfg.ScyllaConsistency, err = parseConsistency(getEnv("SCYLLA_CONSISTENCY", "quorum")); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for CHAT_BACKEND=%s", c.Backend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for CHAT_BACKEND=%s", c.Backend)
		}
	case BackendScylla:
		if c.ScyllaKeyspace == "" {
			return fmt.Errorf("SCYLLA_KEYSPACE is required")
		}
		if len(c.ScyllaHosts) == 0 {
			return fmt.Errorf("SCYLLA_HOSTS is required")
		}
	default:
		return fmt.Errorf("unsupported CHAT_BACKEND: %s", c.Backend)
	}

	switch c.Feed {
	case BackendMemory:
		if c.Backend != BackendMemory && c.Backend != BackendScylla {
			return fmt.Errorf("CHAT_FEED=memory only works with the memory or scylla backend")
		}
	case BackendMongo, BackendPostgres:
		if c.Feed != c.Backend {
			return fmt.Errorf("CHAT_FEED=%s requires CHAT_BACKEND=%s", c.Feed, c.Feed)
		}
	case BackendScylla:
		return fmt.Errorf("CHAT_FEED: scylla has no native change feed, use nats, kafka or memory")
	case FeedNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required for CHAT_FEED=nats")
		}
	case FeedKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for CHAT_FEED=kafka")
		}
	default:
		return fmt.Errorf("unsupported CHAT_FEED: %s", c.Feed)
	}

	switch c.Directory {
	case BackendMemory, BackendMongo, BackendPostgres, BackendScylla:
		if c.Directory != BackendMemory && c.Directory != c.Backend {
			return fmt.Errorf("CHAT_DIRECTORY=%s requires CHAT_BACKEND=%s", c.Directory, c.Directory)
		}
	case DirectoryS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for CHAT_DIRECTORY=s3")
		}
	default:
		return fmt.Errorf("unsupported CHAT_DIRECTORY: %s", c.Directory)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CHAT_POLL_INTERVAL must be positive")
	}
	if c.MaxBody <= 0 {
		return fmt.Errorf("CHAT_MAX_BODY must be positive")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("SCYLLA_REPLICATION_FACTOR must be at least 1")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	// QueueDriver selects the ingest transport: "nsq" or "nats".
	QueueDriver    string
	NSQDAddress    string
	NSQChannel     string
	NSQMaxInFlight int
	NATSURL        string

	RunConsumers        bool
	ConsumerConcurrency int
	DBBatchSize         int
	DBFlushInterval     time.Duration

	PostgresURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EnableMetrics bool

	GeoIPCityMMDB string
	GeoIPASNMMDB  string

	MaintenanceMode bool
}

func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr: getenvDefault("HTTP_ADDR", ":8080"),

		QueueDriver:    strings.ToLower(getenvDefault("QUEUE_DRIVER", "nsq")),
		NSQDAddress:    getenvDefault("NSQD_ADDRESS", "127.0.0.1:4150"),
		NSQChannel:     getenvDefault("NSQ_CHANNEL", "telemetry-consumer"),
		NSQMaxInFlight: parseIntDefault(getenvDefault("NSQ_MAX_IN_FLIGHT", "200"), 200),
		NATSURL:        strings.TrimSpace(os.Getenv("NATS_URL")),

		ConsumerConcurrency: parseIntDefault(getenvDefault("CONSUMER_CONCURRENCY", "1"), 1),
		DBBatchSize:         parseIntDefault(getenvDefault("DB_BATCH_SIZE", "200"), 200),

		PostgresURL: strings.TrimSpace(os.Getenv("POSTGRES_URL")),
		SQLitePath:  strings.TrimSpace(os.Getenv("SQLITE_PATH")),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseIntDefault(getenvDefault("REDIS_DB", "0"), 0),

		GeoIPCityMMDB: strings.TrimSpace(os.Getenv("GEOIP_CITY_MMDB")),
		GeoIPASNMMDB:  strings.TrimSpace(os.Getenv("GEOIP_ASN_MMDB")),

		MaintenanceMode: parseBoolDefault(getenvDefault("MAINTENANCE_MODE", "false"), false),
	}

	cfg.DBFlushInterval = parseDurationDefault(getenvDefault("DB_FLUSH_INTERVAL", "50ms"), 50*time.Millisecond)
	cfg.RunConsumers = parseBoolDefault(getenvDefault("RUN_CONSUMERS", "true"), true)
	cfg.EnableMetrics = parseBoolDefault(getenvDefault("ENABLE_METRICS", "true"), true) && cfg.RedisAddr != ""

	switch cfg.QueueDriver {
	case "nsq":
		if strings.TrimSpace(cfg.NSQDAddress) == "" {
			return Config{}, errors.New("NSQD_ADDRESS is required when QUEUE_DRIVER=nsq")
		}
	case "nats":
		if cfg.NATSURL == "" {
			return Config{}, errors.New("NATS_URL is required when QUEUE_DRIVER=nats")
		}
		if cfg.RunConsumers {
			return Config{}, errors.New("RUN_CONSUMERS is only supported with QUEUE_DRIVER=nsq")
		}
	default:
		return Config{}, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}

	if cfg.RunConsumers && cfg.PostgresURL == "" && cfg.SQLitePath == "" {
		return Config{}, errors.New("POSTGRES_URL or SQLITE_PATH is required when RUN_CONSUMERS=true")
	}
	return cfg, nil
}

func getenvDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseBoolDefault(value string, defaultValue bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseIntDefault(value string, defaultValue int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationDefault(value string, defaultValue time.Duration) time.Duration {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

func (c Config) String() string {
	return fmt.Sprintf(
		"http=%s queue=%s consumers=%v db=%s redis=%s metrics=%v geoip=%v maintenance=%v",
		c.HTTPAddr,
		c.queueSummary(),
		c.RunConsumers,
		redactDBURL(c.PostgresURL, c.SQLitePath),
		c.RedisAddr,
		c.EnableMetrics,
		c.GeoIPCityMMDB != "" || c.GeoIPASNMMDB != "",
		c.MaintenanceMode,
	)
}

func (c Config) queueSummary() string {
	if c.QueueDriver == "nats" {
		return "nats(" + c.NATSURL + ")"
	}
	return "nsq(" + c.NSQDAddress + ")"
}

func redactDBURL(postgresURL, sqlitePath string) string {
	if postgresURL == "" {
		if sqlitePath != "" {
			return "sqlite:" + sqlitePath
		}
		return "<none>"
	}
	u, err := url.Parse(postgresURL)
	if err != nil {
		return "<set>"
	}
	user := "?"
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	host := u.Host
	if host == "" {
		host = "?"
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		db = "?"
	}
	return fmt.Sprintf("%s@%s/%s", user, host, db)
}

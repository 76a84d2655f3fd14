package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables, optionally seeded from a
// .env file, with defaults that let the binary run locally on its own.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisGeoKey        string
	RealtimeRelay      bool
	RealtimeRelayTopic string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaMatchingTopic string

	PGDSN         string
	RunMigrations bool

	ReservationServiceURL string
	AuthIntrospectionURL  string
	AuthStaticTokens      string

	OSRMURL         string
	DefaultSpeedMps float64
	PushEndpoint    string
	PushKey         string

	Matching MatchingConfig

	LogLevel string
}

// MatchingConfig holds the search and dispatch knobs.
type MatchingConfig struct {
	InitialRadiusKm      float64
	RadiusStepKm         float64
	DefaultMaxDistanceKm float64
	MaxAttempts          int
	RequestTTL           time.Duration
	TopK                 int
	FanOut               int
	SweepInterval        time.Duration
	StallAfter           time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "technicians_geo",
		RealtimeRelayTopic: "dispatch:realtime",
		KafkaLocationTopic: "technician-locations",
		KafkaMatchingTopic: "matching-events",
		DefaultSpeedMps:    8,
		Matching: MatchingConfig{
			InitialRadiusKm:      3,
			RadiusStepKm:         2,
			DefaultMaxDistanceKm: 10,
			MaxAttempts:          5,
			RequestTTL:           60 * time.Second,
			TopK:                 3,
			FanOut:               1,
			SweepInterval:        time.Second,
			StallAfter:           5 * time.Second,
		},
		LogLevel: "info",
	}
}

// LoadDotEnv seeds the environment from the given files, or from .env when
// none are named. Missing files are not an error; variables that are already
// set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setBoolFromEnv(&cfg.RealtimeRelay, "REALTIME_RELAY", &errs)
	setStringFromEnv(&cfg.RealtimeRelayTopic, "REALTIME_RELAY_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaMatchingTopic, "KAFKA_MATCHING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.ReservationServiceURL, "RESERVATION_SERVICE_URL")
	setStringFromEnv(&cfg.AuthIntrospectionURL, "AUTH_INTROSPECTION_URL")
	cfg.AuthStaticTokens = os.Getenv("AUTH_STATIC_TOKENS")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	m := &cfg.Matching
	setFloatFromEnv(&m.InitialRadiusKm, "MATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&m.RadiusStepKm, "MATCH_RADIUS_STEP_KM", &errs)
	setFloatFromEnv(&m.DefaultMaxDistanceKm, "MATCH_DEFAULT_MAX_DISTANCE_KM", &errs)
	setIntFromEnv(&m.MaxAttempts, "MATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&m.RequestTTL, "MATCH_REQUEST_TTL", &errs)
	setIntFromEnv(&m.TopK, "MATCH_TOP_K", &errs)
	setIntFromEnv(&m.FanOut, "MATCH_FAN_OUT", &errs)
	setDurationFromEnv(&m.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&m.StallAfter, "MATCH_STALL_AFTER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, m.validate()...)
	if cfg.RealtimeRelay && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REALTIME_RELAY requires REDIS_ADDR"))
	}
	if cfg.AuthIntrospectionURL == "" && cfg.AuthStaticTokens == "" {
		errs = append(errs, fmt.Errorf("one of AUTH_INTROSPECTION_URL or AUTH_STATIC_TOKENS is required"))
	}

	return cfg, errors.Join(errs...)
}

func (m MatchingConfig) validate() []error {
	var errs []error
	if m.InitialRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_INITIAL_RADIUS_KM must be > 0"))
	}
	if m.RadiusStepKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_STEP_KM must be > 0"))
	}
	if m.DefaultMaxDistanceKm < 0.5 || m.DefaultMaxDistanceKm > 50 {
		errs = append(errs, fmt.Errorf("MATCH_DEFAULT_MAX_DISTANCE_KM must be within [0.5, 50]"))
	}
	if m.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_ATTEMPTS must be > 0"))
	}
	if m.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_REQUEST_TTL must be > 0"))
	}
	if m.TopK <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOP_K must be > 0"))
	}
	if m.FanOut <= 0 || m.FanOut > m.TopK {
		errs = append(errs, fmt.Errorf("MATCH_FAN_OUT must be within [1, MATCH_TOP_K]"))
	}
	if m.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be >= 1s"))
	}
	return errs
}

// ConsumerConfig configures the location consumer that feeds the Redis
// technician directory from Kafka.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "technician-locations",
		KafkaGroup:   "technician-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "technicians_geo",
		LogLevel:     "info",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

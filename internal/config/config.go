package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "Guildhall"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultWSPort          = "8081"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultTxTimeout       = 10 * time.Second
	defaultTxMaxAttempts   = 5
	defaultReloadInterval  = 5 * time.Second
	defaultPriceInterval   = 3 * time.Second
	defaultSweepInterval   = 30 * time.Second
	defaultJoinRequestTTL  = 72 * time.Hour
	defaultRejectCooldown  = 24 * time.Hour
	defaultMutationsPerMin = 60
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	developmentEnvironment = "development"
	testEnvironment        = "test"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	WSPort         string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	SessionSecret  string
	ServiceToken   string
	TuningFile     string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	TxTimeout          time.Duration
	TxMaxAttempts      int
	RoomReloadInterval time.Duration
	RoomPriceInterval  time.Duration
	SweepInterval      time.Duration
	JoinRequestTTL     time.Duration
	JoinRejectCooldown time.Duration
	MutationsPerMinute int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:            getEnv("APP_NAME", defaultAppName),
		AppEnv:             getEnv("APP_ENV", defaultAppEnv),
		Port:               getEnv("PORT", defaultPort),
		WSPort:             getEnv("WS_PORT", defaultWSPort),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		ServiceToken:       os.Getenv("SERVICE_TOKEN"),
		TuningFile:         os.Getenv("TUNING_FILE"),
		ShutdownPeriod:     defaultShutdownDelay,
		IdempotencyTTL:     defaultIdempotencyTTL,
		TxMaxAttempts:      defaultTxMaxAttempts,
		MutationsPerMinute: defaultMutationsPerMin,
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"TX_TIMEOUT", defaultTxTimeout, &cfg.TxTimeout},
		{"ROOM_RELOAD_INTERVAL", defaultReloadInterval, &cfg.RoomReloadInterval},
		{"ROOM_PRICE_INTERVAL", defaultPriceInterval, &cfg.RoomPriceInterval},
		{"SWEEP_INTERVAL", defaultSweepInterval, &cfg.SweepInterval},
		{"JOIN_REQUEST_TTL", defaultJoinRequestTTL, &cfg.JoinRequestTTL},
		{"JOIN_REJECT_COOLDOWN", defaultRejectCooldown, &cfg.JoinRejectCooldown},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if v := os.Getenv("TX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid TX_MAX_ATTEMPTS: %q", v)
		}
		cfg.TxMaxAttempts = n
	}
	if v := os.Getenv("MUTATIONS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MUTATIONS_PER_MINUTE: %w", err)
		}
		cfg.MutationsPerMinute = n
	}

	if cfg.IsLocal() {
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET must be set")
	}

	return cfg, nil
}

// IsLocal reports whether the process runs in a development or test environment
// where missing backing services fall back to in-memory stores.
func (c Config) IsLocal() bool {
	return c.AppEnv == developmentEnvironment || c.AppEnv == testEnvironment
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddr(c.Port)
}

// WSAddress returns the websocket gateway listen address.
func (c Config) WSAddress() string {
	return listenAddr(c.WSPort)
}

func listenAddr(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

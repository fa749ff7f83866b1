package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage backends selectable through STORAGE_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendAzure  = "azure"
)

// Config is the board server configuration read from the environment.
type Config struct {
	ListenAddr string
	Debug      bool

	Backend    string
	SQLitePath string
	BoardID    string

	StorageConnectionString string
	TasksTable              string
	EventsQueue             string

	RedisConnectionString string
	BroadcastChannel      string

	TasksCacheTTL     time.Duration
	DeduperTTL        time.Duration
	CASMaxRetries     int
	SessionSendBuffer int

	Auth Auth
}

// Auth configures bearer token validation.
type Auth struct {
	Disabled      bool
	Domain        string
	Audience      string
	TestMode      bool
	TestJWTSecret string
	JWKSCacheTTL  time.Duration
}

// Load reads the configuration, applying defaults and validating
// combinations that would otherwise fail at first use.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:              envString("LISTEN_ADDR", ":8080"),
		Backend:                 strings.ToLower(envString("STORAGE_BACKEND", BackendSQLite)),
		SQLitePath:              envString("SQLITE_PATH", "taskboard.sqlite"),
		BoardID:                 envString("BOARD_ID", "default"),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:              envString("TASKS_TABLE", "tasks"),
		EventsQueue:             os.Getenv("EVENTS_QUEUE"),
		RedisConnectionString:   os.Getenv("REDIS_CONNECTION_STRING"),
		BroadcastChannel:        envString("BROADCAST_CHANNEL", "taskboard-events"),
	}
	var err error
	if cfg.Debug, err = envBool("DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.TasksCacheTTL, err = envDuration("TASKS_CACHE_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DeduperTTL, err = envDuration("DEDUPER_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.CASMaxRetries, err = envInt("CAS_MAX_RETRIES", 5); err != nil {
		return Config{}, err
	}
	if cfg.SessionSendBuffer, err = envInt("SESSION_SEND_BUFFER", 64); err != nil {
		return Config{}, err
	}
	if cfg.Auth, err = loadAuth(); err != nil {
		return Config{}, err
	}

	switch cfg.Backend {
	case BackendSQLite:
	case BackendRedis:
		if cfg.RedisConnectionString == "" {
			return Config{}, errors.New("missing redis config")
		}
	case BackendAzure:
		if cfg.StorageConnectionString == "" {
			return Config{}, errors.New("missing storage config")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_BACKEND %q", cfg.Backend)
	}
	if cfg.EventsQueue != "" && cfg.StorageConnectionString == "" {
		return Config{}, errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	return cfg, nil
}

func loadAuth() (Auth, error) {
	a := Auth{
		Domain:        os.Getenv("AUTH0_DOMAIN"),
		Audience:      os.Getenv("AUTH0_AUDIENCE"),
		TestMode:      os.Getenv("AUTH0_TEST_MODE") == "1",
		TestJWTSecret: os.Getenv("TEST_JWT_SECRET"),
	}
	var err error
	if a.Disabled, err = envBool("AUTH_DISABLED", false); err != nil {
		return Auth{}, err
	}
	if a.JWKSCacheTTL, err = envDuration("JWKS_CACHE_TTL", time.Hour); err != nil {
		return Auth{}, err
	}
	switch {
	case a.Disabled:
	case a.TestMode:
		if a.TestJWTSecret == "" {
			return Auth{}, errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
	case a.Domain == "" || a.Audience == "":
		return Auth{}, errors.New("missing Auth0 config")
	}
	return a, nil
}

// Issuer is the expected token issuer for the configured Auth0 domain.
func (a Auth) Issuer() string {
	return "https://" + a.Domain + "/"
}

// JWKSURL is where signing keys for the configured domain are published.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// RedisOptions parses either a redis:// URL or the
// "host:port,password=...,ssl=true" form used by Azure Cache for Redis.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

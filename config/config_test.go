package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Backend != BackendSQLite || cfg.BoardID != "default" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.CASMaxRetries != 5 || cfg.SessionSendBuffer != 64 || cfg.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected tuning defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "1")
	t.Setenv("STORAGE_BACKEND", "Redis")
	t.Setenv("REDIS_CONNECTION_STRING", "localhost:6379")
	t.Setenv("CAS_MAX_RETRIES", "9")
	t.Setenv("TASKS_CACHE_TTL", "2m")
	t.Setenv("DEBUG", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendRedis || cfg.CASMaxRetries != 9 || cfg.TasksCacheTTL != 2*time.Minute || !cfg.Debug {
		t.Fatalf("overrides not applied %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []map[string]string{
		{"AUTH_DISABLED": "true", "CAS_MAX_RETRIES": "0"},
		{"AUTH_DISABLED": "true", "DEDUPER_TTL": "soon"},
		{"AUTH_DISABLED": "true", "STORAGE_BACKEND": "mongo"},
		{"AUTH_DISABLED": "true", "STORAGE_BACKEND": "azure"},
		{"AUTH_DISABLED": "true", "EVENTS_QUEUE": "events"},
		{"AUTH0_TEST_MODE": "1"},
		{"AUTH0_DOMAIN": "example.auth0.com"},
	}
	for i, env := range cases {
		t.Run("", func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("case %d: expected error", i)
			}
		})
	}
}

func TestAuthEndpoints(t *testing.T) {
	a := Auth{Domain: "tenant.auth0.com"}
	if a.Issuer() != "https://tenant.auth0.com/" {
		t.Fatalf("unexpected issuer %s", a.Issuer())
	}
	if a.JWKSURL() != "https://tenant.auth0.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %s", a.JWKSURL())
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts, err = RedisOptions("cache.redis.example.net:6380,password=pw,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("parse azure form: %v", err)
	}
	if opts.Addr != "cache.redis.example.net:6380" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}

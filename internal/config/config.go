// Package config carga la configuración del gateway desde YAML con
// overrides por variables de entorno.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// Issuer: de dónde vienen las claves y qué claims se exigen.
	Issuer struct {
		JWKSURL       string   `yaml:"jwks_url"`
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
		AllowedAlgs   []string `yaml:"allowed_algs"`
		RefreshTTL    string   `yaml:"refresh_ttl"`    // default 10m
		ForceCooldown string   `yaml:"force_cooldown"` // default 30s
	} `yaml:"issuer"`

	Cache struct {
		Driver   string `yaml:"driver"` // memory | redis
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"cache"`

	Rate struct {
		Enabled bool `yaml:"enabled"`
		// Límites por clase de endpoint.
		Read struct {
			MaxRequests int    `yaml:"max_requests"`
			Window      string `yaml:"window"`
		} `yaml:"read"`
		Write struct {
			MaxRequests int    `yaml:"max_requests"`
			Window      string `yaml:"window"`
		} `yaml:"write"`
	} `yaml:"rate"`

	Idempotency struct {
		// Backend: cache (memory/redis según cache.driver) | postgres
		Backend      string `yaml:"backend"`
		PendingTTL   string `yaml:"pending_ttl"`
		RetentionTTL string `yaml:"retention_ttl"`
		PostgresDSN  string `yaml:"postgres_dsn"`
	} `yaml:"idempotency"`

	Events struct {
		Targets    []string `yaml:"targets"`
		Timeout    string   `yaml:"timeout"`
		QueueSize  int      `yaml:"queue_size"`
		Workers    int      `yaml:"workers"`
		DropOnOpen bool     `yaml:"drop_on_open"`
		Breaker    struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			Cooldown         string `yaml:"cooldown"`
		} `yaml:"breaker"`
	} `yaml:"events"`
}

// Load lee el YAML (si path no está vacío), aplica defaults y overrides
// por entorno, y valida.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: no se pudo leer %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: yaml inválido: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Issuer.AllowedAlgs) == 0 {
		c.Issuer.AllowedAlgs = []string{"RS256", "EdDSA"}
	}
	if c.Issuer.RefreshTTL == "" {
		c.Issuer.RefreshTTL = "10m"
	}
	if c.Issuer.ForceCooldown == "" {
		c.Issuer.ForceCooldown = "30s"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Rate.Read.MaxRequests == 0 {
		c.Rate.Read.MaxRequests = 120
	}
	if c.Rate.Read.Window == "" {
		c.Rate.Read.Window = "1m"
	}
	if c.Rate.Write.MaxRequests == 0 {
		c.Rate.Write.MaxRequests = 30
	}
	if c.Rate.Write.Window == "" {
		c.Rate.Write.Window = "1m"
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "cache"
	}
	if c.Idempotency.PendingTTL == "" {
		c.Idempotency.PendingTTL = "30s"
	}
	if c.Idempotency.RetentionTTL == "" {
		c.Idempotency.RetentionTTL = "24h"
	}
	if c.Events.Timeout == "" {
		c.Events.Timeout = "5s"
	}
	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = 256
	}
	if c.Events.Workers == 0 {
		c.Events.Workers = 4
	}
	if c.Events.Breaker.FailureThreshold == 0 {
		c.Events.Breaker.FailureThreshold = 5
	}
	if c.Events.Breaker.Cooldown == "" {
		c.Events.Breaker.Cooldown = "30s"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getEnvBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("GATEWAY_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("GATEWAY_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("GATEWAY_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("GATEWAY_JWKS_URL"); ok {
		c.Issuer.JWKSURL = v
	}
	if v, ok := getEnvStr("GATEWAY_ISSUER"); ok {
		c.Issuer.Issuer = v
	}
	if v, ok := getEnvStr("GATEWAY_AUDIENCE"); ok {
		c.Issuer.Audience = v
	}
	if v, ok := getEnvCSV("GATEWAY_ALLOWED_ALGS"); ok {
		c.Issuer.AllowedAlgs = v
	}
	if v, ok := getEnvStr("GATEWAY_CACHE_DRIVER"); ok {
		c.Cache.Driver = v
	}
	if v, ok := getEnvStr("GATEWAY_REDIS_ADDR"); ok {
		c.Cache.Addr = v
	}
	if v, ok := getEnvStr("GATEWAY_REDIS_PASSWORD"); ok {
		c.Cache.Password = v
	}
	if v, ok := getEnvInt("GATEWAY_REDIS_DB"); ok {
		c.Cache.DB = v
	}
	if v, ok := getEnvBool("GATEWAY_RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvStr("GATEWAY_IDEMPOTENCY_BACKEND"); ok {
		c.Idempotency.Backend = v
	}
	if v, ok := getEnvStr("GATEWAY_POSTGRES_DSN"); ok {
		c.Idempotency.PostgresDSN = v
	}
	if v, ok := getEnvCSV("GATEWAY_EVENT_TARGETS"); ok {
		c.Events.Targets = v
	}
	if v, ok := getEnvBool("GATEWAY_EVENTS_DROP_ON_OPEN"); ok {
		c.Events.DropOnOpen = v
	}
}

// Validate verifica la coherencia mínima para arrancar.
func (c *Config) Validate() error {
	if c.Issuer.JWKSURL == "" {
		return fmt.Errorf("config: issuer.jwks_url es requerido")
	}
	if c.Issuer.Issuer == "" {
		return fmt.Errorf("config: issuer.issuer es requerido")
	}
	if c.Issuer.Audience == "" {
		return fmt.Errorf("config: issuer.audience es requerido")
	}
	for _, alg := range c.Issuer.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return fmt.Errorf("config: el algoritmo 'none' no puede estar en el allow-list")
		}
	}
	if c.Idempotency.Backend == "postgres" && c.Idempotency.PostgresDSN == "" {
		return fmt.Errorf("config: idempotency.postgres_dsn es requerido con backend postgres")
	}
	for _, field := range []struct {
		name, val string
	}{
		{"issuer.refresh_ttl", c.Issuer.RefreshTTL},
		{"issuer.force_cooldown", c.Issuer.ForceCooldown},
		{"rate.read.window", c.Rate.Read.Window},
		{"rate.write.window", c.Rate.Write.Window},
		{"idempotency.pending_ttl", c.Idempotency.PendingTTL},
		{"idempotency.retention_ttl", c.Idempotency.RetentionTTL},
		{"events.timeout", c.Events.Timeout},
		{"events.breaker.cooldown", c.Events.Breaker.Cooldown},
	} {
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("config: %s inválido: %w", field.name, err)
		}
	}
	return nil
}

// Dur parsea una duración ya validada. Pensado para usar después de Load.
func Dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

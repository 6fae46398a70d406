package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/becaflow/gateway/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
issuer:
  jwks_url: "https://issuer.test/jwks.json"
  issuer: "https://issuer.test"
  audience: "becaflow-api"
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Issuer.RefreshTTL != "10m" || cfg.Issuer.ForceCooldown != "30s" {
		t.Fatalf("ttls = %q / %q", cfg.Issuer.RefreshTTL, cfg.Issuer.ForceCooldown)
	}
	if len(cfg.Issuer.AllowedAlgs) != 2 {
		t.Fatalf("allowed_algs = %v", cfg.Issuer.AllowedAlgs)
	}
	if cfg.Idempotency.Backend != "cache" || cfg.Idempotency.RetentionTTL != "24h" {
		t.Fatalf("idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Events.Breaker.FailureThreshold != 5 {
		t.Fatalf("breaker threshold = %d", cfg.Events.Breaker.FailureThreshold)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("GATEWAY_AUDIENCE", "otra-api")
	t.Setenv("GATEWAY_ADDR", ":9999")
	t.Setenv("GATEWAY_EVENT_TARGETS", "http://a.test/e, http://b.test/e")

	cfg, err := config.Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer.Audience != "otra-api" {
		t.Fatalf("audience = %q", cfg.Issuer.Audience)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Events.Targets) != 2 || cfg.Events.Targets[1] != "http://b.test/e" {
		t.Fatalf("targets = %v", cfg.Events.Targets)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"sin jwks_url": `
issuer:
  issuer: "https://issuer.test"
  audience: "api"
`,
		"alg none prohibido": `
issuer:
  jwks_url: "https://issuer.test/jwks.json"
  issuer: "https://issuer.test"
  audience: "api"
  allowed_algs: [RS256, none]
`,
		"postgres sin dsn": `
issuer:
  jwks_url: "https://issuer.test/jwks.json"
  issuer: "https://issuer.test"
  audience: "api"
idempotency:
  backend: postgres
`,
		"duración inválida": `
issuer:
  jwks_url: "https://issuer.test/jwks.json"
  issuer: "https://issuer.test"
  audience: "api"
  refresh_ttl: "diez minutos"
`,
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, yaml)); err == nil {
				t.Fatal("se esperaba error de validación")
			}
		})
	}
}

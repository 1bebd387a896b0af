package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Validator.Executors; len(got) != 3 || got[0] != "python" || got[1] != "python3" || got[2] != "py" {
		t.Fatalf("unexpected executors %v", got)
	}
	if cfg.Validator.Timeout.Std() != 30*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Validator.Timeout.Std())
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("validator:\n  executors: [python3]\n  timeout: 5s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Validator.Executors) != 1 || cfg.Validator.Executors[0] != "python3" {
		t.Fatalf("executors not overridden: %v", cfg.Validator.Executors)
	}
	if cfg.Validator.Timeout.Std() != 5*time.Second {
		t.Fatalf("timeout not overridden: %s", cfg.Validator.Timeout.Std())
	}
	if cfg.Validator.Script != "ml/price_model.py" {
		t.Fatalf("script default lost: %q", cfg.Validator.Script)
	}
	if cfg.Server.Addr == "" {
		t.Fatalf("server addr default lost")
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no executors":  "validator:\n  executors: []\n",
		"blank exec":    "validator:\n  executors: [python, '  ']\n",
		"no script":     "validator:\n  script: ''\n",
		"bad timeout":   "validator:\n  timeout: soon\n",
		"bad base path": "server:\n  base_path: v0\n",
		"negative rate": "server:\n  rate_limit:\n    per_minute: -1\n",
		"not yaml":      "validator: [",
		"webhook url":   "webhooks:\n  - url: ftp://example.org\n",
		"webhook blank": "webhooks:\n  - events: [ledger.price_updated]\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte("webhooks:\n  - url: http://localhost:9000/hook\n    events: [ledger.price_updated]\n    timeout: 2s\n  - url: https://example.org\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("expected 2 webhooks, got %d", len(cfg.Webhooks))
	}
	if !cfg.Webhooks[0].Active() || cfg.Webhooks[0].Timeout.Std() != 2*time.Second {
		t.Fatalf("unexpected first hook %+v", cfg.Webhooks[0])
	}
	if cfg.Webhooks[1].Active() {
		t.Fatalf("disabled hook reported active")
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadOptional(ws)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Validator.Script == "" {
		t.Fatalf("expected default config")
	}
	if _, err := Load(ws); err == nil {
		t.Fatalf("expected missing config error")
	}

	if err := os.WriteFile(Path(ws), []byte("validator:\n  script: /opt/model.py\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.ScriptPath(ws); got != "/opt/model.py" {
		t.Fatalf("absolute script rewritten: %s", got)
	}
	cfg.Validator.Script = "ml/model.py"
	if got := cfg.ScriptPath(ws); got != filepath.Join(ws, "ml", "model.py") {
		t.Fatalf("relative script not joined: %s", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	if cfg.Validator.Timeout.Std() != 30*time.Second {
		t.Fatalf("timeout lost in round trip: %s", cfg.Validator.Timeout.Std())
	}
}

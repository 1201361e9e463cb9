package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.env")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != "info" || cfg.DatabaseURL != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PrefixVeryUrgent != "A" || cfg.PrefixUrgent != "B" || cfg.PrefixLowUrgency != "C" {
		t.Fatalf("unexpected prefixes %+v", cfg)
	}
	if cfg.TxTimeout != 10*time.Second || cfg.CodeMaxAttempts != 10 || cfg.AllowRequeue {
		t.Fatalf("unexpected engine defaults %+v", cfg)
	}
	if len(cfg.EventSinks) != 2 || !cfg.HasSink("log") || !cfg.HasSink("postgres") {
		t.Fatalf("unexpected sinks %v", cfg.EventSinks)
	}
	if cfg.ReconcileSchedule != "@every 30s" {
		t.Fatalf("unexpected schedule %q", cfg.ReconcileSchedule)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "triage.env")
	content := "PORT=7000\nTX_TIMEOUT=3s\nCODE_PREFIX_URGENT=U\nQUEUE_TIMEZONE=Asia/Jakarta\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TX_TIMEOUT", "5s")
	t.Setenv("EVENT_SINKS", "log, Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ALLOW_REQUEUE", "true")

	cfg, err := Load([]string{"--config", envFile, "--port", "9090"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("flag should win, port=%s", cfg.Port)
	}
	if cfg.TxTimeout != 5*time.Second {
		t.Fatalf("environment should beat the env file, tx timeout=%s", cfg.TxTimeout)
	}
	if cfg.PrefixUrgent != "U" {
		t.Fatalf("env file value missing, prefix=%s", cfg.PrefixUrgent)
	}
	if !cfg.AllowRequeue {
		t.Fatalf("ALLOW_REQUEUE not read")
	}
	if len(cfg.KafkaBrokers) != 2 || !cfg.HasSink("kafka") {
		t.Fatalf("unexpected kafka config brokers=%v sinks=%v", cfg.KafkaBrokers, cfg.EventSinks)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Jakarta" {
		t.Fatalf("unexpected location %v err=%v", loc, err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")
	cases := map[string]string{
		"LOG_LEVEL":      "loud",
		"QUEUE_TIMEZONE": "Mars/Olympus",
		"EVENT_SINKS":    "log,carrier-pigeon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load([]string{"--config", missing}); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}

	t.Run("kafka without brokers", func(t *testing.T) {
		t.Setenv("EVENT_SINKS", "kafka")
		if _, err := Load([]string{"--config", missing}); err == nil {
			t.Fatalf("expected kafka sink without brokers to be rejected")
		}
	})
}

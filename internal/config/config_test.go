package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OWG_ADDR", "OWG_ALLOWED_ORIGINS", "OWG_MAX_PAYLOAD_BYTES", "OWG_PING_INTERVAL",
		"OWG_MAX_CLIENTS", "OWG_TLS_CERT", "OWG_TLS_KEY", "OWG_SEED", "OWG_TICK_INTERVAL",
		"OWG_SNAPSHOT_INTERVAL", "OWG_SUBSCRIBER_BUFFER", "OWG_STRICT_SCHEMA", "OWG_TUNING_PATH",
		"OWG_REPLAY_PATH", "OWG_STATE_PATH", "OWG_STATE_INTERVAL", "OWG_LOG_COMPRESS",
		"OWG_GRPC_ADDR", "OWG_GRPC_SHARED_SECRET", "OWG_GRPC_CLIENT_CA", "OWG_ADMIN_TOKEN",
		"OWG_RECORD_DIR", "OWG_RECORD_COMPRESS", "OWG_FINGERPRINT_ALGORITHM", "OWG_RECORD_MAX_AGE", "OWG_RECORD_RETENTION", "OWG_LEDGER_PATH", "OWG_STATE_ARCHIVE_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Simulation.Seed != DefaultSeed || cfg.Simulation.TickInterval != DefaultTickInterval {
		t.Fatalf("unexpected simulation defaults %+v", cfg.Simulation)
	}
	if cfg.Simulation.SnapshotInterval != 10 || cfg.Simulation.SubscriberBuffer != 256 {
		t.Fatalf("unexpected fan-out defaults %+v", cfg.Simulation)
	}
	if cfg.State.Interval != DefaultStateInterval || cfg.State.Path != "" {
		t.Fatalf("unexpected state defaults %+v", cfg.State)
	}
	if cfg.GRPCAddress != "" {
		t.Fatalf("gRPC should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OWG_ADDR", "127.0.0.1:9000")
	t.Setenv("OWG_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("OWG_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("OWG_PING_INTERVAL", "45s")
	t.Setenv("OWG_SEED", "W-TEST")
	t.Setenv("OWG_TICK_INTERVAL", "50ms")
	t.Setenv("OWG_SNAPSHOT_INTERVAL", "5")
	t.Setenv("OWG_STRICT_SCHEMA", "true")
	t.Setenv("OWG_REPLAY_PATH", "/tmp/replay.ndjson")
	t.Setenv("OWG_RECORD_MAX_AGE", "72h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 || cfg.PingInterval != 45*time.Second {
		t.Fatalf("unexpected transport overrides %+v", cfg)
	}
	sim := cfg.Simulation
	if sim.Seed != "W-TEST" || sim.TickInterval != 50*time.Millisecond || sim.SnapshotInterval != 5 || !sim.StrictSchema {
		t.Fatalf("unexpected simulation overrides %+v", sim)
	}
	if cfg.Replay.Path != "/tmp/replay.ndjson" || cfg.Replay.RecordMaxAge != 72*time.Hour {
		t.Fatalf("unexpected replay overrides %+v", cfg.Replay)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("OWG_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("OWG_PING_INTERVAL", "abc")
	t.Setenv("OWG_SNAPSHOT_INTERVAL", "0")
	t.Setenv("OWG_SUBSCRIBER_BUFFER", "0")
	t.Setenv("OWG_TLS_CERT", "/tmp/cert.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}
	for _, want := range []string{
		"OWG_MAX_PAYLOAD_BYTES",
		"OWG_PING_INTERVAL",
		"OWG_SNAPSHOT_INTERVAL",
		"OWG_SUBSCRIBER_BUFFER",
		"OWG_TLS_CERT",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("OWG_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestTuningOverlayYieldsToEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := `seed: W-YAML
tick_interval: 250ms
snapshot_interval: 4
strict_schema: true
mine_yields:
  - item: CuOre
    count: 3
integrator:
  kind: damped
  drag: 0.25
  max_speed: 12
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	t.Setenv("OWG_TUNING_PATH", path)
	t.Setenv("OWG_SNAPSHOT_INTERVAL", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	sim := cfg.Simulation
	if sim.Seed != "W-YAML" || sim.TickInterval != 250*time.Millisecond || !sim.StrictSchema {
		t.Fatalf("tuning not applied: %+v", sim)
	}
	if sim.SnapshotInterval != 8 {
		t.Fatalf("environment should win over tuning, got %d", sim.SnapshotInterval)
	}
	if len(sim.MineYields) != 1 || sim.MineYields[0] != (YieldConfig{ItemID: "CuOre", Count: 3}) {
		t.Fatalf("unexpected yields %+v", sim.MineYields)
	}
	if sim.Integrator != (IntegratorConfig{Kind: IntegratorDamped, Drag: 0.25, MaxSpeed: 12}) {
		t.Fatalf("unexpected integrator %+v", sim.Integrator)
	}
}

func TestTuningRejectsUnknownIntegrator(t *testing.T) {
	clearEnv(t)
	for body, want := range map[string]string{
		"integrator:\n  kind: verlet\n":            "integrator.kind",
		"integrator:\n  kind: damped\n  drag: 2\n": "integrator.drag",
	} {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write tuning: %v", err)
		}
		t.Setenv("OWG_TUNING_PATH", path)
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s problem, got %v", want, err)
		}
	}
}

func TestFingerprintAlgorithmSelection(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Simulation.FingerprintAlgorithm != DefaultFingerprintAlgorithm || cfg.Simulation.Integrator.Kind != IntegratorEuler {
		t.Fatalf("unexpected defaults %+v", cfg.Simulation)
	}
	t.Setenv("OWG_FINGERPRINT_ALGORITHM", "SHA256")
	if cfg, err = Load(); err != nil || cfg.Simulation.FingerprintAlgorithm != "sha256" {
		t.Fatalf("expected sha256, got %+v %v", cfg, err)
	}
	t.Setenv("OWG_FINGERPRINT_ALGORITHM", "md5")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OWG_FINGERPRINT_ALGORITHM") {
		t.Fatalf("expected algorithm problem, got %v", err)
	}
}

func TestTuningRejectsBadValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_interval: soon\n"), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	t.Setenv("OWG_TUNING_PATH", path)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "tick_interval") {
		t.Fatalf("expected tick_interval problem, got %v", err)
	}
	t.Setenv("OWG_TUNING_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OWG_TUNING_PATH") {
		t.Fatalf("expected missing file problem, got %v", err)
	}
}

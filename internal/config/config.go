package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address for the websocket and HTTP surface.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultSeed is the world seed used when none is configured.
	DefaultSeed = "W-2025-08-A"
	// DefaultTickInterval is the wall clock cadence of the synchronization loop.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultSnapshotInterval broadcasts a full snapshot every N ticks.
	DefaultSnapshotInterval uint64 = 10
	// DefaultSubscriberBuffer is the per subscriber broadcast queue depth.
	DefaultSubscriberBuffer = 256
	// DefaultFingerprintAlgorithm digests state for fingerprints, the ledger and desync checks.
	DefaultFingerprintAlgorithm = "blake3"

	// IntegratorEuler advances poses with plain explicit Euler.
	IntegratorEuler = "euler"
	// IntegratorDamped applies drag and a speed ceiling before the Euler step.
	IntegratorDamped = "damped"

	// DefaultPersistWindow bounds how frequently manual persist triggers may be requested.
	DefaultPersistWindow = time.Minute
	// DefaultPersistBurst sets how many manual persist requests may be made per window.
	DefaultPersistBurst = 1

	// DefaultRecordRetention is how many replay recordings are kept on disk.
	DefaultRecordRetention = 20

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStateInterval controls how frequently state snapshots are persisted.
	DefaultStateInterval = 30 * time.Second
)

// Config captures all runtime tunables for the simulation server.
type Config struct {
	Address          string
	GRPCAddress      string
	GRPCSharedSecret string
	GRPCClientCAPath string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	MaxClients       int
	TLSCertPath      string
	TLSKeyPath       string
	AdminToken       string
	PersistWindow    time.Duration
	PersistBurst     int
	TuningPath       string
	Logging          LoggingConfig
	Simulation       SimulationConfig
	Replay           ReplayConfig
	State            StateConfig
}

// SimulationConfig tunes the engine and the synchronization loop.
type SimulationConfig struct {
	Seed             string
	TickInterval     time.Duration
	SnapshotInterval uint64
	SubscriberBuffer int
	StrictSchema     bool
	MineYields       []YieldConfig

	// FingerprintAlgorithm is "blake3" or "sha256".
	FingerprintAlgorithm string
	Integrator           IntegratorConfig
}

// IntegratorConfig selects the pose integrator. Drag and MaxSpeed only apply to damped.
type IntegratorConfig struct {
	Kind     string
	Drag     float32
	MaxSpeed float32
}

// YieldConfig is one entry of the Mine yield table.
type YieldConfig struct {
	ItemID string
	Count  int32
}

// ReplayConfig points at input schedules and the recording directory.
type ReplayConfig struct {
	Path            string
	RecordDir       string
	RecordRetention int
	RecordMaxAge    time.Duration
	RecordCompress  bool
}

// StateConfig configures the persisted state sink.
type StateConfig struct {
	Path       string
	Interval   time.Duration
	LedgerPath string
	ArchiveDir string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Defaults returns the configuration used when no overrides are present.
func Defaults() *Config {
	return &Config{
		Address:         DefaultAddr,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		PersistWindow:   DefaultPersistWindow,
		PersistBurst:    DefaultPersistBurst,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Simulation: SimulationConfig{
			Seed:             DefaultSeed,
			TickInterval:     DefaultTickInterval,
			SnapshotInterval: DefaultSnapshotInterval,
			SubscriberBuffer: DefaultSubscriberBuffer,

			FingerprintAlgorithm: DefaultFingerprintAlgorithm,
			Integrator:           IntegratorConfig{Kind: IntegratorEuler},
		},
		Replay: ReplayConfig{RecordRetention: DefaultRecordRetention},
		State:  StateConfig{Interval: DefaultStateInterval},
	}
}

// Load reads the server configuration. Precedence is defaults, then the YAML tuning file
// named by OWG_TUNING_PATH, then environment variables. Every invalid override is reported.
func Load() (*Config, error) {
	cfg := Defaults()
	var problems []string

	//1.- Overlay the optional tuning file before the environment so env always wins.
	cfg.TuningPath = strings.TrimSpace(os.Getenv("OWG_TUNING_PATH"))
	if cfg.TuningPath != "" {
		tuning, err := LoadTuning(cfg.TuningPath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("OWG_TUNING_PATH: %v", err))
		} else if err := tuning.Apply(cfg); err != nil {
			problems = append(problems, fmt.Sprintf("OWG_TUNING_PATH: %v", err))
		}
	}

	//2.- Plain string settings.
	cfg.Address = getString("OWG_ADDR", cfg.Address)
	cfg.GRPCAddress = getString("OWG_GRPC_ADDR", cfg.GRPCAddress)
	cfg.GRPCSharedSecret = getString("OWG_GRPC_SHARED_SECRET", cfg.GRPCSharedSecret)
	cfg.GRPCClientCAPath = getString("OWG_GRPC_CLIENT_CA", cfg.GRPCClientCAPath)
	if origins := parseList(os.Getenv("OWG_ALLOWED_ORIGINS")); origins != nil {
		cfg.AllowedOrigins = origins
	}
	cfg.TLSCertPath = getString("OWG_TLS_CERT", cfg.TLSCertPath)
	cfg.TLSKeyPath = getString("OWG_TLS_KEY", cfg.TLSKeyPath)
	cfg.AdminToken = getString("OWG_ADMIN_TOKEN", cfg.AdminToken)
	cfg.Simulation.Seed = getString("OWG_SEED", cfg.Simulation.Seed)
	cfg.Simulation.FingerprintAlgorithm = strings.ToLower(getString("OWG_FINGERPRINT_ALGORITHM", cfg.Simulation.FingerprintAlgorithm))
	cfg.Replay.Path = getString("OWG_REPLAY_PATH", cfg.Replay.Path)
	cfg.Replay.RecordDir = getString("OWG_RECORD_DIR", cfg.Replay.RecordDir)
	cfg.State.Path = getString("OWG_STATE_PATH", cfg.State.Path)
	cfg.State.LedgerPath = getString("OWG_LEDGER_PATH", cfg.State.LedgerPath)
	cfg.State.ArchiveDir = getString("OWG_STATE_ARCHIVE_DIR", cfg.State.ArchiveDir)
	cfg.Logging.Level = getString("OWG_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("OWG_LOG_PATH", cfg.Logging.Path)

	//3.- Numeric, duration and boolean overrides accumulate problems instead of failing fast.
	if raw := strings.TrimSpace(os.Getenv("OWG_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("OWG_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OWG_SNAPSHOT_INTERVAL")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("OWG_SNAPSHOT_INTERVAL must be a positive integer, got %q", raw))
		} else {
			cfg.Simulation.SnapshotInterval = value
		}
	}
	positiveDuration(&problems, "OWG_PING_INTERVAL", &cfg.PingInterval)
	positiveDuration(&problems, "OWG_TICK_INTERVAL", &cfg.Simulation.TickInterval)
	positiveDuration(&problems, "OWG_STATE_INTERVAL", &cfg.State.Interval)
	positiveDuration(&problems, "OWG_PERSIST_WINDOW", &cfg.PersistWindow)
	positiveDuration(&problems, "OWG_RECORD_MAX_AGE", &cfg.Replay.RecordMaxAge)
	boundedInt(&problems, "OWG_MAX_CLIENTS", 0, &cfg.MaxClients)
	boundedInt(&problems, "OWG_SUBSCRIBER_BUFFER", 1, &cfg.Simulation.SubscriberBuffer)
	boundedInt(&problems, "OWG_PERSIST_BURST", 1, &cfg.PersistBurst)
	boundedInt(&problems, "OWG_RECORD_RETENTION", 0, &cfg.Replay.RecordRetention)
	boundedInt(&problems, "OWG_LOG_MAX_SIZE_MB", 1, &cfg.Logging.MaxSizeMB)
	boundedInt(&problems, "OWG_LOG_MAX_BACKUPS", 0, &cfg.Logging.MaxBackups)
	boundedInt(&problems, "OWG_LOG_MAX_AGE_DAYS", 0, &cfg.Logging.MaxAgeDays)
	boolean(&problems, "OWG_LOG_COMPRESS", &cfg.Logging.Compress)
	boolean(&problems, "OWG_STRICT_SCHEMA", &cfg.Simulation.StrictSchema)
	boolean(&problems, "OWG_RECORD_COMPRESS", &cfg.Replay.RecordCompress)

	//4.- Cross field checks.
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "OWG_TLS_CERT and OWG_TLS_KEY must be provided together")
	}
	if cfg.GRPCClientCAPath != "" && cfg.TLSCertPath == "" {
		problems = append(problems, "OWG_GRPC_CLIENT_CA requires OWG_TLS_CERT and OWG_TLS_KEY")
	}
	if strings.TrimSpace(cfg.Simulation.Seed) == "" {
		problems = append(problems, "OWG_SEED must not be blank")
	}
	switch cfg.Simulation.FingerprintAlgorithm {
	case "blake3", "sha256":
	default:
		problems = append(problems, fmt.Sprintf("OWG_FINGERPRINT_ALGORITHM must be blake3 or sha256, got %q", cfg.Simulation.FingerprintAlgorithm))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func positiveDuration(problems *[]string, key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func boundedInt(problems *[]string, key string, minimum int, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		kind := "a non-negative integer"
		if minimum > 0 {
			kind = "a positive integer"
		}
		*problems = append(*problems, fmt.Sprintf("%s must be %s, got %q", key, kind, raw))
		return
	}
	*dst = value
}

func boolean(problems *[]string, key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

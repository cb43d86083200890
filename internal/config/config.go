package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"meridian/internal/strategy"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for meridian.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Trading  Trading  `yaml:"trading"`
	Schedule Schedule `yaml:"schedule"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// CacheMaxStale is the oldest cached bar history served when the data
	// API is down.
	CacheMaxStale time.Duration `yaml:"cache_max_stale"`
}

// Server holds the status listener configuration. A zero port disables
// that listener.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr returns host:port for the HTTP listener.
func (s Server) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns host:port for the gRPC listener.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials, endpoints and client limits for the Alpaca
// broker API.
type Alpaca struct {
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	BaseURL           string        `yaml:"base_url"`
	DataURL           string        `yaml:"data_url"`
	Feed              string        `yaml:"feed"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Broker names.
const (
	BrokerAlpaca    = "alpaca"
	BrokerSimulator = "simulator"
)

// Trading selects the strategy preset and how intents are executed.
type Trading struct {
	Strategy string `yaml:"strategy"`
	Broker   string `yaml:"broker"`
	DryRun   bool   `yaml:"dry_run"`
	// SimulatorCash seeds the simulator broker.
	SimulatorCash float64 `yaml:"simulator_cash"`
	// Overrides is decoded over the selected preset; any policy field may
	// appear here.
	Overrides yaml.Node `yaml:"overrides"`
}

// Schedule configures the session hooks and collaborator timeouts.
type Schedule struct {
	Timezone        string        `yaml:"timezone"`
	BeforeOpenLead  time.Duration `yaml:"before_open_lead"`
	CycleOffset     time.Duration `yaml:"cycle_offset"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	PrefetchWorkers int           `yaml:"prefetch_workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// Policy resolves the configured preset from reg and applies the
// overrides.
func (t Trading) Policy(reg *strategy.Registry) (strategy.Policy, error) {
	name := t.Strategy
	if name == "" {
		name = strategy.SimpleMomentum
	}
	p, ok := reg.Get(name)
	if !ok {
		return strategy.Policy{}, fmt.Errorf("unknown strategy %q (have %s)", name, strings.Join(reg.List(), ", "))
	}
	if !t.Overrides.IsZero() {
		if err := t.Overrides.Decode(&p); err != nil {
			return strategy.Policy{}, fmt.Errorf("strategy %s overrides: %w", name, err)
		}
		p.Name = name
	}
	if err := p.Validate(); err != nil {
		return strategy.Policy{}, err
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables already set. A missing file is ignored.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at the given path, fills defaults
// and then applies environment variable overrides. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/meridian.db"
	}
	if cfg.Storage.CacheMaxStale == 0 {
		cfg.Storage.CacheMaxStale = 96 * time.Hour
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Trading.Strategy == "" {
		cfg.Trading.Strategy = strategy.SimpleMomentum
	}
	if cfg.Trading.Broker == "" {
		cfg.Trading.Broker = BrokerAlpaca
	}
	if cfg.Trading.SimulatorCash == 0 {
		cfg.Trading.SimulatorCash = 100000
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = "America/New_York"
	}
	if cfg.Schedule.BeforeOpenLead == 0 {
		cfg.Schedule.BeforeOpenLead = 30 * time.Minute
	}
	if cfg.Schedule.CycleOffset == 0 {
		cfg.Schedule.CycleOffset = 5 * time.Minute
	}
	if cfg.Schedule.CallTimeout == 0 {
		cfg.Schedule.CallTimeout = 10 * time.Second
	}
	if cfg.Schedule.PrefetchWorkers == 0 {
		cfg.Schedule.PrefetchWorkers = 4
	}
	if cfg.Schedule.PollInterval == 0 {
		cfg.Schedule.PollInterval = 5 * time.Minute
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MERIDIAN_STRATEGY"); v != "" {
		cfg.Trading.Strategy = v
	}
	if v := os.Getenv("MERIDIAN_BROKER"); v != "" {
		cfg.Trading.Broker = v
	}
	if v := os.Getenv("MERIDIAN_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MERIDIAN_DRY_RUN: %w", err)
		}
		cfg.Trading.DryRun = b
	}

	// Standard Alpaca env vars (highest priority, the names the SDK uses).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate(reg *strategy.Registry) error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}

	switch c.Trading.Broker {
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca api_key and api_secret are required for the alpaca broker"))
		}
	case BrokerSimulator:
	default:
		errs = append(errs, fmt.Errorf("trading.broker %q must be %q or %q", c.Trading.Broker, BrokerAlpaca, BrokerSimulator))
	}
	if _, err := c.Trading.Policy(reg); err != nil {
		errs = append(errs, err)
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"before_open_lead": c.Schedule.BeforeOpenLead,
		"cycle_offset":     c.Schedule.CycleOffset,
		"call_timeout":     c.Schedule.CallTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("schedule.%s %v is negative", name, d))
		}
	}
	if c.Schedule.PrefetchWorkers < 0 {
		errs = append(errs, fmt.Errorf("schedule.prefetch_workers %d is negative", c.Schedule.PrefetchWorkers))
	}
	return errors.Join(errs...)
}

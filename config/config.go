package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Signer  SignerConfig  `yaml:"signer"`
	AMM     AMMConfig     `yaml:"amm"`
	Saga    SagaConfig    `yaml:"saga"`
	Poller  PollerConfig  `yaml:"poller"`
	Fees    FeesConfig    `yaml:"fees"`
	Indexer IndexerConfig `yaml:"indexer"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// LedgerConfig points at the JSON-RPC node and the bonding-curve contracts.
type LedgerConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	RatePerSec    float64  `yaml:"rate_per_sec"`
	TimeoutSecs   int      `yaml:"timeout_seconds"`
	CurvePackages []string `yaml:"curve_packages"` // every supported contract version
	CurveModule   string   `yaml:"curve_module"`
	CurveStruct   string   `yaml:"curve_struct"`
	EventStruct   string   `yaml:"event_struct"`
	AdminCapID    string   `yaml:"admin_cap_id"` // optional capability passed to admin calls
	ReserveType   string   `yaml:"reserve_type"`
	GasBudget     uint64   `yaml:"gas_budget"`
	GasObjectID   string   `yaml:"gas_object_id"` // optional fixed gas coin
}

// SignerConfig holds the custodial account key. Prefer GRADUATOR_PRIVATE_KEY.
type SignerConfig struct {
	PrivateKey string `yaml:"private_key"`
}

// AMMConfig names the AMM objects used to create, seed and lock pools.
type AMMConfig struct {
	PackageID      string `yaml:"package_id"`
	GlobalConfigID string `yaml:"global_config_id"`
	PoolsID        string `yaml:"pools_id"`
	ClockID        string `yaml:"clock_id"`
	BurnPackageID  string `yaml:"burn_package_id"`
	BurnManagerID  string `yaml:"burn_manager_id"`
	FeeTier        uint64 `yaml:"fee_tier"`     // 1e-6 units, e.g. 2500 = 0.25%
	TickSpacing    uint32 `yaml:"tick_spacing"` // 0 = derived from fee_tier
	AssetOrder     string `yaml:"asset_order"`  // ascending | descending
	LockMode       string `yaml:"lock_mode"`    // burn | custodian
	Custodian      string `yaml:"custodian"`    // recipient in custodian mode
}

// SagaConfig controls execution and retries.
type SagaConfig struct {
	PollIntervalSecs      int    `yaml:"poll_interval_seconds"`
	MaxRetries            int    `yaml:"max_retries"`
	RetryBaseMs           int    `yaml:"retry_base_ms"`
	RetryMaxDelaySecs     int    `yaml:"retry_max_delay_seconds"`
	StepRetries           int    `yaml:"step_retries"`
	MinSafeReserve        uint64 `yaml:"min_safe_reserve"` // reserve base units
	RetentionHours        int    `yaml:"retention_hours"`
	CleanupIntervalMinute int    `yaml:"cleanup_interval_minutes"`
}

// PollerConfig controls event paging.
type PollerConfig struct {
	PageSize int `yaml:"page_size"`
	MaxPages int `yaml:"max_pages"`
}

// FeesConfig controls the fee collection loop. PrivateKey is only needed when
// the lock account differs from the custodial account (custodian mode).
type FeesConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	Treasury      string `yaml:"treasury"`
	PrivateKey    string `yaml:"private_key"`
}

// IndexerConfig is the analytics service notified of new pools.
type IndexerConfig struct {
	BaseURL     string `yaml:"base_url"` // empty disables notification
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

// NATSConfig enables lifecycle event publishing.
type NATSConfig struct {
	URL    string `yaml:"url"` // empty disables publishing
	Stream string `yaml:"stream"`
}

// MetricsConfig controls the /metrics and health endpoints.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// StorageConfig selects the saga store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // SQLite file path or ":memory:", or a postgres URL
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment
// variables override the YAML for secrets and endpoints.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate checks what the daemon needs to sign and submit transactions.
// Read-only commands (-status, -requeue, -fail) do not call it.
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}
	if len(c.Ledger.CurvePackages) == 0 {
		errs = append(errs, errors.New("ledger.curve_packages is required"))
	}
	if c.Signer.PrivateKey == "" {
		errs = append(errs, errors.New("signer.private_key (or GRADUATOR_PRIVATE_KEY) is required"))
	}
	if c.AMM.PackageID == "" || c.AMM.GlobalConfigID == "" || c.AMM.PoolsID == "" {
		errs = append(errs, errors.New("amm.package_id, amm.global_config_id and amm.pools_id are required"))
	}
	switch c.AMM.LockMode {
	case "burn":
		if c.AMM.BurnPackageID == "" || c.AMM.BurnManagerID == "" {
			errs = append(errs, errors.New("amm.burn_package_id and amm.burn_manager_id are required in burn mode"))
		}
	case "custodian":
		if c.AMM.Custodian == "" {
			errs = append(errs, errors.New("amm.custodian is required in custodian mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("amm.lock_mode %q: want burn or custodian", c.AMM.LockMode))
	}
	if c.AMM.AssetOrder != "ascending" && c.AMM.AssetOrder != "descending" {
		errs = append(errs, fmt.Errorf("amm.asset_order %q: want ascending or descending", c.AMM.AssetOrder))
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or postgres", c.Storage.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Saga.PollIntervalSecs) * time.Second
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Saga.RetryBaseMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Saga.RetryMaxDelaySecs) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Saga.RetentionHours) * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Saga.CleanupIntervalMinute) * time.Minute
}

func (c *Config) FeeInterval() time.Duration {
	return time.Duration(c.Fees.IntervalHours) * time.Hour
}

func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutSecs) * time.Second
}

func (c *Config) IndexerTimeout() time.Duration {
	return time.Duration(c.Indexer.TimeoutSecs) * time.Second
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRADUATOR_PRIVATE_KEY"); v != "" {
		cfg.Signer.PrivateKey = v
	}
	if v := os.Getenv("GRADUATOR_FEES_PRIVATE_KEY"); v != "" {
		cfg.Fees.PrivateKey = v
	}
	if v := os.Getenv("GRADUATOR_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("GRADUATOR_INDEXER_URL"); v != "" {
		cfg.Indexer.BaseURL = v
	}
	if v := os.Getenv("GRADUATOR_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("GRADUATOR_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills in sensible values for anything left unset.
func setDefaults(cfg *Config) {
	if cfg.Ledger.RatePerSec <= 0 {
		cfg.Ledger.RatePerSec = 20
	}
	if cfg.Ledger.TimeoutSecs <= 0 {
		cfg.Ledger.TimeoutSecs = 30
	}
	if cfg.Ledger.CurveModule == "" {
		cfg.Ledger.CurveModule = "bonding_curve"
	}
	if cfg.Ledger.CurveStruct == "" {
		cfg.Ledger.CurveStruct = "BondingCurve"
	}
	if cfg.Ledger.EventStruct == "" {
		cfg.Ledger.EventStruct = "CurveGraduated"
	}
	if cfg.Ledger.ReserveType == "" {
		cfg.Ledger.ReserveType = "0x2::sui::SUI"
	}
	if cfg.Ledger.GasBudget == 0 {
		cfg.Ledger.GasBudget = 100_000_000
	}
	if cfg.AMM.ClockID == "" {
		cfg.AMM.ClockID = "0x6"
	}
	if cfg.AMM.FeeTier == 0 {
		cfg.AMM.FeeTier = 2500
	}
	cfg.AMM.AssetOrder = strings.ToLower(cfg.AMM.AssetOrder)
	if cfg.AMM.AssetOrder == "" {
		cfg.AMM.AssetOrder = "ascending"
	}
	cfg.AMM.LockMode = strings.ToLower(cfg.AMM.LockMode)
	if cfg.AMM.LockMode == "" {
		cfg.AMM.LockMode = "burn"
	}
	if cfg.Saga.PollIntervalSecs <= 0 {
		cfg.Saga.PollIntervalSecs = 10
	}
	if cfg.Saga.MaxRetries <= 0 {
		cfg.Saga.MaxRetries = 5
	}
	if cfg.Saga.RetryBaseMs <= 0 {
		cfg.Saga.RetryBaseMs = 2000
	}
	if cfg.Saga.RetryMaxDelaySecs <= 0 {
		cfg.Saga.RetryMaxDelaySecs = 120
	}
	if cfg.Saga.StepRetries <= 0 {
		cfg.Saga.StepRetries = 3
	}
	if cfg.Saga.RetentionHours <= 0 {
		cfg.Saga.RetentionHours = 168
	}
	if cfg.Saga.CleanupIntervalMinute <= 0 {
		cfg.Saga.CleanupIntervalMinute = 60
	}
	if cfg.Poller.PageSize <= 0 {
		cfg.Poller.PageSize = 50
	}
	if cfg.Poller.MaxPages <= 0 {
		cfg.Poller.MaxPages = 10
	}
	if cfg.Fees.IntervalHours <= 0 {
		cfg.Fees.IntervalHours = 24
	}
	if cfg.Indexer.TimeoutSecs <= 0 {
		cfg.Indexer.TimeoutSecs = 10
	}
	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "GRADUATOR_TASKS"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "graduator.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

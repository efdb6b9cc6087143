// Package config loads and validates the keeper configuration tree. Values
// come from a YAML file with a small set of environment overrides applied on
// top, so deployments can swap endpoints and credentials without editing the
// file. Validation is fatal at startup; a keeper never runs on a config it
// could not fully parse.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perpkeeper/solana"
)

// Worker roles a keeper process can run as.
const (
	RoleCrank      = "crank"
	RoleConsumer   = "consumer"
	RoleListener   = "listener"
	RoleLiquidator = "liquidator"
)

// Config is the root of the keeper configuration tree.
type Config struct {
	Keeper     KeeperConfig     `yaml:"keeper"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Crank      CrankConfig      `yaml:"crank"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Listener   ListenerConfig   `yaml:"listener"`
	Liquidator LiquidatorConfig `yaml:"liquidator"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// KeeperConfig identifies the deployment and the on-chain program it serves.
type KeeperConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Role selects the worker to run when the command line does not. One of
	// crank, consumer, listener, liquidator.
	Role string `yaml:"role"`

	Program     string `yaml:"program"`
	State       string `yaml:"state"`
	StateSigner string `yaml:"state_signer"`

	// PayerKey is the fee payer's signing key, either inline (JSON byte
	// array or base58) or a path to a keypair file.
	PayerKey string `yaml:"payer_key"`

	// Markets limits crank and consumer work to the named symbols. Empty
	// means every market listed in the state account.
	Markets []string `yaml:"markets"`
}

// GatewayConfig tunes the RPC client shared by every role.
type GatewayConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"`
	Commitment string `yaml:"commitment"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	RetryMax       int           `yaml:"retry_max"`

	SkipPreflight            bool          `yaml:"skip_preflight"`
	PriorityFeeMicroLamports uint64        `yaml:"priority_fee_micro_lamports"`
	ConfirmTimeout           time.Duration `yaml:"confirm_timeout"`
	ConfirmPollInterval      time.Duration `yaml:"confirm_poll_interval"`
}

// AccountsConfig tunes the shared account snapshot store.
type AccountsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FetchChunk      int           `yaml:"fetch_chunk"`
}

// CrankConfig tunes the maintenance scheduler. Zero intervals fall back to
// the scheduler defaults.
type CrankConfig struct {
	OracleIntervalMs   int `yaml:"oracle_interval_ms"`
	InterestIntervalMs int `yaml:"interest_interval_ms"`
	FundingIntervalMs  int `yaml:"funding_interval_ms"`

	OracleChunk   int `yaml:"oracle_chunk"`
	InterestChunk int `yaml:"interest_chunk"`
	BatchLimit    int `yaml:"batch_limit"`

	// Oracles maps a cached symbol to its on-chain oracle account.
	Oracles map[string]string `yaml:"oracles"`
}

// ConsumerConfig tunes event queue draining.
type ConsumerConfig struct {
	ScanIntervalMs int           `yaml:"scan_interval_ms"`
	ToConsume      int           `yaml:"to_consume"`
	MaxQueueLength int           `yaml:"max_queue_length"`
	MaxWait        time.Duration `yaml:"max_wait"`
	MaxControls    int           `yaml:"max_controls"`
}

// ListenerConfig tunes the account stream and the event forwarder.
type ListenerConfig struct {
	FetchChunk    int           `yaml:"fetch_chunk"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LiquidatorConfig tunes margin scanning and enforcement.
type LiquidatorConfig struct {
	ScanIntervalMs    int `yaml:"scan_interval_ms"`
	RefreshIntervalS  int `yaml:"refresh_interval_s"`
	OracleStalenessMs int `yaml:"oracle_staleness_ms"`

	// HealthThreshold is the equity over maintenance ratio below which an
	// account is acted on. Zero means the default of 1.0.
	HealthThreshold float64 `yaml:"health_threshold"`

	// SizeCap bounds a single liquidation in whole asset units. Zero lets
	// the program size the close.
	SizeCap float64 `yaml:"size_cap"`

	// Margin and Control are the liquidator's own accounts, credited by
	// successful liquidations.
	Margin  string `yaml:"margin"`
	Control string `yaml:"control"`
}

// StoreConfig selects the downstream sinks for derived events.
type StoreConfig struct {
	// DSN is the Postgres connection string. Empty disables the database
	// sink.
	DSN     string        `yaml:"dsn"`
	S3      S3Config      `yaml:"s3"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// S3Config configures the parquet archive.
type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
}

// KafkaConfig configures the event feed producer.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// WebhookConfig configures plain HTTP POST delivery of event batches.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig mirrors the logger's Configure parameters plus the periodic
// runtime report and optional CloudWatch publishing.
type LoggingConfig struct {
	Level          string           `yaml:"level"`
	Format         string           `yaml:"format"`
	Output         string           `yaml:"output"`
	MaxAge         int              `yaml:"max_age"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`

	// MetricsAddr serves Prometheus counters at /metrics when set, for
	// example ":2112". Empty keeps the endpoint off.
	MetricsAddr string `yaml:"metrics_addr"`
}

// CloudWatchConfig enables metric publishing for dashboards.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CLUSTER_RPC_URL"); v != "" {
		cfg.Gateway.RPCURL = v
	}
	if v := os.Getenv("CLUSTER_WS_URL"); v != "" {
		cfg.Gateway.WSURL = v
	}
	if v := os.Getenv("KEEPER_ROLE"); v != "" {
		cfg.Keeper.Role = v
	}
	if v := os.Getenv("KEEPER_PROGRAM_ID"); v != "" {
		cfg.Keeper.Program = v
	}
	if v := os.Getenv("KEEPER_STATE_PUBKEY"); v != "" {
		cfg.Keeper.State = v
	}
	if v := os.Getenv("KEEPER_STATE_SIGNER"); v != "" {
		cfg.Keeper.StateSigner = v
	}
	if v := os.Getenv("KEEPER_PAYER_KEY"); v != "" {
		cfg.Keeper.PayerKey = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}

	envInts := []struct {
		name string
		dst  *int
	}{
		{"CRANK_ORACLE_INTERVAL_MS", &cfg.Crank.OracleIntervalMs},
		{"CRANK_INTEREST_INTERVAL_MS", &cfg.Crank.InterestIntervalMs},
		{"CRANK_FUNDING_INTERVAL_MS", &cfg.Crank.FundingIntervalMs},
		{"LIQUIDATOR_SCAN_INTERVAL_MS", &cfg.Liquidator.ScanIntervalMs},
	}
	for _, e := range envInts {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value '%s': %w", e.name, v, err)
		}
		*e.dst = n
	}

	if cfg.Store.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Store.S3.AccessKeyID = v
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Store.S3.SecretAccessKey = v
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Store.S3.Region = v
		}
		if v := strings.TrimSpace(os.Getenv("S3_BUCKET")); v != "" {
			cfg.Store.S3.Bucket = v
		}
	}

	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Keeper.Name == "" {
		return fmt.Errorf("keeper.name is required")
	}
	if cfg.Keeper.Version == "" {
		return fmt.Errorf("keeper.version is required")
	}
	if cfg.Keeper.Role != "" && !validRole(cfg.Keeper.Role) {
		return fmt.Errorf("keeper.role must be one of crank, consumer, listener, liquidator")
	}

	if cfg.Keeper.Program == "" {
		return fmt.Errorf("keeper.program is required")
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Keeper.Program); err != nil {
		return fmt.Errorf("keeper.program is not a valid account key: %w", err)
	}
	if cfg.Keeper.State == "" {
		return fmt.Errorf("keeper.state is required")
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Keeper.State); err != nil {
		return fmt.Errorf("keeper.state is not a valid account key: %w", err)
	}
	if cfg.Keeper.StateSigner == "" {
		return fmt.Errorf("keeper.state_signer is required")
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Keeper.StateSigner); err != nil {
		return fmt.Errorf("keeper.state_signer is not a valid account key: %w", err)
	}

	if cfg.Gateway.RPCURL == "" {
		return fmt.Errorf("gateway.rpc_url is required")
	}
	if cfg.Gateway.RPS < 0 {
		return fmt.Errorf("gateway.rps must not be negative")
	}
	if cfg.Gateway.MaxInFlight < 0 {
		return fmt.Errorf("gateway.max_in_flight must not be negative")
	}
	if cfg.Gateway.RetryMax < 0 {
		return fmt.Errorf("gateway.retry_max must not be negative")
	}

	if cfg.Crank.OracleIntervalMs < 0 {
		return fmt.Errorf("crank.oracle_interval_ms must not be negative")
	}
	if cfg.Crank.InterestIntervalMs < 0 {
		return fmt.Errorf("crank.interest_interval_ms must not be negative")
	}
	if cfg.Crank.FundingIntervalMs < 0 {
		return fmt.Errorf("crank.funding_interval_ms must not be negative")
	}
	for symbol, key := range cfg.Crank.Oracles {
		if _, err := solana.PublicKeyFromBase58(key); err != nil {
			return fmt.Errorf("crank.oracles[%s] is not a valid account key: %w", symbol, err)
		}
	}

	if cfg.Consumer.ToConsume < 0 {
		return fmt.Errorf("consumer.to_consume must not be negative")
	}
	if cfg.Consumer.MaxQueueLength < 0 {
		return fmt.Errorf("consumer.max_queue_length must not be negative")
	}

	if cfg.Liquidator.ScanIntervalMs < 0 {
		return fmt.Errorf("liquidator.scan_interval_ms must not be negative")
	}
	if cfg.Liquidator.HealthThreshold < 0 {
		return fmt.Errorf("liquidator.health_threshold must not be negative")
	}
	if cfg.Liquidator.SizeCap < 0 {
		return fmt.Errorf("liquidator.size_cap must not be negative")
	}
	if cfg.Liquidator.Margin != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.Liquidator.Margin); err != nil {
			return fmt.Errorf("liquidator.margin is not a valid account key: %w", err)
		}
	}
	if cfg.Liquidator.Control != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.Liquidator.Control); err != nil {
			return fmt.Errorf("liquidator.control is not a valid account key: %w", err)
		}
	}

	if cfg.Store.S3.Enabled {
		if cfg.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required when store.s3 is enabled")
		}
		if !isValidS3Bucket(cfg.Store.S3.Bucket) {
			return fmt.Errorf("store.s3.bucket '%s' is not a valid bucket name", cfg.Store.S3.Bucket)
		}
		if cfg.Store.S3.Region == "" {
			return fmt.Errorf("store.s3.region is required when store.s3 is enabled")
		}
	}
	if cfg.Store.Kafka.Enabled {
		if len(cfg.Store.Kafka.Brokers) == 0 {
			return fmt.Errorf("store.kafka.brokers is required when store.kafka is enabled")
		}
		if cfg.Store.Kafka.Topic == "" {
			return fmt.Errorf("store.kafka.topic is required when store.kafka is enabled")
		}
	}
	if cfg.Store.Webhook.Enabled {
		if cfg.Store.Webhook.URL == "" {
			return fmt.Errorf("store.webhook.url is required when store.webhook is enabled")
		}
		if !strings.HasPrefix(cfg.Store.Webhook.URL, "http://") && !strings.HasPrefix(cfg.Store.Webhook.URL, "https://") {
			return fmt.Errorf("store.webhook.url must start with http:// or https://")
		}
	}

	return nil
}

// ValidateForRole checks the requirements a specific worker adds on top of
// the structural validation done at load time. The role can arrive on the
// command line after the file is loaded, so this runs as a second pass.
func (c *Config) ValidateForRole(role string) error {
	if !validRole(role) {
		return fmt.Errorf("role must be one of crank, consumer, listener, liquidator")
	}

	switch role {
	case RoleListener:
		if c.Gateway.WSURL == "" {
			return fmt.Errorf("gateway.ws_url is required for the listener role")
		}
	case RoleLiquidator:
		if c.Keeper.PayerKey == "" {
			return fmt.Errorf("keeper.payer_key is required for the %s role", role)
		}
		if c.Liquidator.Margin == "" {
			return fmt.Errorf("liquidator.margin is required for the liquidator role")
		}
		if c.Liquidator.Control == "" {
			return fmt.Errorf("liquidator.control is required for the liquidator role")
		}
	default:
		if c.Keeper.PayerKey == "" {
			return fmt.Errorf("keeper.payer_key is required for the %s role", role)
		}
	}

	return nil
}

func validRole(role string) bool {
	switch role {
	case RoleCrank, RoleConsumer, RoleListener, RoleLiquidator:
		return true
	}
	return false
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(bucket string) bool {
	if strings.Contains(bucket, "..") {
		return false
	}
	return s3BucketRegexp.MatchString(bucket)
}

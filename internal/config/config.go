// Package config loads the escrow service configuration from an optional YAML
// file and ESCROW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

const (
	ModeLedger = "ledger"
	ModeEVM    = "evm"

	// MaxFeeBasisPoints is exclusive: a fee must stay below the price
	MaxFeeBasisPoints = 10000

	defaultJWTSecret = "escrow-dev-secret"
)

// Asset is a token the factory accepts for payment
type Asset struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// GatewayConfig selects and tunes the network gateway
type GatewayConfig struct {
	Mode           string        `yaml:"mode"`
	RPCURL         string        `yaml:"rpc_url"`
	FactoryAddress string        `yaml:"factory_address"`
	PrivateKey     string        `yaml:"private_key"`
	BlockInterval  time.Duration `yaml:"block_interval"`
	// Ledger-only network simulation
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate float64       `yaml:"failure_rate"`
}

type AggregatorConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	JWTSecret   string `yaml:"jwt_secret"`
	Environment string `yaml:"environment"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Credential binds an API key pair to the wallet it acts for
type Credential struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Wallet    string `yaml:"wallet"`
}

// Config is the full service configuration
type Config struct {
	NetworkID      uint64           `yaml:"network_id"`
	FeeBasisPoints uint32           `yaml:"fee_basis_points"`
	FeeRecipient   string           `yaml:"fee_recipient"`
	Arbiter        string           `yaml:"arbiter"`
	Assets         []Asset          `yaml:"assets"`
	StatusEncoding []string         `yaml:"status_encoding"`
	Gateway        GatewayConfig    `yaml:"gateway"`
	Aggregator     AggregatorConfig `yaml:"aggregator"`
	DatabasePath   string           `yaml:"database_path"`
	Server         ServerConfig     `yaml:"server"`
	Log            LogConfig        `yaml:"log"`
	Credentials    []Credential     `yaml:"api_credentials"`
}

// Default returns a configuration with every optional field filled in.
// NetworkID and Assets have no default and must be provided.
func Default() *Config {
	return &Config{
		FeeBasisPoints: 500,
		FeeRecipient:   "treasury",
		Arbiter:        "arbiter",
		Gateway: GatewayConfig{
			Mode: ModeLedger,
		},
		Aggregator: AggregatorConfig{
			Concurrency:    16,
			FetchTimeout:   5 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
		},
		DatabasePath: "escrow.db",
		Server: ServerConfig{
			Port:        "8080",
			JWTSecret:   defaultJWTSecret,
			Environment: "development",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookup("ESCROW_NETWORK_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ESCROW_NETWORK_ID: %w", err)
		}
		c.NetworkID = id
	}
	if v, ok := lookup("ESCROW_FEE_BPS"); ok {
		bps, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("ESCROW_FEE_BPS: %w", err)
		}
		c.FeeBasisPoints = uint32(bps)
	}
	if v, ok := lookup("ESCROW_FEE_RECIPIENT"); ok {
		c.FeeRecipient = v
	}
	if v, ok := lookup("ESCROW_ARBITER"); ok {
		c.Arbiter = v
	}
	if v, ok := lookup("ESCROW_GATEWAY_MODE"); ok {
		c.Gateway.Mode = strings.ToLower(v)
	}
	if v, ok := lookup("ESCROW_RPC_URL"); ok {
		c.Gateway.RPCURL = v
	}
	if v, ok := lookup("ESCROW_FACTORY_ADDRESS"); ok {
		c.Gateway.FactoryAddress = v
	}
	if v, ok := lookup("ESCROW_PRIVATE_KEY"); ok {
		c.Gateway.PrivateKey = v
	}
	if v, ok := lookup("ESCROW_DATABASE_PATH"); ok {
		c.DatabasePath = v
	}
	if v, ok := lookup("PORT"); ok {
		c.Server.Port = v
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Server.JWTSecret = v
	}
	if v, ok := lookup("ENV"); ok {
		c.Server.Environment = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		c.Log.File = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Log.Level = "debug"
	}
	return nil
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error

	if c.NetworkID == 0 {
		errs = append(errs, errors.New("network_id is required"))
	}
	if c.FeeBasisPoints >= MaxFeeBasisPoints {
		errs = append(errs, fmt.Errorf("fee_basis_points must be below %d, got %d", MaxFeeBasisPoints, c.FeeBasisPoints))
	}
	if strings.TrimSpace(c.FeeRecipient) == "" {
		errs = append(errs, errors.New("fee_recipient is required"))
	}
	if strings.TrimSpace(c.Arbiter) == "" {
		errs = append(errs, errors.New("arbiter is required"))
	}

	if len(c.Assets) == 0 {
		errs = append(errs, errors.New("at least one asset is required"))
	}
	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		key := strings.ToLower(types.NormalizeParty(a.Address))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("assets[%d]: address is required", i))
		case seen[key]:
			errs = append(errs, fmt.Errorf("assets[%d]: duplicate address %s", i, a.Address))
		}
		seen[key] = true
		if a.Decimals < 0 || a.Decimals > 36 {
			errs = append(errs, fmt.Errorf("assets[%d]: decimals must be within 0..36", i))
		}
	}

	if _, err := types.NewStatusCodec(c.StatusEncoding); err != nil {
		errs = append(errs, fmt.Errorf("status_encoding: %w", err))
	}

	switch c.Gateway.Mode {
	case ModeLedger:
		if c.Gateway.FailureRate < 0 || c.Gateway.FailureRate >= 1 {
			errs = append(errs, errors.New("gateway.failure_rate must be within [0, 1)"))
		}
		if c.Gateway.MaxLatency < c.Gateway.MinLatency {
			errs = append(errs, errors.New("gateway.max_latency must not be below min_latency"))
		}
	case ModeEVM:
		if c.Gateway.RPCURL == "" {
			errs = append(errs, errors.New("gateway.rpc_url is required in evm mode"))
		}
		if c.Gateway.FactoryAddress == "" {
			errs = append(errs, errors.New("gateway.factory_address is required in evm mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.mode must be %q or %q, got %q", ModeLedger, ModeEVM, c.Gateway.Mode))
	}

	if c.Aggregator.Concurrency <= 0 {
		errs = append(errs, errors.New("aggregator.concurrency must be positive"))
	}
	if c.Aggregator.MaxAttempts <= 0 {
		errs = append(errs, errors.New("aggregator.max_attempts must be positive"))
	}
	if c.Aggregator.FetchTimeout <= 0 {
		errs = append(errs, errors.New("aggregator.fetch_timeout must be positive"))
	}

	if c.IsProduction() && c.Server.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("server.jwt_secret must be set in production"))
	}
	for i, cred := range c.Credentials {
		if cred.APIKey == "" || cred.APISecret == "" || strings.TrimSpace(cred.Wallet) == "" {
			errs = append(errs, fmt.Errorf("api_credentials[%d]: api_key, api_secret and wallet are required", i))
		}
	}

	return errors.Join(errs...)
}

// IsProduction mirrors the ENV=production switch used for log formatting
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// StatusCodec returns the validated status encoding
func (c *Config) StatusCodec() types.StatusCodec {
	codec, err := types.NewStatusCodec(c.StatusEncoding)
	if err != nil {
		return types.DefaultStatusCodec()
	}
	return codec
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

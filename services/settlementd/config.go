package settlementd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the settlement daemon.
type Config struct {
	ListenAddress  string         `yaml:"listen"`
	Database       DatabaseConfig `yaml:"database"`
	Chain          ChainConfig    `yaml:"chain"`
	LockTTL        Duration       `yaml:"lock_ttl"`
	PollInterval   Duration       `yaml:"poll_interval"`
	ReceiptTimeout Duration       `yaml:"receipt_timeout"`
	APIKeys        []APIKeyConfig `yaml:"api_keys"`
	RateLimit      float64        `yaml:"rate_limit_per_minute"`
	AuthSkew       Duration       `yaml:"auth_skew"`
	NonceTTL       Duration       `yaml:"nonce_ttl"`
}

// DatabaseConfig points the service at its relational projection store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// DSNEnv names an environment variable holding the DSN; it wins over dsn.
	DSNEnv string `yaml:"dsn_env"`
}

// ChainConfig configures the escrow contract and its RPC provider.
type ChainConfig struct {
	RPCEndpoint   string `yaml:"rpc_endpoint"`
	ChainID       uint64 `yaml:"chain_id"`
	EscrowAddress string `yaml:"escrow_address"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file"`
}

// APIKeyConfig pairs an API key identifier with its secret and role.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	Role   string `yaml:"role"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.LockTTL.Duration == 0 {
		cfg.LockTTL.Duration = 5 * time.Minute
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.ReceiptTimeout.Duration == 0 {
		cfg.ReceiptTimeout.Duration = 2 * time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.APIKeys) == 0 {
		return fmt.Errorf("at least one api key must be configured")
	}
	for _, key := range cfg.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("api keys require both key and secret")
		}
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain_id must be configured")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	if env := strings.TrimSpace(d.DSNEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", env)
		}
		d.DSN = value
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.RPCEndpoint = strings.TrimSpace(c.RPCEndpoint)
	if c.RPCEndpoint == "" {
		return fmt.Errorf("rpc_endpoint is required")
	}
	c.EscrowAddress = strings.TrimSpace(c.EscrowAddress)
	if c.EscrowAddress == "" {
		return fmt.Errorf("escrow_address is required")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(c.SignerKeyEnv) != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case strings.TrimSpace(c.SignerKeyFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(c.SignerKeyFile))
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

// Package config handles configuration loading and validation for zenith-pool.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the global (pool-wide) configuration
type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	CLI        CLIConfig        `mapstructure:"cli"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Switching  map[string]SwitchConfig `mapstructure:"switching"`
	Log        LogConfig        `mapstructure:"log"`

	PoolConfigDir string `mapstructure:"pool_config_dir"`
}

// RedisConfig defines shared store connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Socket   string `mapstructure:"socket"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the network address to dial, preferring the unix socket
func (r RedisConfig) Addr() (network, addr string) {
	if r.Socket != "" {
		return "unix", r.Socket
	}
	return "tcp", r.URL
}

// ClusteringConfig controls the supervisor's worker fan-out
type ClusteringConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Forks   string `mapstructure:"forks"` // integer or "auto"
}

// ForkCount resolves the configured fork count; "auto" maps to CPU count
func (c ClusteringConfig) ForkCount() int {
	if !c.Enabled {
		return 1
	}
	if c.Forks == "" || c.Forks == "auto" {
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(c.Forks)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// CLIConfig defines the plain-text operator command listener
type CLIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// OpsConfig defines the operator health/status HTTP server
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// ProfilingConfig defines the pprof server
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolURL      string `mapstructure:"pool_url"`
}

// SwitchConfig defines one algorithm-keyed proxy switch
type SwitchConfig struct {
	Enabled   bool                  `mapstructure:"enabled"`
	Algorithm string                `mapstructure:"algorithm"`
	Default   string                `mapstructure:"default"` // coin used before first coinswitch
	Ports     map[string]PortConfig `mapstructure:"ports"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// PoolConfig is one coin's configuration, loaded from pool_configs/
type PoolConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Coin    CoinConfig `mapstructure:"coin"`

	Address        string `mapstructure:"address"`
	InvalidAddress string `mapstructure:"invalid_address"`

	ValidateWorkerUsername bool `mapstructure:"validate_worker_username"`

	BannedAddresses BannedAddressesConfig `mapstructure:"banned_addresses"`
	Banning         BanningConfig         `mapstructure:"banning"`

	Ports   map[string]PortConfig `mapstructure:"ports"`
	Daemons []DaemonConfig        `mapstructure:"daemons"`

	PaymentProcessing PaymentConfig `mapstructure:"payment_processing"`

	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	JobRebroadcastTimeout time.Duration `mapstructure:"job_rebroadcast_timeout"`
	BlockRefreshInterval  time.Duration `mapstructure:"block_refresh_interval"`
}

// CoinConfig identifies the coin and its chain parameters
type CoinConfig struct {
	Name      string  `mapstructure:"name"`
	Symbol    string  `mapstructure:"symbol"`
	Algorithm string  `mapstructure:"algorithm"`
	TxFee     float64 `mapstructure:"txfee"`
	Precision int     `mapstructure:"precision"` // coin magnitude = 10^precision

	// Address forms accepted from miners, hex-encoded version bytes.
	PubKeyHashVersions []string `mapstructure:"pubkeyhash_versions"`
	ScriptHashVersions []string `mapstructure:"scripthash_versions"`
	Bech32HRPs         []string `mapstructure:"bech32_hrps"`

	// Merge-mined chains submit through submitmergedblock.
	MergedMining bool `mapstructure:"merged_mining"`

	// Target-based miners receive mining.set_target pushes instead of
	// mining.set_difficulty.
	NotifyTarget bool `mapstructure:"notify_target"`
}

// Magnitude returns 10^precision as a float
func (c CoinConfig) Magnitude() float64 {
	mag := 1.0
	for i := 0; i < c.Precision; i++ {
		mag *= 10
	}
	return mag
}

// BannedAddressesConfig rejects specific payout addresses at authorize
type BannedAddressesConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Banned  []string `mapstructure:"banned"`
}

// BanningConfig controls the stratum invalid-share ban policy
type BanningConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	CheckThreshold int           `mapstructure:"check_threshold"`
	InvalidPercent float64       `mapstructure:"invalid_percent"`
	BanTime        time.Duration `mapstructure:"ban_time"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
}

// PortConfig defines one stratum listening port
type PortConfig struct {
	Diff    float64        `mapstructure:"diff"`
	VarDiff *VarDiffConfig `mapstructure:"var_diff"`
	TLS     *TLSConfig     `mapstructure:"tls"`
}

// VarDiffConfig defines per-port difficulty retargeting
type VarDiffConfig struct {
	MinDiff         float64 `mapstructure:"min_diff"`
	MaxDiff         float64 `mapstructure:"max_diff"`
	TargetTime      float64 `mapstructure:"target_time"`      // seconds between shares
	RetargetTime    float64 `mapstructure:"retarget_time"`    // seconds between adjustments
	VariancePercent float64 `mapstructure:"variance_percent"` // allowed drift before retarget
}

// TLSConfig wraps a port in TLS when set
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// DaemonConfig is one coin daemon's JSON-RPC endpoint
type DaemonConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// Optional websocket notification endpoint; zero disables the watch.
	WSPort int `mapstructure:"ws_port"`
}

// URL returns the daemon's HTTP endpoint
func (d DaemonConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// PaymentConfig defines the payout processor settings for a coin
type PaymentConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Daemon              *DaemonConfig `mapstructure:"daemon"`
	PaymentInterval     time.Duration `mapstructure:"payment_interval"`
	PaymentMode         string        `mapstructure:"payment_mode"` // "prop" or "pplnt"
	PPLNT               float64       `mapstructure:"pplnt"`        // time-qualify fraction
	MinimumPayment      float64       `mapstructure:"minimum_payment"`
	MinConf             int           `mapstructure:"min_conf"`
	MaxBlocksPerPayment int           `mapstructure:"max_blocks_per_payment"`
}

// Load reads the global configuration file (JSON with comment tolerance)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ZENITH_POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(StripJSONComments(raw))); err != nil {
			return nil, fmt.Errorf("error parsing config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadPools reads every enabled per-coin config under dir. Each file gets
// its own viper instance so nested defaults are never shared between pools.
func LoadPools(dir string) ([]*PoolConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading pool config dir: %w", err)
	}

	var pools []*PoolConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		pool, err := LoadPool(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("pool config %s: %w", entry.Name(), err)
		}
		if pool.Enabled {
			pools = append(pools, pool)
		}
	}
	return pools, nil
}

// LoadPool reads a single per-coin config file
func LoadPool(path string) (*PoolConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setPoolDefaults(v)
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(StripJSONComments(raw))); err != nil {
		return nil, err
	}

	var pool PoolConfig
	if err := v.Unmarshal(&pool); err != nil {
		return nil, err
	}

	if pool.Enabled {
		if err := pool.Validate(); err != nil {
			return nil, err
		}
	}
	return &pool, nil
}

// setDefaults sets default global configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("clustering.enabled", true)
	v.SetDefault("clustering.forks", "auto")

	v.SetDefault("cli.host", "127.0.0.1")
	v.SetDefault("cli.port", 17117)

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.bind", "127.0.0.1:8118")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "zenith-pool")

	v.SetDefault("pool_config_dir", "pool_configs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// setPoolDefaults sets default per-coin configuration values
func setPoolDefaults(v *viper.Viper) {
	v.SetDefault("enabled", false)
	v.SetDefault("coin.precision", 8)
	v.SetDefault("coin.algorithm", "sha256d")
	v.SetDefault("validate_worker_username", true)

	v.SetDefault("banning.enabled", true)
	v.SetDefault("banning.check_threshold", 500)
	v.SetDefault("banning.invalid_percent", 50.0)
	v.SetDefault("banning.ban_time", "10m")
	v.SetDefault("banning.purge_interval", "5m")

	v.SetDefault("connection_timeout", "10m")
	v.SetDefault("job_rebroadcast_timeout", "55s")
	v.SetDefault("block_refresh_interval", "1s")

	v.SetDefault("payment_processing.enabled", false)
	v.SetDefault("payment_processing.payment_interval", "2m")
	v.SetDefault("payment_processing.payment_mode", "prop")
	v.SetDefault("payment_processing.pplnt", 0.51)
	v.SetDefault("payment_processing.min_conf", 10)
	v.SetDefault("payment_processing.max_blocks_per_payment", 3)
}

// Validate checks the global configuration for errors
func (c *Config) Validate() error {
	if c.Redis.URL == "" && c.Redis.Socket == "" {
		return fmt.Errorf("redis.url or redis.socket is required")
	}
	if c.CLI.Port <= 0 || c.CLI.Port > 65535 {
		return fmt.Errorf("cli.port must be a valid port")
	}
	for name, sw := range c.Switching {
		if sw.Enabled && sw.Algorithm == "" {
			return fmt.Errorf("switching.%s.algorithm is required", name)
		}
	}
	return nil
}

// Validate checks a per-coin configuration for errors
func (p *PoolConfig) Validate() error {
	if p.Coin.Name == "" {
		return fmt.Errorf("coin.name is required")
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if len(p.Daemons) == 0 {
		return fmt.Errorf("at least one daemon is required")
	}
	if len(p.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	for port, pc := range p.Ports {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid port number %q", port)
		}
		if vd := pc.VarDiff; vd != nil {
			if vd.MinDiff <= 0 || vd.MaxDiff < vd.MinDiff {
				return fmt.Errorf("port %s: var_diff bounds invalid", port)
			}
			if vd.TargetTime <= 0 {
				return fmt.Errorf("port %s: var_diff.target_time must be positive", port)
			}
		}
	}
	if p.PaymentProcessing.Enabled {
		pp := p.PaymentProcessing
		if pp.MinimumPayment <= 0 {
			return fmt.Errorf("payment_processing.minimum_payment must be > 0")
		}
		if pp.MinConf < 1 {
			return fmt.Errorf("payment_processing.min_conf must be >= 1")
		}
		if pp.PaymentMode != "prop" && pp.PaymentMode != "pplnt" {
			return fmt.Errorf("payment_processing.payment_mode must be prop or pplnt")
		}
		if pp.PaymentInterval < 30*time.Second {
			return fmt.Errorf("payment_processing.payment_interval must be >= 30s")
		}
	}
	return nil
}

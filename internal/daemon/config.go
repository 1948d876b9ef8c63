package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/app/payout"
	"github.com/tutu-network/settle/internal/domain"
)

// ConfigFileName is looked up under the settle home directory.
const ConfigFileName = "config.toml"

// Config is the settle.toml layout.
type Config struct {
	API       APIConfig          `toml:"api"`
	Storage   StorageConfig      `toml:"storage"`
	Cache     CacheConfig        `toml:"cache"`
	Budget    agentwallet.Config `toml:"budget"`
	Payout    payout.Config      `toml:"payout"`
	Revenue   RevenueConfig      `toml:"revenue"`
	Reconcile ReconcileConfig    `toml:"reconcile"`
	Log       LogConfig          `toml:"log"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Addr is host:port.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// StorageConfig locates the ledger database. An empty PostgresDSN keeps
// daily agent spend in SQLite next to the ledger.
type StorageConfig struct {
	Home        string `toml:"home"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// CacheConfig enables the Redis spend cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string `toml:"redis_addr"`
}

// RevenueConfig is the split seeded at startup. The recipient accounts are
// named by entity id and created on first boot.
type RevenueConfig struct {
	CommonsRateBps     int64  `toml:"commons_rate_bps"`
	CommunityRateBps   int64  `toml:"community_rate_bps"`
	FoundationRateBps  int64  `toml:"foundation_rate_bps"`
	CommonsEntityID    string `toml:"commons_entity_id"`
	CommunityEntityID  string `toml:"community_entity_id"`
	FoundationEntityID string `toml:"foundation_entity_id"`
}

// SeedKey identifies this split so restarting with the same file does not
// write a new config row.
func (c RevenueConfig) SeedKey() string {
	return fmt.Sprintf("revenue:%d/%d/%d:%s/%s/%s",
		c.CommonsRateBps, c.CommunityRateBps, c.FoundationRateBps,
		c.CommonsEntityID, c.CommunityEntityID, c.FoundationEntityID)
}

// ReconcileConfig schedules background maintenance. A zero interval
// disables the job.
type ReconcileConfig struct {
	Interval       time.Duration `toml:"interval"`
	ExpiryInterval time.Duration `toml:"expiry_interval"`
	JobTimeout     time.Duration `toml:"job_timeout"`
	MaxConcurrent  int           `toml:"max_concurrent"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// DefaultConfig returns a config that runs a single local instance.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{Home: DefaultHome()},
		Budget:  agentwallet.DefaultConfig(),
		Payout:  payout.DefaultConfig(),
		Revenue: RevenueConfig{
			CommonsRateBps:     500,
			CommunityRateBps:   1000,
			FoundationRateBps:  8500,
			CommonsEntityID:    "commons",
			CommunityEntityID:  "community",
			FoundationEntityID: "foundation",
		},
		Reconcile: ReconcileConfig{
			Interval:       15 * time.Minute,
			ExpiryInterval: time.Hour,
			JobTimeout:     2 * time.Minute,
			MaxConcurrent:  2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultHome is $SETTLE_HOME, else ~/.settle.
func DefaultHome() string {
	if h := os.Getenv("SETTLE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".settle"
	}
	return filepath.Join(home, ".settle")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
			}
		}
	}
	applyEnv(&cfg)
	cfg.Storage.Home = expandHome(cfg.Storage.Home)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SETTLE_HOME"); v != "" {
		cfg.Storage.Home = v
	}
	if v := os.Getenv("SETTLE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("SETTLE_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
}

// expandHome resolves a leading "~/".
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate rejects configs the daemon cannot start with.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return domain.Invalid("api.port", "out of range: %d", c.API.Port)
	}
	if c.Storage.Home == "" {
		return domain.Invalid("storage.home", "required")
	}
	if c.Budget.DefaultDailyCapMicro <= 0 {
		return domain.Invalid("budget.default_daily_cap_micro", "must be positive")
	}
	if c.Payout.FeeCapBps < 0 || c.Payout.FeeCapBps > domain.BasisPoints {
		return domain.Invalid("payout.fee_cap_bps", "must be within 0..%d", domain.BasisPoints)
	}
	if c.Payout.BasicKYCThresholdMicro > c.Payout.EnhancedKYCThresholdMicro {
		return domain.Invalid("payout.basic_kyc_threshold_micro", "must not exceed the enhanced threshold")
	}
	r := c.Revenue
	if r.CommonsEntityID == "" || r.CommunityEntityID == "" || r.FoundationEntityID == "" {
		return domain.Invalid("revenue", "every recipient entity id is required")
	}
	if sum := r.CommonsRateBps + r.CommunityRateBps + r.FoundationRateBps; sum != domain.BasisPoints {
		return fmt.Errorf("%w: rates sum to %d bps", domain.ErrInvalidRevenueConfig, sum)
	}
	return nil
}

// Package config loads application configuration from a YAML file with
// environment overrides from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the bind address of the HTTP layer.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DBConfig is the storage location and rolling retention.
type DBConfig struct {
	Path      string `yaml:"path"`
	PruneDays int    `yaml:"prune_days"`
}

// RateLimitConfig sets the API weight budget.
type RateLimitConfig struct {
	MaxWeightPerMin int `yaml:"max_weight_per_min"`
	SafetyPct       int `yaml:"safety_pct"`
}

// TradeStreamConfig toggles the WebSocket subsystem.
type TradeStreamConfig struct {
	Enabled bool `yaml:"enabled"`
}

// L2BookConfig controls the order-book subscriber. Off by default: it
// holds a second WebSocket and most deployments only need trades.
type L2BookConfig struct {
	Enabled bool     `yaml:"enabled"`
	Coins   []string `yaml:"coins"`
}

// PositionPollerConfig controls poller fan-out and tiering policy.
// Intervals are seconds; thresholds are USD exposure.
type PositionPollerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Workers        int     `yaml:"workers"`
	Tier1Interval  int     `yaml:"tier1_interval"`
	Tier2Interval  int     `yaml:"tier2_interval"`
	Tier3Interval  int     `yaml:"tier3_interval"`
	WhaleThreshold float64 `yaml:"whale_threshold"`
	MidThreshold   float64 `yaml:"mid_threshold"`
}

// HlpTrackerConfig sets the vault set and cycle interval.
type HlpTrackerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	PollInterval int      `yaml:"poll_interval"`
	Vaults       []string `yaml:"vaults"`
}

// HeatmapConfig controls heatmap recomputation.
type HeatmapConfig struct {
	RecomputeInterval int     `yaml:"recompute_interval"`
	BucketCount       int     `yaml:"bucket_count"`
	RangePct          float64 `yaml:"range_pct"`
}

// OrderFlowConfig lists window sizes in seconds.
type OrderFlowConfig struct {
	Windows []int `yaml:"windows"`
}

// SmartMoneyConfig controls profiling and auto-curation.
type SmartMoneyConfig struct {
	ProfileWindowDays   int     `yaml:"profile_window_days"`
	ProfileRefreshHours int     `yaml:"profile_refresh_hours"`
	MinEquity           float64 `yaml:"min_equity"`
	MinTradesForProfile int     `yaml:"min_trades_for_profile"`
	BotTradesPerDay     float64 `yaml:"bot_trades_per_day"`
	BotAvgHoldMin       float64 `yaml:"bot_avg_hold_min"`
	MaxProfilesPerCycle int     `yaml:"max_profiles_per_cycle"`
	AlertMinSizeUSD     float64 `yaml:"alert_min_size_usd"`
	AlertMinWinRate     float64 `yaml:"alert_min_win_rate"`

	AutoCurateEnabled         bool    `yaml:"auto_curate_enabled"`
	AutoCurateMinWinRate      float64 `yaml:"auto_curate_min_win_rate"`
	AutoCurateMinTrades       int     `yaml:"auto_curate_min_trades"`
	AutoCurateMinProfitFactor float64 `yaml:"auto_curate_min_profit_factor"`
	AutoCurateMaxWallets      int     `yaml:"auto_curate_max_wallets"`
	AutoCurateExcludeBots     bool    `yaml:"auto_curate_exclude_bots"`
}

// ArchiveConfig points the offline backfill at the historical data bucket.
type ArchiveConfig struct {
	S3Bucket       string   `yaml:"s3_bucket"`
	S3Prefix       string   `yaml:"s3_prefix"`
	Region         string   `yaml:"region"`
	TempDir        string   `yaml:"temp_dir"`
	Coins          []string `yaml:"coins"`
	MinPositionUSD float64  `yaml:"min_position_usd"`
}

// Config is the full application configuration.
type Config struct {
	BaseURL        string               `yaml:"base_url"`
	WSURL          string               `yaml:"ws_url"`
	LogLevel       string               `yaml:"log_level"`
	Server         ServerConfig         `yaml:"server"`
	DB             DBConfig             `yaml:"db"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	TradeStream    TradeStreamConfig    `yaml:"trade_stream"`
	L2Book         L2BookConfig         `yaml:"l2_book"`
	PositionPoller PositionPollerConfig `yaml:"position_poller"`
	HlpTracker     HlpTrackerConfig     `yaml:"hlp_tracker"`
	Heatmap        HeatmapConfig        `yaml:"heatmap"`
	OrderFlow      OrderFlowConfig      `yaml:"order_flow"`
	SmartMoney     SmartMoneyConfig     `yaml:"smart_money"`
	Archive        ArchiveConfig        `yaml:"archive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:  "https://api.hyperliquid.xyz",
		WSURL:    "wss://api.hyperliquid.xyz/ws",
		LogLevel: "info",
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8100},
		DB:       DBConfig{Path: "storage/hynous-data.db", PruneDays: 7},
		RateLimit: RateLimitConfig{
			MaxWeightPerMin: 1200,
			SafetyPct:       85,
		},
		TradeStream: TradeStreamConfig{Enabled: true},
		L2Book: L2BookConfig{
			Enabled: false,
			Coins:   []string{"BTC", "ETH", "SOL"},
		},
		PositionPoller: PositionPollerConfig{
			Enabled:        true,
			Workers:        8,
			Tier1Interval:  30,
			Tier2Interval:  120,
			Tier3Interval:  600,
			WhaleThreshold: 1_000_000,
			MidThreshold:   100_000,
		},
		HlpTracker: HlpTrackerConfig{
			Enabled:      true,
			PollInterval: 60,
			Vaults: []string{
				"0xdfc24b077bc1425ad1dea75bcb6f8158e10df303",
				"0x010461c14e146ac35fe42271bdc1134ee31c703a",
				"0x35cfc9c671b9a2f43fa23f3f08fb46e6a893463e",
			},
		},
		Heatmap: HeatmapConfig{
			RecomputeInterval: 10,
			BucketCount:       50,
			RangePct:          15.0,
		},
		OrderFlow: OrderFlowConfig{Windows: []int{60, 300, 900, 3600}},
		SmartMoney: SmartMoneyConfig{
			ProfileWindowDays:         7,
			ProfileRefreshHours:       2,
			MinEquity:                 50_000,
			MinTradesForProfile:       5,
			BotTradesPerDay:           50,
			BotAvgHoldMin:             2,
			MaxProfilesPerCycle:       50,
			AlertMinSizeUSD:           50_000,
			AlertMinWinRate:           0.55,
			AutoCurateEnabled:         true,
			AutoCurateMinWinRate:      0.55,
			AutoCurateMinTrades:       10,
			AutoCurateMinProfitFactor: 1.5,
			AutoCurateMaxWallets:      20,
			AutoCurateExcludeBots:     true,
		},
		Archive: ArchiveConfig{
			S3Bucket:       "artemis-hyperliquid-data",
			S3Prefix:       "raw/",
			Region:         "us-east-1",
			TempDir:        os.TempDir(),
			Coins:          []string{"BTC", "ETH", "SOL"},
			MinPositionUSD: 50_000,
		},
	}
}

// Load reads the YAML config at path (optional) over the defaults, then
// applies environment overrides. A missing file is not an error: the
// defaults stand.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the handful of environment knobs on top of file
// values.
func (c *Config) applyEnv() {
	if v := os.Getenv("HYNOUS_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("HYNOUS_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("HYNOUS_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HYNOUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

func (c *Config) validate() error {
	if c.RateLimit.MaxWeightPerMin < 0 || c.RateLimit.SafetyPct < 0 || c.RateLimit.SafetyPct > 100 {
		return fmt.Errorf("invalid rate_limit config: max=%d safety=%d",
			c.RateLimit.MaxWeightPerMin, c.RateLimit.SafetyPct)
	}
	if c.PositionPoller.Workers <= 0 {
		c.PositionPoller.Workers = 8
	}
	if c.Heatmap.BucketCount <= 0 {
		return fmt.Errorf("heatmap.bucket_count must be positive")
	}
	if len(c.OrderFlow.Windows) == 0 {
		c.OrderFlow.Windows = []int{60, 300, 900, 3600}
	}
	if c.L2Book.Enabled && len(c.L2Book.Coins) == 0 {
		return fmt.Errorf("l2_book.enabled requires a non-empty l2_book.coins list")
	}
	return nil
}

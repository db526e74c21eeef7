package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/dexsentry/internal/market"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModeSimulation = "simulation"
	ModePaper      = "paper"
	ModeLive       = "live"
)

// Config is the root configuration structure for dexsentry.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Storage    StorageConfig    `yaml:"storage"`
	Solana     SolanaConfig     `yaml:"solana"`
	Sources    SourcesConfig    `yaml:"sources"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Position   PositionConfig   `yaml:"position"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	Mode        string `yaml:"mode"`        // simulation|paper|live
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

type ClickHouseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"` // file path or ":memory:"
}

type SolanaConfig struct {
	RPCURL           string   `yaml:"rpc_url"`
	WSURL            string   `yaml:"ws_url"`
	HeliusAPIKey     string   `yaml:"helius_api_key"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps"`
	Commitment       string   `yaml:"commitment"`
	WatchPrograms    []string `yaml:"watch_programs"`
	WalletName       string   `yaml:"wallet_name"`
	WalletPrivateKey string   `yaml:"wallet_private_key"`
}

type SourceConfig struct {
	Disabled     bool    `yaml:"disabled"`
	BaseURL      string  `yaml:"base_url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Burst        int     `yaml:"burst"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	Confidence   float64 `yaml:"confidence"` // weight of this source's price reports
}

type SourcesConfig struct {
	Jupiter     SourceConfig `yaml:"jupiter"`
	DexScreener SourceConfig `yaml:"dexscreener"`
	Raydium     SourceConfig `yaml:"raydium"`

	// Priority lists source names in pool-fetch fallback order.
	Priority    []string `yaml:"priority"`
	PricePollMs int      `yaml:"price_poll_ms"`
	// WatchTokens are always polled. Tokens seen in opportunities are
	// polled too, up to MaxWatchedTokens at a time.
	WatchTokens      []string `yaml:"watch_tokens"`
	MaxWatchedTokens int      `yaml:"max_watched_tokens"`
	TokenListURL     string   `yaml:"token_list_url"`
	SwapURL          string   `yaml:"swap_url"`
}

type PricingConfig struct {
	StalenessWindowMs int     `yaml:"staleness_window_ms"`
	MinSources        int     `yaml:"min_sources"`
	MaxDeviationPct   float64 `yaml:"max_deviation_pct"`
	MinConfidence     float64 `yaml:"min_confidence"`
	PruneIntervalMs   int     `yaml:"prune_interval_ms"`
}

type ScannerConfig struct {
	IntervalMs           int     `yaml:"interval_ms"`
	MinLiquidityUSD      float64 `yaml:"min_liquidity_usd"`
	MaxPriceImpactPct    float64 `yaml:"max_price_impact_pct"`
	MinRiskScore         float64 `yaml:"min_risk_score"`
	MinProfitUSD         float64 `yaml:"min_profit_usd"`
	MaxTrackedPools      int     `yaml:"max_tracked_pools"`
	RecentWindowMin      int     `yaml:"recent_window_min"`
	MaxPoolAgeMin        int     `yaml:"max_pool_age_min"`
	DuplicateWindowS     int     `yaml:"duplicate_window_s"`
	RugLiquidityFloorUSD float64 `yaml:"rug_liquidity_floor_usd"`
	SymbolTimeoutMs      int     `yaml:"symbol_timeout_ms"`
}

type RiskConfig struct {
	MinConfidence         float64  `yaml:"min_confidence"`
	LiveMinConfidence     float64  `yaml:"live_min_confidence"`
	MaxPriceImpactPct     float64  `yaml:"max_price_impact_pct"`
	LiveMaxPriceImpactPct float64  `yaml:"live_max_price_impact_pct"`
	MinLiquidityUSD       float64  `yaml:"min_liquidity_usd"`
	MaxTradesPerHour      int      `yaml:"max_trades_per_hour"`
	MaxDailyLossUSD       float64  `yaml:"max_daily_loss_usd"`
	MaxPositions          int      `yaml:"max_positions"`
	MaxPositionUSD        float64  `yaml:"max_position_usd"`
	StopLossPct           float64  `yaml:"stop_loss_pct"`
	TakeProfitPct         float64  `yaml:"take_profit_pct"`
	HardRejectScore       float64  `yaml:"hard_reject_score"`
	Blacklist             []string `yaml:"blacklist"`
}

type ExecutionConfig struct {
	MaxSlippageBps     float64 `yaml:"max_slippage_bps"`
	QuoteTimeoutMs     int     `yaml:"quote_timeout_ms"`
	ConfirmTimeoutS    int     `yaml:"confirm_timeout_s"`
	PollIntervalMs     int     `yaml:"poll_interval_ms"`
	RetryMaxAttempts   int     `yaml:"retry_max_attempts"`
	RetryBaseDelayMs   int     `yaml:"retry_base_delay_ms"`
	MinPriceConfidence float64 `yaml:"min_price_confidence"`
}

type PositionConfig struct {
	TickS int `yaml:"tick_s"`
}

type MetricsConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses a YAML configuration file. A .env file in the
// working directory is loaded first if present, then environment variables
// are expanded in the raw YAML and selected overrides applied.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEXSENTRY_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
	if v := os.Getenv("DEXSENTRY_MODE"); v != "" {
		cfg.General.Mode = v
	}
	if v := os.Getenv("HELIUS_API_KEY"); v != "" {
		cfg.Solana.HeliusAPIKey = v
	}
	if v := os.Getenv("WALLET_PRIVATE_KEY"); v != "" {
		cfg.Solana.WalletPrivateKey = v
	}
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.InstanceID == "" {
		g.InstanceID = "dexsentry-1"
	}
	if g.Environment == "" {
		g.Environment = "development"
	}
	if g.Mode == "" {
		g.Mode = ModeSimulation
	}
	g.Mode = strings.ToLower(g.Mode)
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = g.InstanceID
	}

	ch := &cfg.ClickHouse
	if ch.DSN == "" {
		ch.DSN = "clickhouse://localhost:9000/dexsentry"
	}
	if ch.Database == "" {
		ch.Database = "dexsentry"
	}
	if ch.MaxOpenConns == 0 {
		ch.MaxOpenConns = 10
	}
	if ch.MaxIdleConns == 0 {
		ch.MaxIdleConns = 5
	}
	if ch.BatchSize == 0 {
		ch.BatchSize = 500
	}
	if ch.FlushIntervalMs == 0 {
		ch.FlushIntervalMs = 2000
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "dexsentry.db"
	}

	sol := &cfg.Solana
	if sol.RPCURL == "" {
		sol.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if sol.WSURL == "" {
		sol.WSURL = "wss://mainnet.helius-rpc.com"
	}
	if sol.RateLimitRPS == 0 {
		sol.RateLimitRPS = 10
	}
	if sol.Commitment == "" {
		sol.Commitment = "confirmed"
	}
	if sol.WalletName == "" {
		sol.WalletName = "main"
	}

	src := &cfg.Sources
	sourceDefaults(&src.Jupiter, "https://api.jup.ag/price/v2", 10, 0.9)
	sourceDefaults(&src.DexScreener, "https://api.dexscreener.com", 5, 0.8)
	sourceDefaults(&src.Raydium, "https://api-v3.raydium.io", 5, 0.7)
	if len(src.Priority) == 0 {
		src.Priority = []string{"dexscreener", "raydium"}
	}
	if src.PricePollMs == 0 {
		src.PricePollMs = 250
	}
	if src.MaxWatchedTokens == 0 {
		src.MaxWatchedTokens = 64
	}
	if len(src.WatchTokens) == 0 {
		src.WatchTokens = []string{"So11111111111111111111111111111111111111112"}
	}
	if src.TokenListURL == "" {
		src.TokenListURL = "https://tokens.jup.ag/tokens?tags=verified"
	}
	if src.SwapURL == "" {
		src.SwapURL = "https://quote-api.jup.ag/v6"
	}

	p := &cfg.Pricing
	if p.StalenessWindowMs == 0 {
		p.StalenessWindowMs = 500
	}
	if p.MinSources == 0 {
		p.MinSources = 2
	}
	if p.MaxDeviationPct == 0 {
		p.MaxDeviationPct = 0.5
	}
	if p.MinConfidence == 0 {
		p.MinConfidence = 0.5
	}
	if p.PruneIntervalMs == 0 {
		p.PruneIntervalMs = 5000
	}

	s := &cfg.Scanner
	if s.IntervalMs == 0 {
		s.IntervalMs = 2000
	}
	if s.MinLiquidityUSD == 0 {
		s.MinLiquidityUSD = 10_000
	}
	if s.MaxPriceImpactPct == 0 {
		s.MaxPriceImpactPct = 5
	}
	if s.MinRiskScore == 0 {
		s.MinRiskScore = 0.3
	}
	if s.MinProfitUSD == 0 {
		s.MinProfitUSD = 50
	}
	if s.MaxTrackedPools == 0 {
		s.MaxTrackedPools = 100
	}
	if s.RecentWindowMin == 0 {
		s.RecentWindowMin = 120
	}
	if s.MaxPoolAgeMin == 0 {
		s.MaxPoolAgeMin = 60
	}
	if s.DuplicateWindowS == 0 {
		s.DuplicateWindowS = 60
	}
	if s.RugLiquidityFloorUSD == 0 {
		s.RugLiquidityFloorUSD = 5_000
	}
	if s.SymbolTimeoutMs == 0 {
		s.SymbolTimeoutMs = 1500
	}

	r := &cfg.Risk
	if r.MinConfidence == 0 {
		r.MinConfidence = 0.65
	}
	if r.LiveMinConfidence == 0 {
		r.LiveMinConfidence = 0.8
	}
	if r.MaxPriceImpactPct == 0 {
		r.MaxPriceImpactPct = 5
	}
	if r.LiveMaxPriceImpactPct == 0 {
		r.LiveMaxPriceImpactPct = 2
	}
	if r.MinLiquidityUSD == 0 {
		r.MinLiquidityUSD = 10_000
	}
	if r.MaxTradesPerHour == 0 {
		r.MaxTradesPerHour = 10
	}
	if r.MaxDailyLossUSD == 0 {
		r.MaxDailyLossUSD = 100
	}
	if r.MaxPositions == 0 {
		r.MaxPositions = 3
	}
	if r.MaxPositionUSD == 0 {
		r.MaxPositionUSD = 1000
	}
	if r.StopLossPct == 0 {
		r.StopLossPct = 5
	}
	if r.TakeProfitPct == 0 {
		r.TakeProfitPct = 10
	}
	if r.HardRejectScore == 0 {
		r.HardRejectScore = 70
	}

	e := &cfg.Execution
	if e.MaxSlippageBps == 0 {
		e.MaxSlippageBps = 100
	}
	if e.QuoteTimeoutMs == 0 {
		e.QuoteTimeoutMs = 3000
	}
	if e.ConfirmTimeoutS == 0 {
		e.ConfirmTimeoutS = 60
	}
	if e.PollIntervalMs == 0 {
		e.PollIntervalMs = 500
	}
	if e.RetryMaxAttempts == 0 {
		e.RetryMaxAttempts = 3
	}
	if e.RetryBaseDelayMs == 0 {
		e.RetryBaseDelayMs = 200
	}
	if e.MinPriceConfidence == 0 {
		e.MinPriceConfidence = 0.5
	}

	if cfg.Position.TickS == 0 {
		cfg.Position.TickS = 5
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 8090
	}
}

func sourceDefaults(s *SourceConfig, baseURL string, rps, confidence float64) {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.RateLimitRPS == 0 {
		s.RateLimitRPS = rps
	}
	if s.Burst == 0 {
		s.Burst = 1
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = 2000
	}
	if s.Confidence == 0 {
		s.Confidence = confidence
	}
}

// Validate checks the configuration for values that would make the session
// unsafe or meaningless. Errors wrap market.ErrConfigInvalid.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.General.Mode {
	case ModeSimulation, ModePaper, ModeLive:
	default:
		add("general.mode %q must be simulation, paper or live", c.General.Mode)
	}
	if c.Pricing.StalenessWindowMs < 0 {
		add("pricing.staleness_window_ms must be positive")
	}
	if c.Pricing.MinSources < 1 {
		add("pricing.min_sources must be >= 1")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		add("risk.min_confidence %.2f outside [0,1]", c.Risk.MinConfidence)
	}
	if c.Risk.LiveMinConfidence < 0 || c.Risk.LiveMinConfidence > 1 {
		add("risk.live_min_confidence %.2f outside [0,1]", c.Risk.LiveMinConfidence)
	}
	if c.Risk.MaxPriceImpactPct <= 0 || c.Risk.LiveMaxPriceImpactPct <= 0 {
		add("risk price impact limits must be positive")
	}
	if c.Risk.MaxDailyLossUSD < 0 {
		add("risk.max_daily_loss_usd must not be negative")
	}
	if c.Risk.MaxPositionUSD < 0 {
		add("risk.max_position_usd must not be negative")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 100 {
		add("risk.stop_loss_pct %.2f outside (0,100)", c.Risk.StopLossPct)
	}
	if c.Risk.TakeProfitPct <= 0 {
		add("risk.take_profit_pct must be positive")
	}
	if c.Execution.MaxSlippageBps <= 0 {
		add("execution.max_slippage_bps must be positive")
	}
	if c.Execution.RetryMaxAttempts < 1 {
		add("execution.retry_max_attempts must be >= 1")
	}
	if len(c.Sources.Priority) == 0 {
		add("sources.priority must name at least one source")
	}
	if c.General.Mode == ModeLive && c.Solana.WalletPrivateKey == "" {
		add("live mode requires solana.wallet_private_key (or WALLET_PRIVATE_KEY)")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", market.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// IsLive reports whether real capital is at stake.
func (c *Config) IsLive() bool { return c.General.Mode == ModeLive }

// ---------------------------------------------------------------------------
// Duration helpers
// ---------------------------------------------------------------------------

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (p PricingConfig) StalenessWindow() time.Duration {
	return ms(p.StalenessWindowMs)
}

func (p PricingConfig) PruneInterval() time.Duration {
	return ms(p.PruneIntervalMs)
}

func (s ScannerConfig) Interval() time.Duration {
	return ms(s.IntervalMs)
}

func (s ScannerConfig) SymbolTimeout() time.Duration {
	return ms(s.SymbolTimeoutMs)
}

func (s ScannerConfig) RecentWindow() time.Duration {
	return time.Duration(s.RecentWindowMin) * time.Minute
}

func (s ScannerConfig) MaxPoolAge() time.Duration {
	return time.Duration(s.MaxPoolAgeMin) * time.Minute
}

func (s ScannerConfig) DuplicateWindow() time.Duration {
	return time.Duration(s.DuplicateWindowS) * time.Second
}

func (e ExecutionConfig) QuoteTimeout() time.Duration {
	return ms(e.QuoteTimeoutMs)
}

func (e ExecutionConfig) PollInterval() time.Duration {
	return ms(e.PollIntervalMs)
}

func (e ExecutionConfig) RetryBaseDelay() time.Duration {
	return ms(e.RetryBaseDelayMs)
}

func (e ExecutionConfig) ConfirmTimeout() time.Duration {
	return time.Duration(e.ConfirmTimeoutS) * time.Second
}

func (s SourceConfig) Timeout() time.Duration {
	return ms(s.TimeoutMs)
}

func (s SourcesConfig) PricePoll() time.Duration {
	return ms(s.PricePollMs)
}

func (p PositionConfig) Tick() time.Duration {
	return time.Duration(p.TickS) * time.Second
}

func (ch ClickHouseConfig) FlushInterval() time.Duration {
	return ms(ch.FlushIntervalMs)
}

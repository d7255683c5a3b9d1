package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "AUTOREPAY_"

type GlobalFlags struct {
	ConfigPath  string
	EnvFile     string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	RPCURL      string
	KeySource   string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Interval    string
	MaxInFlight int
}

// Market is the static description of one lending market, loaded once at startup.
type Market struct {
	Index              uint16 `yaml:"index" json:"index"`
	Symbol             string `yaml:"symbol" json:"symbol"`
	Mint               string `yaml:"mint" json:"mint"`
	Decimals           uint8  `yaml:"decimals" json:"decimals"`
	CollateralWeight   string `yaml:"collateral_weight" json:"collateral_weight"`
	LiabilityWeight    string `yaml:"liability_weight" json:"liability_weight"`
	PythFeedID         string `yaml:"pyth_feed_id" json:"pyth_feed_id"`
	DriftSpotMarket    string `yaml:"drift_spot_market" json:"drift_spot_market"`
	DriftOracle        string `yaml:"drift_oracle" json:"drift_oracle"`
	MarginfiBank       string `yaml:"marginfi_bank" json:"marginfi_bank"`
	MarginfiBankOracle string `yaml:"marginfi_bank_oracle,omitempty" json:"marginfi_bank_oracle,omitempty"`
}

type Programs struct {
	Quartz            string `json:"quartz"`
	QuartzLookupTable string `json:"quartz_lookup_table"`
	Drift             string `json:"drift"`
	DriftSigner       string `json:"drift_signer"`
	Marginfi          string `json:"marginfi"`
	MarginfiGroup     string `json:"marginfi_group"`
	MarginfiAccount   string `json:"marginfi_account"`
	PythReceiver      string `json:"pyth_receiver"`
}

type Alerts struct {
	EmailTo       []string `json:"email_to,omitempty"`
	EmailFrom     string   `json:"email_from,omitempty"`
	EmailHost     string   `json:"email_host,omitempty"`
	EmailPort     int      `json:"email_port,omitempty"`
	EmailUser     string   `json:"email_user,omitempty"`
	EmailPassword string   `json:"-"`
}

type Settings struct {
	OutputMode   string   `json:"output"`
	SelectFields []string `json:"-"`
	ResultsOnly  bool     `json:"-"`

	Timeout time.Duration `json:"timeout"`
	Retries int           `json:"retries"`

	RPCURL     string `json:"rpc_url"`
	Commitment string `json:"commitment"`
	KeySource  string `json:"key_source"`

	PollInterval    time.Duration `json:"poll_interval"`
	FetchRetries    int           `json:"fetch_retries"`
	FetchRetryDelay time.Duration `json:"fetch_retry_delay"`
	MaxInFlight     int           `json:"max_in_flight"`

	GoalHealth      int             `json:"goal_health"`
	HealthBuffer    int             `json:"health_buffer"`
	MinLoanValueUSD decimal.Decimal `json:"min_loan_value_usd"`

	MaxRepayAttempts    int           `json:"max_repay_attempts"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	PlanTTL             time.Duration `json:"plan_ttl"`
	ConfirmTimeout      time.Duration `json:"confirm_timeout"`
	ConfirmPollInterval time.Duration `json:"confirm_poll_interval"`

	SlippageBps        int    `json:"slippage_bps"`
	InputBufferBps     int    `json:"input_buffer_bps"`
	OnlyDirectRoutes   bool   `json:"only_direct_routes"`
	FeeReserveLamports uint64 `json:"fee_reserve_lamports"`
	FlashLoanFeeBps    int    `json:"flash_loan_fee_bps"`

	Heartbeat   string `json:"heartbeat"`
	MetricsAddr string `json:"metrics_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file,omitempty"`

	CachePath        string        `json:"cache_path"`
	CacheLockPath    string        `json:"cache_lock_path"`
	LookupTableTTL   time.Duration `json:"lookup_table_ttl"`
	AttemptStorePath string        `json:"attempt_store_path"`
	AttemptLockPath  string        `json:"attempt_lock_path"`

	JupiterBaseURL   string  `json:"jupiter_base_url"`
	JupiterAPIKey    string  `json:"-"`
	JupiterRateLimit float64 `json:"jupiter_rate_limit"`
	HermesURL        string  `json:"hermes_url"`
	HermesRateLimit  float64 `json:"hermes_rate_limit"`

	MaxPriceAge time.Duration `json:"max_price_age"`

	Programs Programs `json:"programs"`
	Markets  []Market `json:"markets"`
	Alerts   Alerts   `json:"alerts"`
}

type fileConfig struct {
	Output     string `yaml:"output"`
	Timeout    string `yaml:"timeout"`
	Retries    *int   `yaml:"retries"`
	RPCURL     string `yaml:"rpc_url"`
	Commitment string `yaml:"commitment"`
	KeySource  string `yaml:"key_source"`
	Scan       struct {
		Interval        string `yaml:"interval"`
		FetchRetries    *int   `yaml:"fetch_retries"`
		FetchRetryDelay string `yaml:"fetch_retry_delay"`
		MaxInFlight     *int   `yaml:"max_in_flight"`
		Heartbeat       string `yaml:"heartbeat"`
	} `yaml:"scan"`
	Repay struct {
		GoalHealth      *int    `yaml:"goal_health"`
		HealthBuffer    *int    `yaml:"health_buffer"`
		MinLoanValueUSD string  `yaml:"min_loan_value_usd"`
		MaxAttempts     *int    `yaml:"max_attempts"`
		RetryBaseDelay  string  `yaml:"retry_base_delay"`
		PlanTTL         string  `yaml:"plan_ttl"`
		ConfirmTimeout  string  `yaml:"confirm_timeout"`
		ConfirmPoll     string  `yaml:"confirm_poll_interval"`
		SlippageBps     *int    `yaml:"slippage_bps"`
		InputBufferBps  *int    `yaml:"input_buffer_bps"`
		OnlyDirect      *bool   `yaml:"only_direct_routes"`
		FeeReserve      *uint64 `yaml:"fee_reserve_lamports"`
		FlashLoanFeeBps *int    `yaml:"flash_loan_fee_bps"`
	} `yaml:"repay"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Cache struct {
		Path           string `yaml:"path"`
		LockPath       string `yaml:"lock_path"`
		LookupTableTTL string `yaml:"lookup_table_ttl"`
	} `yaml:"cache"`
	Execution struct {
		AttemptsPath     string `yaml:"attempts_path"`
		AttemptsLockPath string `yaml:"attempts_lock_path"`
	} `yaml:"execution"`
	Providers struct {
		Jupiter struct {
			BaseURL   string   `yaml:"base_url"`
			APIKey    string   `yaml:"api_key"`
			APIKeyEnv string   `yaml:"api_key_env"`
			RateLimit *float64 `yaml:"rate_limit"`
		} `yaml:"jupiter"`
		Hermes struct {
			BaseURL     string   `yaml:"base_url"`
			RateLimit   *float64 `yaml:"rate_limit"`
			MaxPriceAge string   `yaml:"max_price_age"`
		} `yaml:"hermes"`
	} `yaml:"providers"`
	Programs struct {
		Quartz            string `yaml:"quartz"`
		QuartzLookupTable string `yaml:"quartz_lookup_table"`
		Drift             string `yaml:"drift"`
		DriftSigner       string `yaml:"drift_signer"`
		Marginfi          string `yaml:"marginfi"`
		MarginfiGroup     string `yaml:"marginfi_group"`
		MarginfiAccount   string `yaml:"marginfi_account"`
		PythReceiver      string `yaml:"pyth_receiver"`
	} `yaml:"programs"`
	Markets []Market `yaml:"markets"`
	Alerts  struct {
		EmailTo          []string `yaml:"email_to"`
		EmailFrom        string   `yaml:"email_from"`
		EmailHost        string   `yaml:"email_host"`
		EmailPort        int      `yaml:"email_port"`
		EmailUser        string   `yaml:"email_user"`
		EmailPasswordEnv string   `yaml:"email_password_env"`
	} `yaml:"alerts"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadDotEnv(flags.EnvFile); err != nil {
		return Settings{}, err
	}
	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:          "json",
		Timeout:             10 * time.Second,
		Retries:             2,
		Commitment:          "confirmed",
		KeySource:           "auto",
		PollInterval:        time.Second,
		FetchRetries:        3,
		FetchRetryDelay:     time.Second,
		MaxInFlight:         8,
		GoalHealth:          10,
		HealthBuffer:        10,
		MinLoanValueUSD:     decimal.New(1, -2),
		MaxRepayAttempts:    3,
		RetryBaseDelay:      time.Second,
		PlanTTL:             20 * time.Second,
		ConfirmTimeout:      60 * time.Second,
		ConfirmPollInterval: 2 * time.Second,
		SlippageBps:         50,
		InputBufferBps:      100,
		OnlyDirectRoutes:    true,
		FeeReserveLamports:  10_000_000,
		FlashLoanFeeBps:     0,
		Heartbeat:           "@every 24h",
		MetricsAddr:         ":9464",
		LogLevel:            "info",
		LogFormat:           "json",
		CachePath:           cachePath,
		CacheLockPath:       lockPath,
		LookupTableTTL:      10 * time.Minute,
		AttemptStorePath:    filepath.Join(cacheDir, "attempts.db"),
		AttemptLockPath:     filepath.Join(cacheDir, "attempts.lock"),
		JupiterBaseURL:      "https://lite-api.jup.ag/swap/v1",
		JupiterRateLimit:    1,
		HermesURL:           "https://hermes.pyth.network",
		HermesRateLimit:     5,
		MaxPriceAge:         60 * time.Second,
		Programs:            DefaultPrograms(),
		Markets:             DefaultMarkets(),
	}, nil
}

func DefaultPrograms() Programs {
	return Programs{
		Quartz:            "6JjHXLheGSNvvexgzMthEcgjkcirDrGduc3HAKB2P1v2",
		QuartzLookupTable: "96BmeKKVGX3LKYSKo3FCEom1YpNY11kCnGscKq6ouxLx",
		Drift:             "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH",
		DriftSigner:       "JCNCMFXo5M5qwUPg2Utu1u6YWp3MbygxqBsBeXXJfrw",
		Marginfi:          "MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA",
		MarginfiGroup:     "4qp6Fx6tnZkY5Wropq9wUYgtFxXKwE6viZxFHg3rdAG8",
		PythReceiver:      "pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT",
	}
}

func DefaultMarkets() []Market {
	return []Market{
		{
			Index:            0,
			Symbol:           "USDC",
			Mint:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals:         6,
			CollateralWeight: "1",
			LiabilityWeight:  "1",
			PythFeedID:       "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
			DriftSpotMarket:  "6gMq3mRCKf8aP3ttTyYhuijVZ2LGi14oDsBbkgubfLB3",
			DriftOracle:      "En8hkHLkRe9d9DraYmBTrus518BvmVH448YcvmrFM6Ce",
			MarginfiBank:     "2s37akK2eyBbp8DZgCm7RtsaEz8eJP3Nxd4urLHQv7yB",
		},
		{
			Index:            1,
			Symbol:           "SOL",
			Mint:             "So11111111111111111111111111111111111111112",
			Decimals:         9,
			CollateralWeight: "0.9",
			LiabilityWeight:  "1.1",
			PythFeedID:       "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
			DriftSpotMarket:  "3x85u7SWkmmr7YQGYhtjARgxwegTLJgkSLRprfXod6rh",
			DriftOracle:      "BAtFj4kQttZRVep3UZS2aZRDixkGYgWsbqTBVDbnSsPF",
			MarginfiBank:     "CCKtUs6Cgwo4aaQUmBPmyoApH2gUDErxNZCAntD6LYGh",
		},
	}
}

// Validate reports configuration that would make the agent unable to run.
func (s Settings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.RPCURL) == "" {
		problems = append(problems, "rpc_url is required")
	}
	switch s.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		problems = append(problems, fmt.Sprintf("unsupported commitment %q", s.Commitment))
	}
	if s.PollInterval <= 0 {
		problems = append(problems, "scan interval must be positive")
	}
	if s.GoalHealth <= 0 || s.GoalHealth >= 100 {
		problems = append(problems, "goal_health must be between 1 and 99")
	}
	if s.HealthBuffer < 0 || s.HealthBuffer >= 100 {
		problems = append(problems, "health_buffer must be between 0 and 99")
	}
	if !s.MinLoanValueUSD.IsPositive() {
		problems = append(problems, "min_loan_value_usd must be positive")
	}
	if s.MaxRepayAttempts <= 0 {
		problems = append(problems, "max_attempts must be positive")
	}
	if s.RetryBaseDelay <= 0 {
		problems = append(problems, "retry_base_delay must be positive")
	}
	if s.MaxInFlight <= 0 {
		problems = append(problems, "max_in_flight must be positive")
	}
	if s.SlippageBps <= 0 || s.SlippageBps >= 10_000 {
		problems = append(problems, "slippage_bps must be between 1 and 9999")
	}
	if s.InputBufferBps < 0 || s.FlashLoanFeeBps < 0 {
		problems = append(problems, "basis point settings must be non-negative")
	}
	if strings.TrimSpace(s.Programs.MarginfiAccount) == "" {
		problems = append(problems, "programs.marginfi_account is required")
	}
	if len(s.Markets) < 2 {
		problems = append(problems, "at least two markets are required")
	}
	seen := map[uint16]bool{}
	for _, m := range s.Markets {
		if seen[m.Index] {
			problems = append(problems, fmt.Sprintf("duplicate market index %d", m.Index))
		}
		seen[m.Index] = true
		if m.Mint == "" || m.PythFeedID == "" || m.DriftSpotMarket == "" || m.DriftOracle == "" || m.MarginfiBank == "" {
			problems = append(problems, fmt.Sprintf("market %d (%s) is missing addresses", m.Index, m.Symbol))
		}
		if _, err := decimal.NewFromString(m.CollateralWeight); err != nil {
			problems = append(problems, fmt.Sprintf("market %d collateral_weight: %v", m.Index, err))
		}
		if _, err := decimal.NewFromString(m.LiabilityWeight); err != nil {
			problems = append(problems, fmt.Sprintf("market %d liability_weight: %v", m.Index, err))
		}
	}
	if len(problems) > 0 {
		return clierr.New(clierr.CodeConfig, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := env("CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "autorepay", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "autorepay")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

// loadDotEnv populates the process environment from a .env file without
// overriding variables that are already set.
func loadDotEnv(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parse env file: %w", err)
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(&settings.RPCURL, cfg.RPCURL)
	setString(&settings.Commitment, strings.ToLower(cfg.Commitment))
	setString(&settings.KeySource, cfg.KeySource)

	if err := setDuration(&settings.PollInterval, cfg.Scan.Interval, "scan.interval"); err != nil {
		return err
	}
	setInt(&settings.FetchRetries, cfg.Scan.FetchRetries)
	if err := setDuration(&settings.FetchRetryDelay, cfg.Scan.FetchRetryDelay, "scan.fetch_retry_delay"); err != nil {
		return err
	}
	setInt(&settings.MaxInFlight, cfg.Scan.MaxInFlight)
	setString(&settings.Heartbeat, cfg.Scan.Heartbeat)

	setInt(&settings.GoalHealth, cfg.Repay.GoalHealth)
	setInt(&settings.HealthBuffer, cfg.Repay.HealthBuffer)
	if cfg.Repay.MinLoanValueUSD != "" {
		v, err := decimal.NewFromString(cfg.Repay.MinLoanValueUSD)
		if err != nil {
			return fmt.Errorf("config repay.min_loan_value_usd: %w", err)
		}
		settings.MinLoanValueUSD = v
	}
	setInt(&settings.MaxRepayAttempts, cfg.Repay.MaxAttempts)
	for _, d := range []struct {
		dst   *time.Duration
		value string
		name  string
	}{
		{&settings.RetryBaseDelay, cfg.Repay.RetryBaseDelay, "repay.retry_base_delay"},
		{&settings.PlanTTL, cfg.Repay.PlanTTL, "repay.plan_ttl"},
		{&settings.ConfirmTimeout, cfg.Repay.ConfirmTimeout, "repay.confirm_timeout"},
		{&settings.ConfirmPollInterval, cfg.Repay.ConfirmPoll, "repay.confirm_poll_interval"},
		{&settings.LookupTableTTL, cfg.Cache.LookupTableTTL, "cache.lookup_table_ttl"},
		{&settings.MaxPriceAge, cfg.Providers.Hermes.MaxPriceAge, "providers.hermes.max_price_age"},
	} {
		if err := setDuration(d.dst, d.value, d.name); err != nil {
			return err
		}
	}
	setInt(&settings.SlippageBps, cfg.Repay.SlippageBps)
	setInt(&settings.InputBufferBps, cfg.Repay.InputBufferBps)
	if cfg.Repay.OnlyDirect != nil {
		settings.OnlyDirectRoutes = *cfg.Repay.OnlyDirect
	}
	if cfg.Repay.FeeReserve != nil {
		settings.FeeReserveLamports = *cfg.Repay.FeeReserve
	}
	setInt(&settings.FlashLoanFeeBps, cfg.Repay.FlashLoanFeeBps)

	setString(&settings.LogLevel, cfg.Log.Level)
	setString(&settings.LogFormat, cfg.Log.Format)
	setString(&settings.LogFile, cfg.Log.File)
	setString(&settings.MetricsAddr, cfg.Metrics.Addr)

	setString(&settings.CachePath, cfg.Cache.Path)
	setString(&settings.CacheLockPath, cfg.Cache.LockPath)
	setString(&settings.AttemptStorePath, cfg.Execution.AttemptsPath)
	setString(&settings.AttemptLockPath, cfg.Execution.AttemptsLockPath)

	setString(&settings.JupiterBaseURL, cfg.Providers.Jupiter.BaseURL)
	setString(&settings.JupiterAPIKey, cfg.Providers.Jupiter.APIKey)
	if cfg.Providers.Jupiter.APIKeyEnv != "" {
		settings.JupiterAPIKey = os.Getenv(cfg.Providers.Jupiter.APIKeyEnv)
	}
	if cfg.Providers.Jupiter.RateLimit != nil {
		settings.JupiterRateLimit = *cfg.Providers.Jupiter.RateLimit
	}
	setString(&settings.HermesURL, cfg.Providers.Hermes.BaseURL)
	if cfg.Providers.Hermes.RateLimit != nil {
		settings.HermesRateLimit = *cfg.Providers.Hermes.RateLimit
	}

	setString(&settings.Programs.Quartz, cfg.Programs.Quartz)
	setString(&settings.Programs.QuartzLookupTable, cfg.Programs.QuartzLookupTable)
	setString(&settings.Programs.Drift, cfg.Programs.Drift)
	setString(&settings.Programs.DriftSigner, cfg.Programs.DriftSigner)
	setString(&settings.Programs.Marginfi, cfg.Programs.Marginfi)
	setString(&settings.Programs.MarginfiGroup, cfg.Programs.MarginfiGroup)
	setString(&settings.Programs.MarginfiAccount, cfg.Programs.MarginfiAccount)
	setString(&settings.Programs.PythReceiver, cfg.Programs.PythReceiver)

	if len(cfg.Markets) > 0 {
		settings.Markets = cfg.Markets
	}

	if len(cfg.Alerts.EmailTo) > 0 {
		settings.Alerts.EmailTo = cfg.Alerts.EmailTo
	}
	setString(&settings.Alerts.EmailFrom, cfg.Alerts.EmailFrom)
	setString(&settings.Alerts.EmailHost, cfg.Alerts.EmailHost)
	if cfg.Alerts.EmailPort > 0 {
		settings.Alerts.EmailPort = cfg.Alerts.EmailPort
	}
	setString(&settings.Alerts.EmailUser, cfg.Alerts.EmailUser)
	if cfg.Alerts.EmailPasswordEnv != "" {
		settings.Alerts.EmailPassword = os.Getenv(cfg.Alerts.EmailPasswordEnv)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := env("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := env("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := env("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := env("RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := env("COMMITMENT"); v != "" {
		settings.Commitment = strings.ToLower(v)
	}
	if v := env("KEY_SOURCE"); v != "" {
		settings.KeySource = v
	}
	if v := env("SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := env("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxInFlight = n
		}
	}
	if v := env("GOAL_HEALTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.GoalHealth = n
		}
	}
	if v := env("MIN_LOAN_VALUE_USD"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			settings.MinLoanValueUSD = d
		}
	}
	if v := env("MAX_REPAY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxRepayAttempts = n
		}
	}
	if v := env("RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RetryBaseDelay = d
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := env("LOG_FILE"); v != "" {
		settings.LogFile = v
	}
	if v := env("METRICS_ADDR"); v != "" {
		settings.MetricsAddr = v
	}
	if v := env("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := env("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := env("ATTEMPTS_PATH"); v != "" {
		settings.AttemptStorePath = v
	}
	if v := env("ATTEMPTS_LOCK_PATH"); v != "" {
		settings.AttemptLockPath = v
	}
	if v := env("JUPITER_API_KEY"); v != "" {
		settings.JupiterAPIKey = v
	}
	if v := env("HERMES_URL"); v != "" {
		settings.HermesURL = v
	}
	if v := env("MARGINFI_ACCOUNT"); v != "" {
		settings.Programs.MarginfiAccount = v
	}
	if v := env("EMAIL_TO"); v != "" {
		settings.Alerts.EmailTo = splitCSV(v)
	}
	if v := env("EMAIL_FROM"); v != "" {
		settings.Alerts.EmailFrom = v
	}
	if v := env("EMAIL_HOST"); v != "" {
		settings.Alerts.EmailHost = v
	}
	if v := env("EMAIL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Alerts.EmailPort = n
		}
	}
	if v := env("EMAIL_USER"); v != "" {
		settings.Alerts.EmailUser = v
	}
	if v := env("EMAIL_PASSWORD"); v != "" {
		settings.Alerts.EmailPassword = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitCSV(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	setString(&settings.RPCURL, flags.RPCURL)
	setString(&settings.KeySource, flags.KeySource)
	setString(&settings.LogLevel, flags.LogLevel)
	setString(&settings.LogFormat, flags.LogFormat)
	setString(&settings.MetricsAddr, flags.MetricsAddr)
	if flags.Interval != "" {
		d, err := time.ParseDuration(flags.Interval)
		if err != nil {
			return fmt.Errorf("parse --interval: %w", err)
		}
		settings.PollInterval = d
	}
	if flags.MaxInFlight > 0 {
		settings.MaxInFlight = flags.MaxInFlight
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

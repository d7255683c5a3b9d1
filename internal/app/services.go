package app

import (
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	"github.com/ggonzalez94/defi-autorepay/internal/cache"
	"github.com/ggonzalez94/defi-autorepay/internal/config"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/planner"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/signer"
	"github.com/ggonzalez94/defi-autorepay/internal/httpx"
	"github.com/ggonzalez94/defi-autorepay/internal/ledger"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/marginfi"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/quartz"
	"github.com/ggonzalez94/defi-autorepay/internal/providers/hermes"
	"github.com/ggonzalez94/defi-autorepay/internal/providers/jupiter"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"github.com/ggonzalez94/defi-autorepay/internal/scanner"
	"github.com/ggonzalez94/defi-autorepay/internal/version"
	"go.uber.org/zap"
)

// services is the wired object graph shared by the chain-facing commands.
type services struct {
	settings config.Settings
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cache      *cache.Store
	ledger     *ledger.Client
	markets    *market.Table
	registry   *accounts.Registry
	oracle     *hermes.Client
	swaps      *jupiter.Client
	resolver   *resolver.Resolver
	wallet     signer.Signer
	assembler  *planner.Assembler
	queue      *execution.Queue
	store      *execution.Store
	supervisor *execution.Supervisor
	refresher  *scanner.Refresher
	pipeline   *scanner.Pipeline
}

type programKeys struct {
	quartz          solana.PublicKey
	quartzTable     solana.PublicKey
	drift           solana.PublicKey
	driftSigner     solana.PublicKey
	marginfi        solana.PublicKey
	marginfiGroup   solana.PublicKey
	marginfiAccount solana.PublicKey
	pythReceiver    solana.PublicKey
}

func parsePrograms(p config.Programs) (programKeys, error) {
	var keys programKeys
	fields := []struct {
		name  string
		value string
		dst   *solana.PublicKey
	}{
		{"quartz", p.Quartz, &keys.quartz},
		{"drift", p.Drift, &keys.drift},
		{"drift_signer", p.DriftSigner, &keys.driftSigner},
		{"marginfi", p.Marginfi, &keys.marginfi},
		{"marginfi_group", p.MarginfiGroup, &keys.marginfiGroup},
		{"marginfi_account", p.MarginfiAccount, &keys.marginfiAccount},
		{"pyth_receiver", p.PythReceiver, &keys.pythReceiver},
	}
	for _, f := range fields {
		key, err := solana.PublicKeyFromBase58(strings.TrimSpace(f.value))
		if err != nil {
			return programKeys{}, clierr.Wrap(clierr.CodeConfig, "parse programs."+f.name, err)
		}
		*f.dst = key
	}
	if table := strings.TrimSpace(p.QuartzLookupTable); table != "" {
		key, err := solana.PublicKeyFromBase58(table)
		if err != nil {
			return programKeys{}, clierr.Wrap(clierr.CodeConfig, "parse programs.quartz_lookup_table", err)
		}
		keys.quartzTable = key
	}
	return keys, nil
}

// newReadServices wires everything needed to read vaults and plan repays.
// The wallet is loaded because assembly needs its balances, but nothing here
// submits transactions.
func newReadServices(settings config.Settings, logger *zap.Logger, m *metrics.Metrics) (*services, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	keys, err := parsePrograms(settings.Programs)
	if err != nil {
		return nil, err
	}
	markets, err := market.FromConfig(settings.Markets, keys.pythReceiver)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "load markets", err)
	}
	wallet, err := signer.NewLocalSignerFromEnv(settings.KeySource)
	if err != nil {
		return nil, err
	}

	svc := &services{settings: settings, logger: logger, metrics: m, markets: markets, wallet: wallet}
	svc.cache, err = cache.Open(settings.CachePath, settings.CacheLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open lookup table cache", err)
	}
	svc.ledger = ledger.Dial(settings.RPCURL, ledger.Options{
		Commitment:          rpc.CommitmentType(settings.Commitment),
		LookupTableTTL:      settings.LookupTableTTL,
		ConfirmTimeout:      settings.ConfirmTimeout,
		ConfirmPollInterval: settings.ConfirmPollInterval,
		Store:               svc.cache,
		Logger:              logger,
	})

	ua := httpx.WithUserAgent(version.UserAgent())
	jupiterHTTP := httpx.New(settings.Timeout, settings.Retries, ua, httpx.WithRateLimit(settings.JupiterRateLimit, 1))
	hermesHTTP := httpx.New(settings.Timeout, settings.Retries, ua, httpx.WithRateLimit(settings.HermesRateLimit, 2))
	svc.swaps = jupiter.New(jupiterHTTP, settings.JupiterBaseURL, settings.JupiterAPIKey)
	svc.oracle = hermes.New(hermesHTTP, settings.HermesURL, markets, settings.MaxPriceAge)

	vaults := quartz.New(keys.quartz, keys.drift, keys.driftSigner)
	lender := marginfi.New(keys.marginfi, keys.marginfiGroup, keys.marginfiAccount, settings.FlashLoanFeeBps)
	health := &accounts.HealthModel{Markets: markets, Buffer: settings.HealthBuffer}
	svc.registry = accounts.NewRegistry(svc.ledger, vaults, markets, health, logger)
	svc.resolver = resolver.New(markets, health, svc.swaps, resolver.Options{
		GoalHealth:       settings.GoalHealth,
		SlippageBps:      settings.SlippageBps,
		OnlyDirectRoutes: settings.OnlyDirectRoutes,
		MinLoanValueUSD:  settings.MinLoanValueUSD,
	}, m, logger)

	var tables []solana.PublicKey
	if !keys.quartzTable.IsZero() {
		tables = append(tables, keys.quartzTable)
	}
	svc.assembler = planner.NewAssembler(markets, svc.ledger, svc.swaps, lender, vaults, wallet.PublicKey(), planner.Options{
		InputBufferBps:     settings.InputBufferBps,
		FeeReserveLamports: settings.FeeReserveLamports,
		LookupTables:       tables,
	}, logger)
	svc.refresher = scanner.NewRefresher(svc.registry, svc.oracle, svc.resolver)
	return svc, nil
}

// newServices extends the read graph with the submission path.
func newServices(settings config.Settings, logger *zap.Logger, m *metrics.Metrics) (*services, error) {
	svc, err := newReadServices(settings, logger, m)
	if err != nil {
		return nil, err
	}
	svc.store, err = execution.OpenStore(settings.AttemptStorePath, settings.AttemptLockPath)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.queue = execution.NewQueue()

	svc.supervisor = execution.NewSupervisor(execution.SupervisorConfig{
		Ledger:    svc.ledger,
		Assembler: svc.assembler,
		Signer:    svc.wallet,
		Queue:     svc.queue,
		Refresher: svc.refresher,
		Store:     svc.store,
		Notifier:  newNotifiers(settings.Alerts, logger),
		Metrics:   m,
		Logger:    logger,
		Options: execution.Options{
			MaxAttempts: settings.MaxRepayAttempts,
			BaseDelay:   settings.RetryBaseDelay,
			PlanTTL:     settings.PlanTTL,
		},
	})
	svc.pipeline = scanner.NewPipeline(svc.resolver, svc.supervisor, logger)
	return svc, nil
}

// newNotifiers always logs failures and mails them when alerts are configured.
func newNotifiers(alerts config.Alerts, logger *zap.Logger) execution.Notifiers {
	notifiers := execution.Notifiers{&execution.LogNotifier{Logger: logger}}
	if email := execution.NewEmailNotifier(alerts); email != nil {
		notifiers = append(notifiers, email)
	}
	return notifiers
}

func (s *services) newScanner(dryRun bool, onComplete func(accounts.Vault, string, error)) *scanner.Scanner {
	var runner scanner.Runner
	if s.pipeline != nil {
		runner = s.pipeline
	}
	return scanner.New(s.registry, s.oracle, runner, scanner.Options{
		Interval:        s.settings.PollInterval,
		FetchRetries:    s.settings.FetchRetries,
		FetchRetryDelay: s.settings.FetchRetryDelay,
		MaxInFlight:     int64(s.settings.MaxInFlight),
		Heartbeat:       s.settings.Heartbeat,
		Wallet:          s.wallet.PublicKey(),
		DryRun:          dryRun,
		OnComplete:      onComplete,
	}, s.metrics, s.logger)
}

func (s *services) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

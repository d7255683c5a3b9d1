// Package scanner drives the periodic health scan and dispatches repays for
// distressed vaults.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner settles one distressed account.
type Runner interface {
	Run(ctx context.Context, state *accounts.State, prices market.PriceSet) (string, error)
}

// Account actions reported by ScanOnce.
const (
	ActionHealthy          = "healthy"
	ActionDispatched       = "dispatched"
	ActionSkippedCapacity  = "skipped_capacity"
	ActionSkippedInFlight  = "skipped_in_flight"
	ActionFetchFailed      = "fetch_failed"
	ActionHealthFailed     = "health_failed"
	ActionDispatchDisabled = "distressed"
)

type Options struct {
	Interval        time.Duration
	FetchRetries    int
	FetchRetryDelay time.Duration
	MaxInFlight     int64
	// Heartbeat is a cron spec; empty disables the heartbeat.
	Heartbeat string
	Wallet    solana.PublicKey
	// DryRun evaluates health without dispatching repays.
	DryRun bool
	// OnComplete, when set, observes every finished pipeline.
	OnComplete func(vault accounts.Vault, outcome string, err error)
}

type Scanner struct {
	registry Registry
	prices   PriceSource
	runner   Runner
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[solana.PublicKey]struct{}
	wg       sync.WaitGroup
	lastOK   time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(registry Registry, prices PriceSource, runner Runner, opts Options, m *metrics.Metrics, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.FetchRetries <= 0 {
		opts.FetchRetries = 3
	}
	if opts.FetchRetryDelay <= 0 {
		opts.FetchRetryDelay = time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	return &Scanner{
		registry: registry,
		prices:   prices,
		runner:   runner,
		opts:     opts,
		metrics:  m,
		logger:   logger.Named("scanner"),
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		inFlight: make(map[solana.PublicKey]struct{}),
		now:      time.Now,
		sleep:    execution.SleepContext,
	}
}

// AccountReport is the scan verdict for one vault.
type AccountReport struct {
	Vault  string `json:"vault"`
	Owner  string `json:"owner"`
	Health *int   `json:"health,omitempty"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Scanned    int             `json:"scanned"`
	Distressed int             `json:"distressed"`
	Dispatched int             `json:"dispatched"`
	Accounts   []AccountReport `json:"accounts"`
}

// Run scans every Interval until ctx is cancelled, then waits for running
// pipelines to return.
func (s *Scanner) Run(ctx context.Context) error {
	if s.opts.Heartbeat != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.Heartbeat, s.heartbeat); err != nil {
			return clierr.Wrap(clierr.CodeConfig, "register heartbeat", err)
		}
		c.Start()
		defer c.Stop()
	}
	s.logger.Info("scan loop started",
		zap.Stringer("wallet", s.opts.Wallet),
		zap.Duration("interval", s.opts.Interval),
		zap.Int64("max_in_flight", s.opts.MaxInFlight),
	)
	s.heartbeat()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scan cycle failed", zap.String("error_type", clierr.TypeName(clierr.CodeOf(err))), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scan loop stopping, waiting for in-flight repays")
			s.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Healthy fails when no scan has succeeded within three intervals.
func (s *Scanner) Healthy() error {
	s.mu.Lock()
	last := s.lastOK
	s.mu.Unlock()
	if last.IsZero() {
		return clierr.New(clierr.CodeUnavailable, "no successful scan yet")
	}
	if age := s.now().Sub(last); age > 3*s.opts.Interval {
		return clierr.New(clierr.CodeStale, "last successful scan "+age.Round(time.Second).String()+" ago")
	}
	return nil
}

// Wait blocks until every dispatched pipeline has returned.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// ScanOnce runs a single cycle. Distressed accounts are dispatched without
// waiting for their repays to finish.
func (s *Scanner) ScanOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.now()}
	err := s.scan(ctx, &report)
	report.Duration = s.now().Sub(report.StartedAt)
	s.metrics.ObserveScan(report.Scanned, report.Distressed, report.Duration, err)
	if err != nil {
		return report, err
	}
	s.mu.Lock()
	s.lastOK = report.StartedAt
	s.mu.Unlock()
	s.logger.Info("scan cycle complete",
		zap.Int("accounts", report.Scanned),
		zap.Int("distressed", report.Distressed),
		zap.Int("dispatched", report.Dispatched),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *Scanner) scan(ctx context.Context, report *Report) error {
	vaults, err := retry(ctx, s.logger, "vaults", s.opts.FetchRetries, s.opts.FetchRetryDelay, s.sleep, s.registry.ListVaults)
	if err != nil {
		return err
	}
	states, err := retry(ctx, s.logger, "account states", s.opts.FetchRetries, s.opts.FetchRetryDelay, s.sleep, func(ctx context.Context) ([]*accounts.State, error) {
		return s.registry.FetchStates(ctx, vaults)
	})
	if err != nil {
		return err
	}
	prices, err := retry(ctx, s.logger, "prices", s.opts.FetchRetries, s.opts.FetchRetryDelay, s.sleep, s.prices.Prices)
	if err != nil {
		return err
	}

	report.Accounts = make([]AccountReport, 0, len(vaults))
	for i, vault := range vaults {
		entry := AccountReport{Vault: vault.Address.String(), Owner: vault.Owner.String()}
		var state *accounts.State
		if i < len(states) {
			state = states[i]
		}
		if state == nil {
			entry.Action = ActionFetchFailed
			s.logger.Warn("account state unavailable, skipping", zap.Stringer("vault", vault.Address), zap.Stringer("owner", vault.Owner))
			report.Accounts = append(report.Accounts, entry)
			continue
		}
		report.Scanned++
		health, err := s.registry.Health(state, prices)
		if err != nil {
			entry.Action = ActionHealthFailed
			entry.Error = err.Error()
			s.logger.Warn("health evaluation failed", zap.Stringer("vault", vault.Address), zap.Stringer("owner", vault.Owner), zap.Error(err))
			report.Accounts = append(report.Accounts, entry)
			continue
		}
		entry.Health = &health
		if health > 0 {
			entry.Action = ActionHealthy
			report.Accounts = append(report.Accounts, entry)
			continue
		}
		report.Distressed++
		entry.Action = s.dispatch(ctx, state, prices)
		if entry.Action == ActionDispatched {
			report.Dispatched++
		}
		report.Accounts = append(report.Accounts, entry)
	}
	return nil
}

func (s *Scanner) dispatch(ctx context.Context, state *accounts.State, prices market.PriceSet) string {
	if s.opts.DryRun {
		return ActionDispatchDisabled
	}
	logger := s.logger.With(zap.Stringer("vault", state.Vault.Address), zap.Stringer("owner", state.Vault.Owner))
	key := state.Vault.Address

	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		s.metrics.DispatchSkipped("in_flight")
		logger.Debug("repay already in flight")
		return ActionSkippedInFlight
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		s.metrics.DispatchSkipped("capacity")
		logger.Warn("in-flight repay limit reached, skipping this cycle")
		return ActionSkippedCapacity
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()

	s.metrics.PipelineStarted()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
			s.sem.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.PipelineFinished("panic")
				logger.Error("repay pipeline panicked", zap.Any("panic", r))
			}
		}()
		outcome, err := s.runner.Run(ctx, state, prices)
		s.metrics.PipelineFinished(outcome)
		logger.Debug("repay pipeline finished", zap.String("outcome", outcome))
		if s.opts.OnComplete != nil {
			s.opts.OnComplete(state.Vault, outcome, err)
		}
	}()
	return ActionDispatched
}

func (s *Scanner) heartbeat() {
	s.logger.Info("heartbeat", zap.Stringer("wallet", s.opts.Wallet))
}

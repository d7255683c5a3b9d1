package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/planner"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/signer"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"go.uber.org/zap"
)

// Ledger submits and confirms signed transactions.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature) error
}

type Assembler interface {
	Assemble(ctx context.Context, plan resolver.Plan) (planner.Assembly, error)
}

// Refresher reads an account again from the chain. Replan derives a new plan
// from fresh balances and prices; CurrentHealth reports the live health.
type Refresher interface {
	Replan(ctx context.Context, vault accounts.Vault) (resolver.Plan, error)
	CurrentHealth(ctx context.Context, vault accounts.Vault) (int, error)
}

type Options struct {
	MaxAttempts int
	// BaseDelay is multiplied by the number of the failed attempt.
	BaseDelay time.Duration
	PlanTTL   time.Duration
}

type Supervisor struct {
	ledger    Ledger
	assembler Assembler
	signer    signer.Signer
	queue     *Queue
	refresher Refresher
	store     *Store
	notifier  Notifier
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type SupervisorConfig struct {
	Ledger    Ledger
	Assembler Assembler
	Signer    signer.Signer
	Queue     *Queue
	Refresher Refresher
	// Store and Notifier are optional.
	Store    *Store
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Options  Options
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := cfg.Options
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	return &Supervisor{
		ledger:    cfg.Ledger,
		assembler: cfg.Assembler,
		signer:    cfg.Signer,
		queue:     cfg.Queue,
		refresher: cfg.Refresher,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		opts:      opts,
		logger:    logger.Named("supervisor"),
		now:       time.Now,
		sleep:     SleepContext,
	}
}

// Result is what Execute settled on.
type Result struct {
	Outcome   Outcome          `json:"outcome"`
	Attempts  int              `json:"attempts"`
	Signature solana.Signature `json:"signature"`
	Plan      resolver.Plan    `json:"plan"`
}

// Execute submits plan until one attempt confirms or the attempt budget is
// spent. Attempts are spaced by BaseDelay times the failed attempt number,
// and every attempt is assembled again against a fresh blockhash. When all
// attempts fail the account's health is read again: a recovered account is
// reported as moot, otherwise the failure is logged and sent to the
// notifier once and returned.
func (s *Supervisor) Execute(ctx context.Context, plan resolver.Plan) (Result, error) {
	logger := s.logger.With(
		zap.Stringer("vault", plan.Vault.Address),
		zap.Stringer("owner", plan.Vault.Owner),
	)
	res := Result{Plan: plan}
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.BaseDelay*time.Duration(attempt-1)); err != nil {
				return res, err
			}
		}
		res.Attempts = attempt

		if plan.Expired(s.now(), s.opts.PlanTTL) {
			fresh, err := s.refresher.Replan(ctx, plan.Vault)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				lastErr = err
				logger.Warn("re-resolve expired plan failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			logger.Debug("re-resolved expired plan", zap.Int("attempt", attempt), zap.Stringer("plan", fresh))
			plan = fresh
			res.Plan = fresh
		}

		sig, err := s.attempt(ctx, plan, attempt)
		if sig != (solana.Signature{}) {
			res.Signature = sig
		}
		if err == nil {
			res.Outcome = OutcomeConfirmed
			logger.Info("repay confirmed", zap.Int("attempt", attempt), zap.Stringer("signature", sig))
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		lastErr = err
		logger.Warn("repay attempt failed",
			zap.Int("attempt", attempt),
			zap.Stringer("signature", sig),
			zap.String("error_type", clierr.TypeName(clierr.CodeOf(err))),
			zap.Error(err),
		)
	}

	health, err := s.refresher.CurrentHealth(ctx, plan.Vault)
	if err == nil && health > 0 {
		res.Outcome = OutcomeMoot
		logger.Info("repay attempts exhausted but account recovered", zap.Int("attempts", res.Attempts), zap.Int("health", health))
		return res, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger.Warn("health recheck failed", zap.Error(err))
	}

	res.Outcome = OutcomeFailed
	failure := fmt.Errorf("repay vault %s failed after %d attempts: %w", plan.Vault.Address, res.Attempts, lastErr)
	logger.Error("repay failed",
		zap.Int("attempts", res.Attempts),
		zap.Stringer("signature", res.Signature),
		zap.Error(lastErr),
	)
	s.notify(ctx, Failure{
		Vault:         plan.Vault.Address.String(),
		Owner:         plan.Vault.Owner.String(),
		Attempts:      res.Attempts,
		LastSignature: signatureString(res.Signature),
		Err:           lastErr,
		At:            s.now(),
	}, logger)
	return res, failure
}

func (s *Supervisor) attempt(ctx context.Context, plan resolver.Plan, number int) (solana.Signature, error) {
	now := s.now().UTC().Format(time.RFC3339)
	rec := Attempt{
		AttemptID:        NewAttemptID(),
		Vault:            plan.Vault.Address.String(),
		Owner:            plan.Vault.Owner.String(),
		LoanMarket:       plan.LoanMarket,
		CollateralMarket: plan.CollateralMarket,
		Mode:             string(plan.Mode),
		SwapAmount:       plan.SwapAmount,
		Number:           number,
		Status:           AttemptStatusSubmitting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.save(rec)

	var (
		sig      solana.Signature
		assembly planner.Assembly
	)
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		if assembly, err = s.assembler.Assemble(ctx, plan); err != nil {
			return err
		}
		blockhash, err := s.ledger.LatestBlockhash(ctx)
		if err != nil {
			return err
		}
		tx, err := assembly.Transaction(blockhash, s.signer.PublicKey())
		if err != nil {
			return err
		}
		if err := s.signer.SignTransaction(tx); err != nil {
			return clierr.Wrap(clierr.CodeSigner, "sign repay transaction", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sig, err = s.ledger.Submit(ctx, tx)
		return err
	})
	rec.FlashLoan = assembly.FlashLoan
	rec.BorrowAmount = assembly.BorrowAmount
	rec.WrapAmount = assembly.WrapAmount
	if err != nil {
		rec.fail(err)
		s.save(rec)
		s.metrics.ObserveAttempt(clierr.TypeName(clierr.CodeOf(err)), 0)
		return sig, err
	}

	rec.Status = AttemptStatusSubmitted
	rec.Signature = sig.String()
	rec.Touch()
	s.save(rec)

	submitted := s.now()
	if err := s.ledger.Confirm(ctx, sig); err != nil {
		rec.fail(err)
		s.save(rec)
		s.metrics.ObserveAttempt(clierr.TypeName(clierr.CodeOf(err)), 0)
		return sig, err
	}
	rec.Status = AttemptStatusConfirmed
	rec.Touch()
	s.save(rec)
	s.metrics.ObserveAttempt(string(AttemptStatusConfirmed), s.now().Sub(submitted))
	return sig, nil
}

// Send signs, submits and confirms a standalone transaction through the
// wallet's queue.
func (s *Supervisor) Send(ctx context.Context, ixs []solana.Instruction) (solana.Signature, error) {
	var sig solana.Signature
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		blockhash, err := s.ledger.LatestBlockhash(ctx)
		if err != nil {
			return err
		}
		tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(s.signer.PublicKey()))
		if err != nil {
			return clierr.Wrap(clierr.CodePlan, "compile transaction", err)
		}
		if err := s.signer.SignTransaction(tx); err != nil {
			return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sig, err = s.ledger.Submit(ctx, tx)
		return err
	})
	if err != nil {
		return sig, err
	}
	return sig, s.ledger.Confirm(ctx, sig)
}

func (s *Supervisor) save(rec Attempt) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(rec); err != nil {
		s.logger.Warn("persist attempt failed", zap.String("attempt_id", rec.AttemptID), zap.Error(err))
	}
}

func (s *Supervisor) notify(ctx context.Context, f Failure, logger *zap.Logger) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.notifier.NotifyFailure(ctx, f); err != nil {
		logger.Warn("failure notification not delivered", zap.Error(err))
	}
}

func signatureString(sig solana.Signature) string {
	if sig == (solana.Signature{}) {
		return ""
	}
	return sig.String()
}

// SleepContext waits for d or until ctx ends.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

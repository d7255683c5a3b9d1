package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/planner"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/ggonzalez94/defi-autorepay/internal/model"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"github.com/ggonzalez94/defi-autorepay/internal/scanner"
	"github.com/ggonzalez94/defi-autorepay/internal/schema"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxPacketSize is the largest serialized transaction the cluster accepts.
const maxPacketSize = 1232

// provisionBatch caps token account creations per transaction.
const provisionBatch = 6

func (s *runtimeState) newRunCommand() *cobra.Command {
	var skipInit bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan vaults and repay distressed ones until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.newServices(s.settings, s.logger, s.metrics)
			if err != nil {
				return err
			}
			defer svc.Close()
			s.wallet = svc.wallet.PublicKey().String()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !skipInit {
				if _, err := s.provision(ctx, svc); err != nil {
					return err
				}
			}

			sc := svc.newScanner(false, nil)
			g, gctx := errgroup.WithContext(ctx)
			if addr := strings.TrimSpace(s.settings.MetricsAddr); addr != "" {
				g.Go(func() error {
					return metrics.Serve(gctx, addr, metrics.NewRouter(s.metrics, sc.Healthy), s.logger)
				})
			}
			g.Go(func() error { return sc.Run(gctx) })
			if err := g.Wait(); err != nil {
				return err
			}
			s.logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipInit, "skip-init", false, "Skip creating missing wallet token accounts at startup")
	cmd.Flags().StringVar(&s.flags.Interval, "interval", "", "Scan interval")
	cmd.Flags().IntVar(&s.flags.MaxInFlight, "max-in-flight", 0, "Maximum concurrent repay pipelines")
	cmd.Flags().StringVar(&s.flags.MetricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz")
	schema.BindEnv(cmd.Flags(), "interval", "AUTOREPAY_SCAN_INTERVAL")
	schema.BindEnv(cmd.Flags(), "max-in-flight", "AUTOREPAY_MAX_IN_FLIGHT")
	schema.BindEnv(cmd.Flags(), "metrics-addr", "AUTOREPAY_METRICS_ADDR")
	return cmd
}

func (s *runtimeState) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the wallet's missing token accounts for every market",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.newServices(s.settings, s.logger, s.metrics)
			if err != nil {
				return err
			}
			defer svc.Close()
			s.wallet = svc.wallet.PublicKey().String()

			res, err := s.provision(cmd.Context(), svc)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, nil)
		},
	}
}

func (s *runtimeState) provision(ctx context.Context, svc *services) (model.ProvisionResult, error) {
	res := model.ProvisionResult{Wallet: svc.wallet.PublicKey().String(), Created: []string{}}
	ixs, err := svc.assembler.Provision(ctx)
	if err != nil {
		return res, err
	}
	if len(ixs) == 0 {
		s.logger.Info("wallet token accounts present", zap.String("wallet", res.Wallet))
		return res, nil
	}
	for start := 0; start < len(ixs); start += provisionBatch {
		end := min(start+provisionBatch, len(ixs))
		batch := ixs[start:end]
		sig, err := svc.supervisor.Send(ctx, batch)
		if err != nil {
			return res, clierr.Wrap(clierr.CodeOf(err), "create wallet token accounts", err)
		}
		res.Signatures = append(res.Signatures, sig.String())
		for _, ix := range batch {
			res.Created = append(res.Created, ix.Accounts()[1].PublicKey.String())
		}
	}
	s.logger.Info("created wallet token accounts",
		zap.String("wallet", res.Wallet),
		zap.Strings("accounts", res.Created),
	)
	return res, nil
}

// repayOutcome is the settled result of a repay dispatched by scan --execute.
type repayOutcome struct {
	Vault   string `json:"vault"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type scanResult struct {
	scanner.Report
	Outcomes []repayOutcome `json:"outcomes,omitempty"`
}

func (s *runtimeState) newScanCommand() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle and report every vault's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			build := s.newReadServices
			if execute {
				build = s.newServices
			}
			svc, err := build(s.settings, s.logger, s.metrics)
			if err != nil {
				return err
			}
			defer svc.Close()
			s.wallet = svc.wallet.PublicKey().String()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				mu       sync.Mutex
				outcomes []repayOutcome
			)
			onComplete := func(v accounts.Vault, outcome string, err error) {
				o := repayOutcome{Vault: v.Address.String(), Outcome: outcome}
				if err != nil {
					o.Error = err.Error()
				}
				mu.Lock()
				outcomes = append(outcomes, o)
				mu.Unlock()
			}
			sc := svc.newScanner(!execute, onComplete)
			report, err := sc.ScanOnce(ctx)
			if err != nil {
				return err
			}
			sc.Wait()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), scanResult{Report: report, Outcomes: outcomes}, nil, nil)
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "Repay distressed vaults instead of only reporting them")
	cmd.Flags().IntVar(&s.flags.MaxInFlight, "max-in-flight", 0, "Maximum concurrent repay pipelines")
	return cmd
}

func (s *runtimeState) newPlanCommand() *cobra.Command {
	var vaultArg string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve and assemble a repay for one vault without submitting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := solana.PublicKeyFromBase58(strings.TrimSpace(vaultArg))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "parse --vault", err)
			}
			svc, err := s.newReadServices(s.settings, s.logger, s.metrics)
			if err != nil {
				return err
			}
			defer svc.Close()
			s.wallet = svc.wallet.PublicKey().String()
			ctx := cmd.Context()

			vault, err := svc.registry.LoadVault(ctx, addr)
			if err != nil {
				return err
			}
			state, err := svc.registry.FetchState(ctx, vault)
			if err != nil {
				return err
			}

			var statuses []model.ProviderStatus
			start := time.Now()
			prices, err := svc.oracle.Prices(ctx)
			statuses = append(statuses, providerStatus(svc.oracle.Info().Name, start, err))
			if err != nil {
				return err
			}
			health, err := svc.registry.Health(state, prices)
			if err != nil {
				return err
			}
			var warnings []string
			if health > 0 {
				warnings = append(warnings, fmt.Sprintf("vault health is %d; the scan loop only repays vaults at zero health", health))
			}

			start = time.Now()
			plan, err := svc.resolver.Resolve(ctx, state, prices)
			statuses = append(statuses, providerStatus(svc.swaps.Info().Name, start, err))
			if err != nil {
				return err
			}
			asm, err := svc.assembler.Assemble(ctx, plan)
			if err != nil {
				return err
			}
			blockhash, err := svc.ledger.LatestBlockhash(ctx)
			if err != nil {
				return err
			}
			tx, err := asm.Transaction(blockhash, svc.wallet.PublicKey())
			if err != nil {
				return err
			}
			size, err := transactionSize(tx)
			if err != nil {
				return err
			}
			if size > maxPacketSize {
				warnings = append(warnings, fmt.Sprintf("transaction is %d bytes, above the %d byte packet limit", size, maxPacketSize))
			}

			view := planView(svc.markets, plan, asm, health, s.settings.GoalHealth)
			view.Instructions = len(tx.Message.Instructions)
			view.TransactionBytes = size
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, warnings, statuses)
		},
	}
	cmd.Flags().StringVar(&vaultArg, "vault", "", "Vault address")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func providerStatus(name string, start time.Time, err error) model.ProviderStatus {
	return model.ProviderStatus{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}
}

// transactionSize is the wire size once every required signature is present.
func transactionSize(tx *solana.Transaction) (int, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, clierr.Wrap(clierr.CodePlan, "serialize message", err)
	}
	sigs := int(tx.Message.Header.NumRequiredSignatures)
	return len(msg) + 1 + sigs*64, nil
}

func planView(markets *market.Table, plan resolver.Plan, asm planner.Assembly, health, goal int) model.RepayPlan {
	loan := markets.MustGet(plan.LoanMarket)
	collateral := markets.MustGet(plan.CollateralMarket)
	view := model.RepayPlan{
		Vault:          plan.Vault.Address.String(),
		Owner:          plan.Vault.Owner.String(),
		Health:         health,
		GoalHealth:     goal,
		Mode:           string(plan.Mode),
		Loan:           model.MarketAmount{Index: loan.Index, Symbol: loan.Symbol, Mint: loan.Mint.String(), Amount: plan.Route.OutAmount},
		Collateral:     model.MarketAmount{Index: collateral.Index, Symbol: collateral.Symbol, Mint: collateral.Mint.String(), Amount: asm.RequiredInput},
		TargetRepayUSD: plan.TargetRepayUSD.StringFixed(2),
		LoanValueUSD:   plan.LoanValueUSD.StringFixed(2),
		RouteInAmount:  plan.Route.InAmount,
		RouteOutAmount: plan.Route.OutAmount,
		PriceImpactPct: plan.Route.PriceImpactPct,
		RoutePath:      plan.Route.Path,
		FlashLoan:      asm.FlashLoan,
		BorrowAmount:   asm.BorrowAmount,
		WrapAmount:     asm.WrapAmount,
		LookupTables:   len(asm.LookupTables),
	}
	return view
}

func (s *runtimeState) newAttemptsCommand() *cobra.Command {
	root := &cobra.Command{Use: "attempts", Short: "Repay attempt history"}

	var status, vault string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded repay attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "", string(execution.AttemptStatusSubmitting), string(execution.AttemptStatusSubmitted),
				string(execution.AttemptStatusConfirmed), string(execution.AttemptStatusFailed):
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported --status %q", status))
			}
			store, err := execution.OpenStore(s.settings.AttemptStorePath, s.settings.AttemptLockPath)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open attempt store", err)
			}
			defer store.Close()
			items, err := store.List(execution.ListFilter{Status: status, Vault: vault, Limit: limit})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: submitting, submitted, confirmed or failed")
	list.Flags().StringVar(&vault, "vault", "", "Filter by vault address")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum attempts to return")

	get := &cobra.Command{
		Use:   "get <attempt-id>",
		Short: "Show one repay attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := execution.OpenStore(s.settings.AttemptStorePath, s.settings.AttemptLockPath)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open attempt store", err)
			}
			defer store.Close()
			item, err := store.Get(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), item, nil, nil)
		},
	}

	root.AddCommand(list)
	root.AddCommand(get)
	return root
}

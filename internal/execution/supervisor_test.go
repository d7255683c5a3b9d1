package execution

import (
	"context"
	"errors"
	"net/smtp"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	"github.com/ggonzalez94/defi-autorepay/internal/config"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/planner"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/signer"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLedger struct {
	mu         sync.Mutex
	submitErrs []error
	confirmErr []error
	submits    int
	confirms   int
}

func (f *fakeLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{7}, nil
}

func (f *fakeLedger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.submits
	f.submits++
	if i < len(f.submitErrs) && f.submitErrs[i] != nil {
		return solana.Signature{}, f.submitErrs[i]
	}
	return tx.Signatures[0], nil
}

func (f *fakeLedger) Confirm(ctx context.Context, sig solana.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.confirms
	f.confirms++
	if i < len(f.confirmErr) {
		return f.confirmErr[i]
	}
	return nil
}

type fakeAssembler struct {
	wallet solana.PublicKey
	plans  []resolver.Plan
	delay  time.Duration
}

func (f *fakeAssembler) Assemble(ctx context.Context, plan resolver.Plan) (planner.Assembly, error) {
	time.Sleep(f.delay)
	f.plans = append(f.plans, plan)
	ix := system.NewTransferInstruction(plan.SwapAmount, f.wallet, solana.NewWallet().PublicKey()).Build()
	return planner.Assembly{Instructions: []solana.Instruction{ix}, RequiredInput: plan.SwapAmount}, nil
}

type fakeRefresher struct {
	health    int
	healthErr error
	fresh     resolver.Plan
	replans   int
	rechecks  int
}

func (f *fakeRefresher) Replan(ctx context.Context, vault accounts.Vault) (resolver.Plan, error) {
	f.replans++
	return f.fresh, nil
}

func (f *fakeRefresher) CurrentHealth(ctx context.Context, vault accounts.Vault) (int, error) {
	f.rechecks++
	return f.health, f.healthErr
}

type recordingNotifier struct {
	failures []Failure
}

func (r *recordingNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	r.failures = append(r.failures, f)
	return nil
}

type harness struct {
	sup       *Supervisor
	ledger    *fakeLedger
	assembler *fakeAssembler
	refresher *fakeRefresher
	notifier  *recordingNotifier
	store     *Store
	logs      *observer.ObservedLogs
	delays    []time.Duration
	now       time.Time
}

func newHarness(t *testing.T, l *fakeLedger, r *fakeRefresher) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	wallet, err := signer.NewLocalSignerFromInputs(signer.KeySourceAuto, key.String())
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "attempts.db"), filepath.Join(dir, "attempts.lock"))
	require.NoError(t, err)
	queue := NewQueue()
	t.Cleanup(func() {
		queue.Close()
		_ = store.Close()
	})

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		ledger:    l,
		assembler: &fakeAssembler{wallet: wallet.PublicKey()},
		refresher: r,
		notifier:  &recordingNotifier{},
		store:     store,
		logs:      logs,
		now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.sup = NewSupervisor(SupervisorConfig{
		Ledger:    l,
		Assembler: h.assembler,
		Signer:    wallet,
		Queue:     queue,
		Refresher: r,
		Store:     store,
		Notifier:  h.notifier,
		Logger:    zap.New(core),
		Options:   Options{MaxAttempts: 3, BaseDelay: time.Second, PlanTTL: 20 * time.Second},
	})
	h.sup.now = func() time.Time { return h.now }
	h.sup.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		h.now = h.now.Add(d)
		return ctx.Err()
	}
	return h
}

func (h *harness) plan() resolver.Plan {
	owner := solana.NewWallet().PublicKey()
	return resolver.Plan{
		Vault:            accounts.Vault{Address: solana.NewWallet().PublicKey(), Owner: owner},
		LoanMarket:       0,
		CollateralMarket: 1,
		SwapAmount:       40_000_000,
		Mode:             providers.SwapModeExactOut,
		CreatedAt:        h.now,
	}
}

func TestExecuteConfirmsAfterRetry(t *testing.T) {
	l := &fakeLedger{submitErrs: []error{clierr.New(clierr.CodeSimulation, "preflight failed")}}
	h := newHarness(t, l, &fakeRefresher{})

	res, err := h.sup.Execute(context.Background(), h.plan())
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.NotEqual(t, solana.Signature{}, res.Signature)
	require.Equal(t, []time.Duration{time.Second}, h.delays)

	attempts, err := h.store.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	statuses := map[AttemptStatus]int{}
	for _, a := range attempts {
		statuses[a.Status]++
	}
	require.Equal(t, 1, statuses[AttemptStatusFailed])
	require.Equal(t, 1, statuses[AttemptStatusConfirmed])
	require.Equal(t, 0, h.refresher.rechecks)
}

func TestExecuteReportsHardFailureExactlyOnce(t *testing.T) {
	reverted := clierr.New(clierr.CodeReverted, "transaction failed on chain")
	l := &fakeLedger{confirmErr: []error{reverted, reverted, reverted}}
	h := newHarness(t, l, &fakeRefresher{health: 0})

	res, err := h.sup.Execute(context.Background(), h.plan())
	require.Error(t, err)
	require.Equal(t, clierr.CodeReverted, clierr.CodeOf(err))
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, l.submits)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)
	require.Equal(t, 1, h.refresher.rechecks)

	require.Equal(t, 1, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.Equal(t, 3, h.logs.FilterMessage("repay attempt failed").Len())
	require.Len(t, h.notifier.failures, 1)
	require.Equal(t, 3, h.notifier.failures[0].Attempts)
	require.Equal(t, res.Signature.String(), h.notifier.failures[0].LastSignature)
}

func TestExecuteMootWhenAccountRecovers(t *testing.T) {
	unavailable := clierr.New(clierr.CodeUnavailable, "rpc down")
	l := &fakeLedger{submitErrs: []error{unavailable, unavailable, unavailable}}
	h := newHarness(t, l, &fakeRefresher{health: 35})

	res, err := h.sup.Execute(context.Background(), h.plan())
	require.NoError(t, err)
	require.Equal(t, OutcomeMoot, res.Outcome)
	require.Equal(t, 0, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.Empty(t, h.notifier.failures)
}

func TestExecuteTreatsFailedRecheckAsFailure(t *testing.T) {
	unavailable := clierr.New(clierr.CodeUnavailable, "rpc down")
	l := &fakeLedger{submitErrs: []error{unavailable, unavailable, unavailable}}
	h := newHarness(t, l, &fakeRefresher{healthErr: errors.New("fetch failed")})

	res, err := h.sup.Execute(context.Background(), h.plan())
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, h.notifier.failures, 1)
}

func TestExecuteReplansExpiredPlan(t *testing.T) {
	l := &fakeLedger{confirmErr: []error{clierr.New(clierr.CodeTimeout, "confirmation timed out")}}
	r := &fakeRefresher{}
	h := newHarness(t, l, r)
	h.sup.opts.BaseDelay = 30 * time.Second

	plan := h.plan()
	fresh := plan
	fresh.SwapAmount = 41_000_000
	fresh.CreatedAt = h.now.Add(30 * time.Second)
	r.fresh = fresh

	res, err := h.sup.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, 1, r.replans)
	require.Len(t, h.assembler.plans, 2)
	require.Equal(t, uint64(40_000_000), h.assembler.plans[0].SwapAmount)
	require.Equal(t, uint64(41_000_000), h.assembler.plans[1].SwapAmount)
	require.Equal(t, uint64(41_000_000), res.Plan.SwapAmount)
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	l := &fakeLedger{submitErrs: []error{clierr.New(clierr.CodeUnavailable, "rpc down")}}
	h := newHarness(t, l, &fakeRefresher{})
	ctx, cancel := context.WithCancel(context.Background())
	h.sup.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.sup.Execute(ctx, h.plan())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, l.submits)
	require.Equal(t, 0, h.refresher.rechecks)
	require.Empty(t, h.notifier.failures)
}

func TestExecuteCancelledDuringAssemblyDoesNotSubmit(t *testing.T) {
	l := &fakeLedger{}
	h := newHarness(t, l, &fakeRefresher{})
	h.assembler.delay = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res, err := h.sup.Execute(ctx, h.plan())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, solana.Signature{}, res.Signature)
	require.Len(t, h.assembler.plans, 1)
	require.Equal(t, 0, l.submits)

	attempts, err := h.store.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, AttemptStatusFailed, attempts[0].Status)
	require.Empty(t, attempts[0].Signature)
}

func TestQueueWaitsForStartedJob(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Do(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return errors.New("job result")
		})
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		t.Fatalf("Do returned before the job finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.EqualError(t, <-done, "job result")
}

func TestQueueRunsJobsOneAtATime(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var (
		mu      sync.Mutex
		running int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.False(t, overlap, "queue ran jobs concurrently")
}

func TestQueueRecoversPanicsAndRejectsAfterClose(t *testing.T) {
	q := NewQueue()
	err := q.Do(context.Background(), func(ctx context.Context) error { panic("boom") })
	require.Error(t, err)
	require.Equal(t, clierr.CodeInternal, clierr.CodeOf(err))
	require.NoError(t, q.Do(context.Background(), func(ctx context.Context) error { return nil }))

	q.Close()
	err = q.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestEmailNotifierFormatsMessage(t *testing.T) {
	require.Nil(t, NewEmailNotifier(config.Alerts{}))

	n := NewEmailNotifier(config.Alerts{
		EmailTo:       []string{"ops@example.com", "oncall@example.com"},
		EmailFrom:     "bot@example.com",
		EmailHost:     "smtp.example.com",
		EmailUser:     "bot@example.com",
		EmailPassword: "secret",
	})
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	err := n.NotifyFailure(context.Background(), Failure{
		Vault:         "VaultAddr",
		Owner:         "OwnerAddr",
		Attempts:      3,
		LastSignature: "Sig",
		Err:           errors.New("reverted"),
		At:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, "smtp.example.com:587", gotAddr)
	require.Len(t, gotTo, 2)
	require.True(t, strings.Contains(gotMsg, "Subject: autorepay failed for vault VaultAddr"))
	require.True(t, strings.Contains(gotMsg, "Last signature: Sig"))
	require.True(t, strings.Contains(gotMsg, "Error: reverted"))
}

func TestSendSubmitsAndConfirms(t *testing.T) {
	l := &fakeLedger{}
	h := newHarness(t, l, &fakeRefresher{})
	ix := system.NewTransferInstruction(1, h.sup.signer.PublicKey(), solana.NewWallet().PublicKey()).Build()

	sig, err := h.sup.Send(context.Background(), []solana.Instruction{ix})
	require.NoError(t, err)
	require.NotEqual(t, solana.Signature{}, sig)
	require.Equal(t, 1, l.submits)
	require.Equal(t, 1, l.confirms)
}

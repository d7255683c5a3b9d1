// Package ledger is the agent's view of the Solana cluster: account reads,
// lookup tables, transaction submission and confirmation.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/ggonzalez94/defi-autorepay/internal/cache"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"go.uber.org/zap"
)

const (
	maxAccountsPerRequest = 100
	lookupTableMetaSize   = 56
	tokenAmountOffset     = 64
	tokenAccountMinSize   = 72
	lookupTableCacheSize  = 256

	// preflightFailureCode is returned by sendTransaction when simulation fails.
	preflightFailureCode = -32002
)

// RPC is the subset of the solana-go client the ledger uses.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Options struct {
	Commitment          rpc.CommitmentType
	LookupTableTTL      time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	Store               *cache.Store
	Logger              *zap.Logger
}

type Client struct {
	rpc    RPC
	opts   Options
	tables *lru.Cache[solana.PublicKey, solana.PublicKeySlice]
	logger *zap.Logger
}

// Dial returns a ledger client talking JSON-RPC to endpoint.
func Dial(endpoint string, opts Options) *Client {
	return New(rpc.New(endpoint), opts)
}

func New(client RPC, opts Options) *Client {
	if opts.Commitment == "" {
		opts.Commitment = rpc.CommitmentConfirmed
	}
	if opts.LookupTableTTL <= 0 {
		opts.LookupTableTTL = time.Hour
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = time.Minute
	}
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rpc:    client,
		opts:   opts,
		tables: lru.NewCache[solana.PublicKey, solana.PublicKeySlice](lookupTableCacheSize),
		logger: logger.Named("ledger"),
	}
}

func (c *Client) Commitment() rpc.CommitmentType { return c.opts.Commitment }

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.opts.Commitment)
	if err != nil {
		return solana.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest blockhash", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, clierr.New(clierr.CodeUnavailable, "latest blockhash response is empty")
	}
	return out.Value.Blockhash, nil
}

// NativeBalance returns the lamports held by owner.
func (c *Client) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, owner, c.opts.Commitment)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch native balance", err)
	}
	return out.Value, nil
}

// Accounts returns the data of each key in order; missing accounts are nil.
func (c *Client) Accounts(ctx context.Context, keys []solana.PublicKey) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for start := 0; start < len(keys); start += maxAccountsPerRequest {
		end := min(start+maxAccountsPerRequest, len(keys))
		res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys[start:end], &rpc.GetMultipleAccountsOpts{
			Commitment: c.opts.Commitment,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch accounts", err)
		}
		if res == nil || len(res.Value) != end-start {
			return nil, clierr.New(clierr.CodeUnavailable, "fetch accounts: response length mismatch")
		}
		for _, acct := range res.Value {
			if acct == nil || acct.Data == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, acct.Data.GetBinary())
		}
	}
	return out, nil
}

type KeyedAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// ProgramAccounts lists accounts owned by program with exactly dataSize bytes.
func (c *Client) ProgramAccounts(ctx context.Context, program solana.PublicKey, dataSize uint64) ([]KeyedAccount, error) {
	res, err := c.rpc.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: c.opts.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    []rpc.RPCFilter{{DataSize: dataSize}},
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch program accounts", err)
	}
	out := make([]KeyedAccount, 0, len(res))
	for _, keyed := range res {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		out = append(out, KeyedAccount{Address: keyed.Pubkey, Data: keyed.Account.Data.GetBinary()})
	}
	return out, nil
}

type TokenAccount struct {
	Address solana.PublicKey
	Exists  bool
	Amount  uint64
}

// TokenAccounts reads owner's associated token account for each mint.
func (c *Client) TokenAccounts(ctx context.Context, owner solana.PublicKey, mints []solana.PublicKey) (map[solana.PublicKey]TokenAccount, error) {
	keys := make([]solana.PublicKey, len(mints))
	for i, mint := range mints {
		ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "derive associated token account", err)
		}
		keys[i] = ata
	}
	data, err := c.Accounts(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[solana.PublicKey]TokenAccount, len(mints))
	for i, mint := range mints {
		acct := TokenAccount{Address: keys[i]}
		if data[i] != nil {
			if len(data[i]) < tokenAccountMinSize {
				return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("token account %s is %d bytes", keys[i], len(data[i])))
			}
			acct.Exists = true
			acct.Amount = binary.LittleEndian.Uint64(data[i][tokenAmountOffset:])
		}
		out[mint] = acct
	}
	return out, nil
}

// LookupTables resolves address lookup tables through the in-memory cache,
// then the on-disk cache, then the cluster.
func (c *Client) LookupTables(ctx context.Context, addrs []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	out := make(map[solana.PublicKey]solana.PublicKeySlice, len(addrs))
	var missing []solana.PublicKey
	for _, addr := range addrs {
		if _, seen := out[addr]; seen {
			continue
		}
		if table, ok := c.tables.Get(addr); ok {
			out[addr] = table
			continue
		}
		if c.opts.Store != nil {
			entry, ok, err := c.opts.Store.Get(ctx, addr)
			if err != nil {
				c.logger.Warn("lookup table cache read failed", zap.Stringer("table", addr), zap.Error(err))
			} else if ok && !entry.Stale {
				c.tables.Add(addr, entry.Addresses)
				out[addr] = entry.Addresses
				continue
			}
		}
		missing = append(missing, addr)
	}
	if len(missing) == 0 {
		return out, nil
	}

	data, err := c.Accounts(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, addr := range missing {
		if data[i] == nil {
			return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("lookup table %s not found", addr))
		}
		table, err := DecodeLookupTable(data[i])
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("decode lookup table %s", addr), err)
		}
		c.tables.Add(addr, table)
		if c.opts.Store != nil {
			if err := c.opts.Store.Put(ctx, addr, table, c.opts.LookupTableTTL); err != nil {
				c.logger.Warn("lookup table cache write failed", zap.Stringer("table", addr), zap.Error(err))
			}
		}
		out[addr] = table
	}
	return out, nil
}

// DecodeLookupTable reads the address list that follows the table metadata.
func DecodeLookupTable(data []byte) (solana.PublicKeySlice, error) {
	if len(data) < lookupTableMetaSize {
		return nil, fmt.Errorf("lookup table is %d bytes, shorter than its metadata", len(data))
	}
	body := data[lookupTableMetaSize:]
	if len(body)%solana.PublicKeyLength != 0 {
		return nil, fmt.Errorf("lookup table body of %d bytes is not a whole number of addresses", len(body))
	}
	out := make(solana.PublicKeySlice, 0, len(body)/solana.PublicKeyLength)
	for off := 0; off < len(body); off += solana.PublicKeyLength {
		out = append(out, solana.PublicKeyFromBytes(body[off:off+solana.PublicKeyLength]))
	}
	return out, nil
}

// Submit sends a signed transaction with preflight simulation.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.opts.Commitment,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == preflightFailureCode {
			return solana.Signature{}, clierr.Wrap(clierr.CodeSimulation, "transaction simulation failed", err)
		}
		return solana.Signature{}, clierr.Wrap(clierr.CodeUnavailable, "send transaction", err)
	}
	return sig, nil
}

// Confirm polls the signature status until it reaches the configured
// commitment, fails on-chain, or the confirm timeout elapses.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		res, err := c.rpc.GetSignatureStatuses(waitCtx, false, sig)
		if err == nil && res != nil && len(res.Value) == 1 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return clierr.New(clierr.CodeReverted, fmt.Sprintf("transaction %s failed on-chain: %v", sig, status.Err))
			}
			if reached(status.ConfirmationStatus, c.opts.Commitment) {
				return nil
			}
		}
		if err != nil {
			c.logger.Debug("signature status poll failed", zap.Stringer("signature", sig), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return clierr.Wrap(clierr.CodeTimeout, "confirmation cancelled", ctx.Err())
			}
			return clierr.New(clierr.CodeTimeout, fmt.Sprintf("timed out waiting for %s", sig))
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	got, ok := rank[string(status)]
	if !ok {
		return false
	}
	return got >= rank[string(want)]
}

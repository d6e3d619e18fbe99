// Package accounts attributes chain data to caller-chosen account IDs. A
// batch of address requests is deduplicated by (lowercased address, chain),
// each unique key is fetched once, and results fan back out per account ID.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/internal/subscription"
	"github.com/cygnus-wealth/evm-access/services/balance"
	"github.com/cygnus-wealth/evm-access/services/transaction"
)

// AddressRequest asks for data about one address on a set of chains.
// AccountID is opaque to the engine; callers typically encode a wallet
// fingerprint in it.
type AddressRequest struct {
	AccountID  string   `json:"account_id"`
	Address    string   `json:"address"`
	ChainScope []uint64 `json:"chain_scope"`
}

// AccountBalance is one account's balances on one chain.
type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Address   string          `json:"address"`
	ChainID   uint64          `json:"chain_id"`
	Balances  []model.Balance `json:"balances"`
}

// AccountTransactions is one account's transactions on one chain.
type AccountTransactions struct {
	AccountID    string              `json:"account_id"`
	Address      string              `json:"address"`
	ChainID      uint64              `json:"chain_id"`
	Transactions []model.Transaction `json:"transactions"`
}

// AccountError is a per-account failure for one (address, chain) key.
type AccountError struct {
	AccountID string         `json:"account_id"`
	Address   string         `json:"address"`
	ChainID   uint64         `json:"chain_id"`
	Error     string         `json:"error"`
	Code      apperrors.Kind `json:"code"`
}

// BalanceList is the attributed result of a balance batch.
type BalanceList struct {
	Balances  []AccountBalance `json:"balances"`
	Errors    []AccountError   `json:"errors"`
	Timestamp time.Time        `json:"timestamp"`
}

// TransactionList is the attributed result of a transaction batch.
type TransactionList struct {
	Transactions []AccountTransactions `json:"transactions"`
	Errors       []AccountError        `json:"errors"`
	Timestamp    time.Time             `json:"timestamp"`
}

// AccountBalanceUpdate is a live update enriched with the account ID.
type AccountBalanceUpdate struct {
	AccountID string              `json:"account_id"`
	Update    model.BalanceUpdate `json:"update"`
}

// BalanceSource is the C7 surface used for balance batches.
type BalanceSource interface {
	GetBalance(ctx context.Context, chainID uint64, address string, opts ...balance.Option) (*model.Balance, error)
	GetTokenBalances(ctx context.Context, chainID uint64, address string, opts ...balance.Option) ([]model.Balance, error)
}

// TransactionSource is the C7 surface used for transaction batches.
type TransactionSource interface {
	GetTransactions(ctx context.Context, chainID uint64, address string, q transaction.Query) ([]model.Transaction, error)
}

// SubscriptionSource is the C6 surface used for live attribution.
type SubscriptionSource interface {
	SubscribeBalance(ctx context.Context, chainID uint64, address string, onData func(model.BalanceUpdate), opts ...subscription.Option) (*subscription.Handle, error)
}

// Service is the account attribution layer.
type Service struct {
	balances BalanceSource
	txs      TransactionSource
	subs     SubscriptionSource
	log      *logging.Logger
}

// New creates the attribution service.
func New(balances BalanceSource, txs TransactionSource, subs SubscriptionSource, log *logging.Logger) *Service {
	return &Service{
		balances: balances,
		txs:      txs,
		subs:     subs,
		log:      log.Named("accounts"),
	}
}

// key identifies one unique fetch.
type key struct {
	address string
	chainID uint64
}

// dedupe builds the key → account IDs map, preserving request order for
// deterministic output. Invalid addresses become per-account errors.
func dedupe(reqs []AddressRequest) (keys []key, owners map[key][]string, errs []AccountError) {
	owners = make(map[key][]string)
	for _, req := range reqs {
		if !chains.ValidAddress(req.Address) {
			for _, chainID := range req.ChainScope {
				errs = append(errs, AccountError{
					AccountID: req.AccountID,
					Address:   req.Address,
					ChainID:   chainID,
					Error:     fmt.Sprintf("invalid address %q", req.Address),
					Code:      apperrors.KindValidation,
				})
			}
			continue
		}
		addr := chains.NormalizeAddress(req.Address)
		for _, chainID := range req.ChainScope {
			k := key{address: addr, chainID: chainID}
			if _, seen := owners[k]; !seen {
				keys = append(keys, k)
			}
			owners[k] = append(owners[k], req.AccountID)
		}
	}
	return keys, owners, errs
}

func accountError(k key, accountID string, err error) AccountError {
	return AccountError{
		AccountID: accountID,
		Address:   k.address,
		ChainID:   k.chainID,
		Error:     apperrors.UserMessage(err),
		Code:      apperrors.KindOf(err),
	}
}

// GetAccountBalances fetches native plus token balances once per unique
// (address, chain) key and attributes the results to every account that
// referenced the key. An empty batch performs no fetches at all.
func (s *Service) GetAccountBalances(ctx context.Context, reqs []AddressRequest) (*BalanceList, error) {
	result := &BalanceList{
		Balances:  []AccountBalance{},
		Errors:    []AccountError{},
		Timestamp: time.Now(),
	}
	keys, owners, errs := dedupe(reqs)
	result.Errors = append(result.Errors, errs...)
	if len(keys) == 0 {
		return result, nil
	}

	type outcome struct {
		k        key
		balances []model.Balance
		err      error
	}
	outcomes := make([]outcome, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			native, err := s.balances.GetBalance(gctx, k.chainID, k.address)
			if err != nil {
				outcomes[i] = outcome{k: k, err: err}
				return nil
			}
			tokens, err := s.balances.GetTokenBalances(gctx, k.chainID, k.address)
			if err != nil {
				outcomes[i] = outcome{k: k, err: err}
				return nil
			}
			outcomes[i] = outcome{k: k, balances: append([]model.Balance{*native}, tokens...)}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		for _, accountID := range owners[out.k] {
			if out.err != nil {
				result.Errors = append(result.Errors, accountError(out.k, accountID, out.err))
				continue
			}
			// Each account gets its own result value; sharing a slice
			// across accounts would let one caller mutate another's view.
			copied := make([]model.Balance, len(out.balances))
			copy(copied, out.balances)
			result.Balances = append(result.Balances, AccountBalance{
				AccountID: accountID,
				Address:   out.k.address,
				ChainID:   out.k.chainID,
				Balances:  copied,
			})
		}
	}
	sortBalances(result.Balances)
	return result, nil
}

// GetAccountTransactions fetches transactions once per unique key and fans
// them out per account.
func (s *Service) GetAccountTransactions(ctx context.Context, reqs []AddressRequest, q transaction.Query) (*TransactionList, error) {
	result := &TransactionList{
		Transactions: []AccountTransactions{},
		Errors:       []AccountError{},
		Timestamp:    time.Now(),
	}
	keys, owners, errs := dedupe(reqs)
	result.Errors = append(result.Errors, errs...)
	if len(keys) == 0 {
		return result, nil
	}

	type outcome struct {
		k   key
		txs []model.Transaction
		err error
	}
	outcomes := make([]outcome, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			txs, err := s.txs.GetTransactions(gctx, k.chainID, k.address, q)
			outcomes[i] = outcome{k: k, txs: txs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		for _, accountID := range owners[out.k] {
			if out.err != nil {
				result.Errors = append(result.Errors, accountError(out.k, accountID, out.err))
				continue
			}
			copied := make([]model.Transaction, len(out.txs))
			copy(copied, out.txs)
			for i := range copied {
				copied[i].AccountID = accountID
			}
			result.Transactions = append(result.Transactions, AccountTransactions{
				AccountID:    accountID,
				Address:      out.k.address,
				ChainID:      out.k.chainID,
				Transactions: copied,
			})
		}
	}
	sortTransactions(result.Transactions)
	return result, nil
}

// LiveSubscription bundles the underlying handles behind one detach point.
type LiveSubscription struct {
	service *Service

	mu      sync.Mutex
	handles []*subscription.Handle
	closed  bool
}

// Unsubscribe detaches every underlying handle.
func (l *LiveSubscription) Unsubscribe() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	handles := l.handles
	l.handles = nil
	l.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
}

// HandleCount reports how many chain-level subscriptions back this bundle.
func (l *LiveSubscription) HandleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// SubscribeAccountBalances maintains the attribution map live: one
// underlying subscription per unique key, one enriched emission per owning
// account on every update.
func (s *Service) SubscribeAccountBalances(ctx context.Context, reqs []AddressRequest, onData func(AccountBalanceUpdate), opts ...subscription.Option) (*LiveSubscription, error) {
	keys, owners, errs := dedupe(reqs)
	if len(errs) > 0 {
		first := errs[0]
		return nil, apperrors.InvalidInput("address", "0x-prefixed 20-byte hex address", first.Address)
	}
	if len(keys) == 0 {
		return &LiveSubscription{service: s}, nil
	}

	live := &LiveSubscription{service: s}
	for _, k := range keys {
		accountIDs := owners[k]
		h, err := s.subs.SubscribeBalance(ctx, k.chainID, k.address, func(u model.BalanceUpdate) {
			for _, accountID := range accountIDs {
				onData(AccountBalanceUpdate{AccountID: accountID, Update: u})
			}
		}, opts...)
		if err != nil {
			live.Unsubscribe()
			return nil, err
		}
		live.mu.Lock()
		live.handles = append(live.handles, h)
		live.mu.Unlock()
	}
	return live, nil
}

func sortBalances(list []AccountBalance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AccountID != list[j].AccountID {
			return list[i].AccountID < list[j].AccountID
		}
		return list[i].ChainID < list[j].ChainID
	})
}

func sortTransactions(list []AccountTransactions) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AccountID != list[j].AccountID {
			return list[i].AccountID < list[j].AccountID
		}
		return list[i].ChainID < list[j].ChainID
	})
}

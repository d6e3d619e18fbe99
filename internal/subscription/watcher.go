package subscription

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
	"github.com/cygnus-wealth/evm-access/internal/connmgr"
	"github.com/cygnus-wealth/evm-access/internal/transport"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// watcher is the per-chain singleton task driving subscription emission.
// It snapshots the tracked-address sets at each tick; addresses added
// mid-tick are picked up on the next one.
type watcher struct {
	engine  *Engine
	chainID uint64
	src     ChainSource
	label   string

	mu sync.Mutex
	// address (lowercased) -> handle IDs. Watchers reference handles by ID
	// only; the engine registry resolves them at emission time.
	balanceAddrs  map[string]map[string]struct{}
	transferAddrs map[string]map[string]struct{}
	curKind       transport.Kind

	// lastProcessed is the newest block fully emitted. Carried across
	// transport swaps so no block is emitted twice or skipped.
	lastProcessed uint64

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	// wsRestored pokes the polling loop when the transport manager swaps
	// back to WS, so the switch happens before the next poll tick.
	wsRestored  chan struct{}
	unsubscribe func()
}

func newWatcher(e *Engine, chainID uint64, src ChainSource) *watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		engine:        e,
		chainID:       chainID,
		src:           src,
		label:         strconv.FormatUint(chainID, 10),
		balanceAddrs:  make(map[string]map[string]struct{}),
		transferAddrs: make(map[string]map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		doneCh:        make(chan struct{}),
		wsRestored:    make(chan struct{}, 1),
	}
	if e.bus != nil {
		w.unsubscribe = e.bus.Subscribe(func(evt events.Event) {
			if evt.ChainID != chainID {
				return
			}
			select {
			case w.wsRestored <- struct{}{}:
			default:
			}
		}, events.TransportRestoredToWS)
	}
	return w
}

// start launches the watcher loop; idempotent by construction (the engine
// creates at most one watcher per chain).
func (w *watcher) start() {
	go w.run()
}

func (w *watcher) stop() {
	w.cancel()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	<-w.doneCh
}

// track registers a handle's address with the watcher. O(1); the next tick
// picks the address up.
func (w *watcher) track(h *Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curKind != "" {
		h.setTransport(w.curKind)
	}
	set := w.balanceAddrs
	if h.Type == TypeTransactions {
		set = w.transferAddrs
	}
	ids, ok := set[h.Address]
	if !ok {
		ids = make(map[string]struct{})
		set[h.Address] = ids
	}
	ids[h.ID] = struct{}{}
}

// untrack removes a handle and reports whether the watcher is now empty.
// In-flight fetches are not cancelled; emission for the removed handle stops
// because the registry lookup misses.
func (w *watcher) untrack(h *Handle) (empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.balanceAddrs
	if h.Type == TypeTransactions {
		set = w.transferAddrs
	}
	if ids, ok := set[h.Address]; ok {
		delete(ids, h.ID)
		if len(ids) == 0 {
			delete(set, h.Address)
		}
	}
	return len(w.balanceAddrs) == 0 && len(w.transferAddrs) == 0
}

// snapshot copies the tracked sets for one tick. Balance addresses come out
// sorted so in-block emission order is deterministic.
func (w *watcher) snapshot() (balances []string, balanceIDs map[string][]string, transfers map[string][]string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	balanceIDs = make(map[string][]string, len(w.balanceAddrs))
	for addr, ids := range w.balanceAddrs {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		balanceIDs[addr] = list
		balances = append(balances, addr)
	}
	sort.Strings(balances)

	transfers = make(map[string][]string, len(w.transferAddrs))
	for addr, ids := range w.transferAddrs {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		transfers[addr] = list
	}
	return balances, balanceIDs, transfers
}

// run flips between WS and polling mode until stopped.
func (w *watcher) run() {
	defer close(w.doneCh)
	for {
		if w.ctx.Err() != nil {
			return
		}
		if ws, ok := w.engine.conns.ActiveWS(w.chainID); ok {
			w.runWS(ws)
		} else {
			w.runPolling()
		}
	}
}

// runWS consumes newHeads until the subscription dies or the watcher stops.
func (w *watcher) runWS(ws connmgr.WSTransport) {
	headCh := make(chan *types.Header, 16)
	sub, err := ws.SubscribeNewHead(w.ctx, headCh)
	if err != nil {
		w.engine.log.WithChain(w.chainID).WithError(err).Warn("newHeads subscribe failed")
		w.engine.conns.ReportWSLoss(w.chainID, err)
		// Let the connection manager settle before re-deciding the mode.
		select {
		case <-w.ctx.Done():
		case <-time.After(250 * time.Millisecond):
		}
		return
	}
	defer sub.Unsubscribe()
	w.markTransport(transport.KindWS)

	for {
		select {
		case <-w.ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				w.engine.log.WithChain(w.chainID).WithError(err).Warn("newHeads subscription lost")
				w.engine.conns.ReportWSLoss(w.chainID, err)
			}
			return
		case head := <-headCh:
			if head == nil || head.Number == nil {
				continue
			}
			current := head.Number.Uint64()
			w.processUpTo(current, "ws")
		}
	}
}

// runPolling drives the same processing off a timer. lastProcessed advances
// one block at a time, only after that block completes, so a mid-tick
// failure retries from the failed block instead of leaving a gap.
func (w *watcher) runPolling() {
	w.markTransport(transport.KindHTTP)
	ticker := time.NewTicker(w.engine.cfg.PollInterval)
	defer ticker.Stop()

	// Immediate first tick so subscribers aren't blind for a full interval.
	w.pollOnce()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wsRestored:
			return
		case <-ticker.C:
			if _, ok := w.engine.conns.ActiveWS(w.chainID); ok {
				return
			}
			w.pollOnce()
		}
	}
}

func (w *watcher) pollOnce() {
	current, err := w.src.LatestBlock(w.ctx)
	if err != nil {
		w.engine.log.WithChain(w.chainID).WithError(err).Warn("poll tick failed")
		return
	}
	w.processUpTo(current, "polling")
}

// processUpTo emits every block in (lastProcessed, current], in order.
func (w *watcher) processUpTo(current uint64, mode string) {
	if current == 0 {
		return
	}
	if w.lastProcessed == 0 {
		// First observation: start from the current head.
		w.lastProcessed = current - 1
	}
	if current <= w.lastProcessed {
		return
	}
	for n := w.lastProcessed + 1; n <= current; n++ {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.processBlock(n, mode); err != nil {
			w.engine.log.WithChain(w.chainID).WithFields(map[string]any{
				"block": n,
				"error": err.Error(),
			}).Warn("block processing failed, will retry")
			return // lastProcessed stays put; next tick retries from n
		}
		w.lastProcessed = n
	}
}

// processBlock runs the three per-block steps: block metadata, transfer
// logs, balance refresh. Within the block, transfers emit before balances,
// transfers in log-index order, balances in address order.
func (w *watcher) processBlock(number uint64, mode string) error {
	info, err := w.src.BlockInfo(w.ctx, number)
	if err != nil {
		return err
	}
	w.publish(events.LiveBlockReceived, info)
	if w.engine.metrics != nil {
		w.engine.metrics.BlocksProcessedTotal.WithLabelValues(w.label, mode).Inc()
	}

	balances, balanceIDs, transfers := w.snapshot()

	if len(transfers) > 0 {
		logs, err := w.src.TransferLogs(w.ctx, number, number)
		if err != nil {
			return err
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })
		for _, lg := range logs {
			w.emitTransfer(lg, info, transfers)
		}
	}

	if len(balances) > 0 {
		addrs := make([]common.Address, len(balances))
		for i, a := range balances {
			addrs[i] = common.HexToAddress(a)
		}
		amounts, err := w.src.BalancesAt(w.ctx, addrs, number)
		if err != nil {
			return err
		}
		asset := w.src.NativeAsset()
		for i, addr := range balances {
			update := model.BalanceUpdate{
				Address: addr,
				ChainID: w.chainID,
				Balance: model.Balance{
					AssetID: asset.ID,
					Asset:   asset,
					Amount:  amounts[i].String(),
				},
				BlockNumber: number,
				Timestamp:   time.Now(),
			}
			w.publish(events.LiveBalanceUpdated, update)
			for _, id := range balanceIDs[addr] {
				if h, ok := w.engine.handle(id); ok {
					h.pushBalance(update)
					h.recover()
				}
			}
		}
	}
	return nil
}

func (w *watcher) emitTransfer(lg types.Log, info *model.BlockInfo, transfers map[string][]string) {
	if len(lg.Topics) < 3 || lg.Topics[0] != transferTopic {
		return
	}
	from := chains.NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex())
	to := chains.NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())

	matched := make(map[string]struct{})
	for _, addr := range []string{from, to} {
		if _, tracked := transfers[addr]; tracked {
			matched[addr] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return
	}

	amount := "0"
	if len(lg.Data) >= 32 {
		amount = new(big.Int).SetBytes(lg.Data[:32]).String()
	}

	for addr := range matched {
		ev := model.TransferEvent{
			Address:     addr,
			ChainID:     w.chainID,
			Token:       w.src.AssetFor(lg.Address),
			From:        from,
			To:          to,
			Amount:      amount,
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Timestamp:   info.Timestamp,
		}
		w.publish(events.LiveTransferDetected, ev)
		for _, id := range transfers[addr] {
			h, ok := w.engine.handle(id)
			if !ok {
				continue
			}
			if !h.pushTransfer(ev) {
				if w.engine.metrics != nil {
					w.engine.metrics.EventsDroppedTotal.WithLabelValues(w.label, "transfer").Inc()
				}
				h.fail(apperrors.New(apperrors.KindData, "subscriber too slow, transfer buffer overflow"))
			}
		}
	}
}

func (w *watcher) markTransport(kind transport.Kind) {
	w.mu.Lock()
	w.curKind = kind
	ids := make([]string, 0)
	for _, set := range w.balanceAddrs {
		for id := range set {
			ids = append(ids, id)
		}
	}
	for _, set := range w.transferAddrs {
		for id := range set {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()
	for _, id := range ids {
		if h, ok := w.engine.handle(id); ok {
			h.setTransport(kind)
		}
	}
}

func (w *watcher) publish(t events.Type, data any) {
	if w.engine.bus != nil {
		w.engine.bus.Publish(events.Event{Type: t, ChainID: w.chainID, Data: data})
	}
}

// Package simulated is an in-process ledger that runs the vehicle access
// contract rules. It serves dev mode and tests in place of a JSON-RPC node.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
)

const (
	defaultGas   = 100_000
	subQueueSize = 256
)

var (
	gasTip  = big.NewInt(1_000_000_000)
	baseFee = big.NewInt(1_000_000_000)
)

// Backend implements ledger.Backend against an in-memory chain with a single
// deployed vehicle access contract.
type Backend struct {
	mu sync.Mutex

	schema   *ledger.Schema
	contract common.Address
	chainID  *big.Int
	signer   gethtypes.Signer
	autoMine bool

	head     uint64
	nonces   map[common.Address]uint64
	pending  []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	logs     []gethtypes.Log
	vehicles map[string]bool
	subs     map[*subscriber]struct{}

	filterErr error
	sendErr   error
}

type Option func(*Backend)

func WithChainID(id int64) Option {
	return func(b *Backend) { b.chainID = big.NewInt(id) }
}

// WithManualMining holds sent transactions until Commit is called.
func WithManualMining() Option {
	return func(b *Backend) { b.autoMine = false }
}

func New(contract common.Address, opts ...Option) *Backend {
	b := &Backend{
		schema:   ledger.DefaultSchema(),
		contract: contract,
		chainID:  big.NewInt(1337),
		autoMine: true,
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		vehicles: make(map[string]bool),
		subs:     make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.signer = gethtypes.LatestSignerForChainID(b.chainID)
	return b
}

func (b *Backend) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(gasTip), nil
}

func (b *Backend) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.head
	if number != nil {
		if !number.IsUint64() || number.Uint64() > b.head {
			return nil, ethereum.NotFound
		}
		n = number.Uint64()
	}
	return &gethtypes.Header{
		Number:  new(big.Int).SetUint64(n),
		BaseFee: new(big.Int).Set(baseFee),
	}, nil
}

// EstimateGas runs the contract rules against current state and reports a
// revert the way a node does.
func (b *Backend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	if call.To == nil || *call.To != b.contract {
		return defaultGas, nil
	}
	op, id, err := b.schema.DecodeCall(call.Data)
	if err != nil {
		return 0, fmt.Errorf("execution reverted: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if reason := b.check(op, id); reason != "" {
		return 0, fmt.Errorf("execution reverted: %s", reason)
	}
	return defaultGas, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	from, err := gethtypes.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	if want := b.nonces[from]; tx.Nonce() != want {
		b.mu.Unlock()
		return fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), want)
	}
	b.nonces[from]++
	b.pending = append(b.pending, tx)
	if !b.autoMine {
		b.mu.Unlock()
		return nil
	}
	deliveries := b.mineLocked()
	b.mu.Unlock()

	deliver(deliveries)
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filterErr != nil {
		return nil, b.filterErr
	}

	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := b.head
	if q.ToBlock != nil && q.ToBlock.Sign() >= 0 {
		to = q.ToBlock.Uint64()
	}

	var out []gethtypes.Log
	for _, l := range b.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if matches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (b *Backend) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	s := &subscriber{
		query: q,
		queue: make(chan gethtypes.Log, subQueueSize),
		done:  make(chan struct{}),
		kill:  make(chan error, 1),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer b.unsubscribe(s)
		for {
			select {
			case <-quit:
				return nil
			case err := <-s.kill:
				return err
			case l := <-s.queue:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// Commit mines every pending transaction into one new block, or an empty
// block when nothing is pending, and returns its height.
func (b *Backend) Commit() uint64 {
	b.mu.Lock()
	deliveries := b.mineLocked()
	head := b.head
	b.mu.Unlock()

	deliver(deliveries)
	return head
}

// Pending reports how many sent transactions await mining.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Backend) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Subscribers reports how many live subscriptions are open.
func (b *Backend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// FailFilter makes FilterLogs return err until called again with nil.
func (b *Backend) FailFilter(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterErr = err
}

// DropSubscriptions ends every open live subscription with err, the way a
// node does when the connection goes away.
func (b *Backend) DropSubscriptions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.kill <- err:
		default:
		}
	}
}

// FailSend makes SendTransaction return err until called again with nil.
func (b *Backend) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Seed writes vehicles straight into a new block, emitting AccessChanged for
// every vehicle listed in granted. Dev mode uses it for a non-empty start.
func (b *Backend) Seed(vehicles, granted []string) error {
	b.mu.Lock()

	grant := make(map[string]bool, len(granted))
	for _, g := range granted {
		grant[g] = true
	}

	b.head++
	var deliveries []delivery
	var idx uint
	for i, id := range vehicles {
		if id == "" {
			continue
		}
		if _, ok := b.vehicles[id]; ok {
			b.mu.Unlock()
			return fmt.Errorf("seed %q: vehicle already exists", id)
		}
		b.vehicles[id] = false
		if !grant[id] {
			continue
		}
		b.vehicles[id] = true
		l, err := b.newLog(id, true, crypto.Keccak256Hash([]byte("seed:"+id)), uint(i), idx)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		idx++
		b.logs = append(b.logs, l)
		deliveries = append(deliveries, b.fanoutLocked(l)...)
	}
	b.mu.Unlock()

	deliver(deliveries)
	return nil
}

// check returns a revert reason, or "" when op may execute.
func (b *Backend) check(op ledger.Operation, id string) string {
	if id == "" {
		return "empty vehicle id"
	}
	_, exists := b.vehicles[id]
	switch op {
	case ledger.OpCreateVehicle:
		if exists {
			return "vehicle already exists"
		}
	case ledger.OpGrantAccess, ledger.OpRevokeAccess:
		if !exists {
			return "vehicle does not exist"
		}
	default:
		return "unknown operation"
	}
	return ""
}

func (b *Backend) mineLocked() []delivery {
	b.head++
	blockHash := crypto.Keccak256Hash([]byte("block:" + strconv.FormatUint(b.head, 10)))

	var deliveries []delivery
	var logIndex uint
	for i, tx := range b.pending {
		r := &gethtypes.Receipt{
			Type:             tx.Type(),
			Status:           gethtypes.ReceiptStatusSuccessful,
			TxHash:           tx.Hash(),
			BlockHash:        blockHash,
			BlockNumber:      new(big.Int).SetUint64(b.head),
			TransactionIndex: uint(i),
			GasUsed:          defaultGas,
		}

		op, id, err := b.schema.DecodeCall(tx.Data())
		if err != nil || tx.To() == nil || *tx.To() != b.contract || b.check(op, id) != "" {
			r.Status = gethtypes.ReceiptStatusFailed
			b.receipts[tx.Hash()] = r
			continue
		}

		var emit *bool
		switch op {
		case ledger.OpCreateVehicle:
			b.vehicles[id] = false
		case ledger.OpGrantAccess:
			b.vehicles[id] = true
			emit = boolPtr(true)
		case ledger.OpRevokeAccess:
			b.vehicles[id] = false
			emit = boolPtr(false)
		}

		if emit != nil {
			l, err := b.newLog(id, *emit, tx.Hash(), uint(i), logIndex)
			if err != nil {
				r.Status = gethtypes.ReceiptStatusFailed
				b.receipts[tx.Hash()] = r
				continue
			}
			l.BlockHash = blockHash
			logIndex++
			b.logs = append(b.logs, l)
			r.Logs = append(r.Logs, &l)
			deliveries = append(deliveries, b.fanoutLocked(l)...)
		}
		b.receipts[tx.Hash()] = r
	}
	b.pending = nil
	return deliveries
}

func (b *Backend) newLog(id string, state bool, txHash common.Hash, txIndex, index uint) (gethtypes.Log, error) {
	data, topics, err := b.schema.EncodeAccessChanged(id, state)
	if err != nil {
		return gethtypes.Log{}, err
	}
	return gethtypes.Log{
		Address:     b.contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: b.head,
		TxHash:      txHash,
		TxIndex:     txIndex,
		Index:       index,
	}, nil
}

func (b *Backend) fanoutLocked(l gethtypes.Log) []delivery {
	var out []delivery
	for s := range b.subs {
		if matches(s.query, l) {
			out = append(out, delivery{sub: s, log: l})
		}
	}
	return out
}

func (b *Backend) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.done)
	}
}

type subscriber struct {
	query ethereum.FilterQuery
	queue chan gethtypes.Log
	done  chan struct{}
	kill  chan error
}

type delivery struct {
	sub *subscriber
	log gethtypes.Log
}

func deliver(ds []delivery) {
	for _, d := range ds {
		select {
		case d.sub.queue <- d.log:
		case <-d.sub.done:
		}
	}
}

func matches(q ethereum.FilterQuery, l gethtypes.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, set := range q.Topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range set {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func boolPtr(v bool) *bool { return &v }

// ErrInjected is a convenience error for fault-injection in tests.
var ErrInjected = errors.New("simulated: injected failure")

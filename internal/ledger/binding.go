package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// Backend is the subset of an Ethereum JSON-RPC client the binding needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ethereum.LogFilterer
	ethereum.TransactionSender
	ethereum.GasEstimator

	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Session is what a binding needs from an authenticated operator session.
// The signing key itself never reaches the binding.
type Session interface {
	Account() common.Address
	ChainID() *big.Int
	Backend() Backend
	SignTx(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Transaction, error)
}

var (
	ErrNoSession   = errors.New("ledger: session is required")
	ErrNoAddress   = errors.New("ledger: contract address is required")
	ErrNoSchema    = errors.New("ledger: schema is required")
	ErrSign        = errors.New("ledger: signer declined transaction")
	ErrSend        = errors.New("ledger: transaction not accepted")
	ErrGasEstimate = errors.New("ledger: gas estimation failed")
)

// Binding pairs one contract address and schema with one session. It is
// never mutated; a new session means a new binding.
type Binding struct {
	address  common.Address
	schema   *Schema
	session  Session
	gasLimit uint64
}

type BindOption func(*Binding)

// WithGasLimit skips gas estimation and uses a fixed limit.
func WithGasLimit(limit uint64) BindOption {
	return func(b *Binding) { b.gasLimit = limit }
}

// Bind performs no network I/O.
func Bind(s Session, address common.Address, schema *Schema, opts ...BindOption) (*Binding, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	if address == (common.Address{}) {
		return nil, ErrNoAddress
	}
	if schema == nil {
		return nil, ErrNoSchema
	}
	b := &Binding{address: address, schema: schema, session: s}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Binding) Address() common.Address { return b.address }
func (b *Binding) Account() common.Address { return b.session.Account() }
func (b *Binding) Schema() *Schema         { return b.schema }

// Transact signs and sends one contract call. It returns once the node has
// accepted the transaction for inclusion.
func (b *Binding) Transact(ctx context.Context, op Operation, args ...any) (*gethtypes.Transaction, error) {
	data, err := b.schema.Pack(op, args...)
	if err != nil {
		return nil, err
	}

	backend := b.session.Backend()
	from := b.session.Account()

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSend, err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas tip: %v", ErrSend, err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", ErrSend, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := b.gasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        &b.address,
			GasFeeCap: feeCap,
			GasTipCap: tip,
			Data:      data,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGasEstimate, err)
		}
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   b.session.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &b.address,
		Data:      data,
	})

	signed, err := b.session.SignTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSend, err)
	}
	return signed, nil
}

// Receipt returns ethereum.NotFound (possibly wrapped by the transport) while
// the transaction is not yet included.
func (b *Binding) Receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return b.session.Backend().TransactionReceipt(ctx, hash)
}

// Head returns the current block height.
func (b *Binding) Head(ctx context.Context) (uint64, error) {
	h, err := b.session.Backend().HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	return h.Number.Uint64(), nil
}

func (b *Binding) filterQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{{b.schema.AccessChangedID()}},
	}
}

// FilterAccessChanged replays every AccessChanged event in [from, to], in
// ledger order.
func (b *Binding) FilterAccessChanged(ctx context.Context, from, to uint64) ([]types.AccessEvent, error) {
	q := b.filterQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := b.session.Backend().FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", EventAccessChanged, err)
	}

	out := make([]types.AccessEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		e, err := b.schema.Decode(l)
		if err != nil {
			return nil, fmt.Errorf("decode log %s/%d: %w", l.TxHash.Hex(), l.Index, err)
		}
		e.Source = types.SourceHistory
		out = append(out, e)
	}
	types.SortEvents(out)
	return out, nil
}

// WatchAccessChanged opens a live subscription for AccessChanged logs emitted
// from now on. The caller owns the subscription and must Unsubscribe.
func (b *Binding) WatchAccessChanged(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	sub, err := b.session.Backend().SubscribeFilterLogs(ctx, b.filterQuery(), sink)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", EventAccessChanged, err)
	}
	return sub, nil
}

// Decode decodes one AccessChanged log.
func (b *Binding) Decode(l gethtypes.Log) (types.AccessEvent, error) {
	return b.schema.Decode(l)
}

// IsNotFound reports whether a receipt lookup failed only because the
// transaction is not included yet.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), ethereum.NotFound.Error())
}

// IsRevert reports whether err carries an EVM execution revert, as returned
// by eth_estimateGas or eth_call.
func IsRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/metrics"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

const (
	DefaultConfirmTimeout = 2 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

// TxState is the lifecycle of one submitted transaction.
type TxState int

const (
	TxIdle TxState = iota
	TxSubmitted
	TxConfirmed
	TxReverted
	TxTimedOut
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxSubmitted:
		return "submitted"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	case TxTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// TxHandle tracks one transaction from submission to its single terminal
// outcome.
type TxHandle struct {
	Kind        types.ActionKind
	VehicleID   string
	SubmittedAt time.Time

	binding *ledger.Binding
	tx      *gethtypes.Transaction

	mu      sync.Mutex
	state   TxState
	outcome types.Outcome
	err     error
}

func (h *TxHandle) Hash() common.Hash { return h.tx.Hash() }

func (h *TxHandle) State() TxState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExecutorConfig holds the parameters for NewExecutor.
type ExecutorConfig struct {
	// ConfirmTimeout bounds Await. Defaults to DefaultConfirmTimeout.
	ConfirmTimeout time.Duration

	// PollInterval is how often the receipt is polled. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	// Confirmations is how many blocks, counting the including one, must
	// exist before a receipt counts. 0 and 1 both mean inclusion.
	Confirmations uint64

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Executor submits contract calls and waits for their outcome. It holds no
// per-transaction state and is safe for concurrent use.
type Executor struct {
	confirmTimeout time.Duration
	pollInterval   time.Duration
	confirmations  uint64
	logger         logrus.FieldLogger
	metrics        *metrics.Metrics
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Executor{
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		confirmations:  cfg.Confirmations,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

func operationFor(kind types.ActionKind) (ledger.Operation, error) {
	switch kind {
	case types.ActionCreate:
		return ledger.OpCreateVehicle, nil
	case types.ActionGrant:
		return ledger.OpGrantAccess, nil
	case types.ActionRevoke:
		return ledger.OpRevokeAccess, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", kind)
	}
}

// Submit signs and sends the contract call for kind. A revert reported by
// gas estimation surfaces as ErrReverted; every other failure before the
// node accepts the transaction is ErrSubmissionRejected.
func (e *Executor) Submit(ctx context.Context, b *ledger.Binding, kind types.ActionKind, vehicleID string) (*TxHandle, error) {
	if b == nil {
		return nil, ErrNotReady
	}
	if vehicleID == "" {
		return nil, ErrInvalidVehicleID
	}
	op, err := operationFor(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	log := e.logger.WithFields(logrus.Fields{"kind": kind, "vehicle_id": vehicleID})

	tx, err := b.Transact(ctx, op, vehicleID)
	if err != nil {
		if errors.Is(err, ledger.ErrGasEstimate) && ledger.IsRevert(err) {
			log.WithError(err).Warn("transaction would revert")
			return nil, fmt.Errorf("%w: %w", ErrReverted, err)
		}
		log.WithError(err).Warn("transaction submission rejected")
		return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	e.metrics.IncInFlight()
	log.WithField("tx", tx.Hash().Hex()).Info("transaction submitted")

	return &TxHandle{
		Kind:        kind,
		VehicleID:   vehicleID,
		SubmittedAt: time.Now().UTC(),
		binding:     b,
		tx:          tx,
		state:       TxSubmitted,
		outcome:     types.OutcomePending,
	}, nil
}

// Await blocks until h reaches a terminal state. A failed receipt is
// ErrReverted; no confirmation within ConfirmTimeout, or ctx ending first,
// is ErrTimeout and leaves the outcome ambiguous. Awaiting a terminal
// handle returns its recorded outcome without touching the ledger.
func (e *Executor) Await(ctx context.Context, h *TxHandle) (types.Outcome, error) {
	if h == nil {
		return "", errors.New("nil transaction handle")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case TxIdle:
		return "", errors.New("transaction not submitted")
	case TxSubmitted:
	default:
		return h.outcome, h.err
	}

	wctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	log := e.logger.WithFields(logrus.Fields{
		"kind":       h.Kind,
		"vehicle_id": h.VehicleID,
		"tx":         h.Hash().Hex(),
	})

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	defer e.metrics.DecInFlight()

	var lastErr error
	for {
		done, err := e.poll(wctx, h)
		switch {
		case done && err == nil:
			h.finish(TxConfirmed, types.OutcomeConfirmed, nil)
			log.Info("transaction confirmed")
			return h.outcome, nil
		case done:
			h.finish(TxReverted, types.OutcomeReverted, err)
			log.WithError(err).Warn("transaction reverted")
			return h.outcome, h.err
		case err != nil:
			lastErr = err
			log.WithError(err).Debug("receipt poll failed")
		}

		select {
		case <-wctx.Done():
			cause := wctx.Err()
			if lastErr != nil && ctx.Err() == nil {
				cause = fmt.Errorf("%w (last poll error: %v)", cause, lastErr)
			}
			h.finish(TxTimedOut, types.OutcomeAmbiguous, fmt.Errorf("%w: %w", ErrTimeout, cause))
			log.WithError(h.err).Warn("transaction outcome unknown")
			return h.outcome, h.err
		case <-ticker.C:
		}
	}
}

// poll reports done once the receipt is final. A non-nil error with done
// set is a revert; with done unset it is a transient lookup failure.
func (e *Executor) poll(ctx context.Context, h *TxHandle) (bool, error) {
	r, err := h.binding.Receipt(ctx, h.Hash())
	if err != nil {
		if ledger.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if r.Status != gethtypes.ReceiptStatusSuccessful {
		return true, fmt.Errorf("%w: status %d in block %s", ErrReverted, r.Status, r.BlockNumber)
	}
	if e.confirmations > 1 && r.BlockNumber != nil {
		head, err := h.binding.Head(ctx)
		if err != nil {
			return false, err
		}
		if head+1 < r.BlockNumber.Uint64()+e.confirmations {
			return false, nil
		}
	}
	return true, nil
}

// finish must be called with h.mu held.
func (h *TxHandle) finish(state TxState, outcome types.Outcome, err error) {
	h.state = state
	h.outcome = outcome
	h.err = err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/metrics"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

const liveBuffer = 128

// ReconcilerConfig holds the parameters for NewReconciler.
type ReconcilerConfig struct {
	// FromBlock is the first block replayed. 0 replays the whole chain.
	FromBlock uint64

	// RenderLive publishes a provisional snapshot for every new live event
	// instead of waiting for the follow-up replay.
	RenderLive bool

	// Confirmations is the depth a block needs before its events count. It
	// matches the executor, so state never moves ahead of a confirmed
	// action. Values above 1 turn RenderLive off.
	Confirmations uint64

	// PollInterval paces the replays that wait for unsettled blocks to
	// reach depth. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// OnSubscriptionError is called once if the live subscription fails.
	OnSubscriptionError func(error)

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Reconciler keeps the event index of one binding in step with the ledger.
// Live deliveries land in the index as they arrive; Reconcile replaces the
// history part with an authoritative replay. Readers get immutable
// snapshots.
type Reconciler struct {
	binding *ledger.Binding
	store   store.AccessEventStore
	cfg     ReconcilerConfig
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	// reconcileMu serializes replays; publishMu orders index rewrites with
	// snapshot publication.
	reconcileMu sync.Mutex
	publishMu   sync.Mutex
	snap        atomic.Pointer[types.Snapshot]

	// replayed is set by the first successful replay; unsettled while the
	// index holds events not yet at depth.
	replayed  atomic.Bool
	unsettled atomic.Bool

	errMu        sync.Mutex
	reconcileErr error
	subErr       error

	mu      sync.Mutex
	sub     ethereum.Subscription
	cancel  context.CancelFunc
	refresh chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

func NewReconciler(b *ledger.Binding, st store.AccessEventStore, cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	r := &Reconciler{
		binding: b,
		store:   st,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		refresh: make(chan struct{}, 1),
	}
	empty := types.BuildSnapshot(nil, 0, time.Now().UTC())
	r.snap.Store(&empty)
	return r
}

// Open starts the live subscription. It subscribes exactly once; the pump
// and refresher goroutines run until Close.
func (r *Reconciler) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.sub != nil {
		return errors.New("reconciler already open")
	}

	sink := make(chan gethtypes.Log, liveBuffer)
	sub, err := r.binding.WatchAccessChanged(ctx, sink)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.sub = sub
	r.cancel = cancel

	r.wg.Add(2)
	go r.pump(loopCtx, sub, sink)
	go r.refresher(loopCtx)

	r.logger.WithField("contract", r.binding.Address().Hex()).Info("live subscription opened")
	return nil
}

// Close unsubscribes, stops the goroutines and waits for them. It is safe
// to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub, cancel := r.sub, r.cancel
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if sub != nil {
		r.logger.Info("live subscription closed")
	}
}

// Snapshot returns the last published snapshot. It is never nil.
func (r *Reconciler) Snapshot() *types.Snapshot {
	return r.snap.Load()
}

// Replayed reports whether a replay has ever succeeded. Until then the
// snapshot says nothing about the ledger.
func (r *Reconciler) Replayed() bool {
	return r.replayed.Load()
}

// LastError returns the error of the most recent reconcile, or the
// subscription failure when the last reconcile succeeded.
func (r *Reconciler) LastError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.reconcileErr != nil {
		return r.reconcileErr
	}
	return r.subErr
}

// Reconcile replays the ledger up to its current head and rebuilds the
// snapshot. On failure the previous snapshot stays published.
func (r *Reconciler) Reconcile(ctx context.Context) (types.LogView, error) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	start := time.Now()
	snap, err := r.reconcile(ctx)
	r.metrics.ObserveReconcile(err, time.Since(start))

	r.errMu.Lock()
	r.reconcileErr = err
	r.errMu.Unlock()

	if err != nil {
		r.logger.WithError(err).Warn("reconcile failed, keeping last snapshot")
		return r.Snapshot().Logs, err
	}

	r.logger.WithFields(logrus.Fields{
		"head":   snap.Head,
		"events": len(snap.Events),
	}).Debug("reconciled")
	return snap.Logs, nil
}

func (r *Reconciler) reconcile(ctx context.Context) (*types.Snapshot, error) {
	head, err := r.binding.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
	}

	settled, ok := r.settledHead(head)

	var history []types.AccessEvent
	if ok && settled >= r.cfg.FromBlock {
		history, err = r.binding.FilterAccessChanged(ctx, r.cfg.FromBlock, settled)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
		}
	}

	now := time.Now().UTC()
	for i := range history {
		history[i].ObservedAt = now
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if err := r.store.ReplaceHistory(ctx, history, settled); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
	}
	events, err := r.store.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
	}

	events, unsettled := r.dropUnsettled(events, settled, ok)
	snap := types.BuildSnapshot(events, settled, now)
	r.snap.Store(&snap)
	r.unsettled.Store(unsettled)
	r.replayed.Store(true)
	return &snap, nil
}

// settledHead returns the highest block at confirmation depth. ok is false
// while the chain is shorter than the depth.
func (r *Reconciler) settledHead(head uint64) (uint64, bool) {
	depth := r.cfg.Confirmations - 1
	if head < depth {
		return 0, false
	}
	return head - depth, true
}

// dropUnsettled removes live events above the settled head and reports
// whether there were any.
func (r *Reconciler) dropUnsettled(events []types.AccessEvent, settled uint64, ok bool) ([]types.AccessEvent, bool) {
	if r.cfg.Confirmations <= 1 {
		return events, false
	}
	out := events[:0]
	for _, e := range events {
		if ok && e.Key.Block <= settled {
			out = append(out, e)
		}
	}
	return out, len(out) < len(events)
}

// publishProvisional rebuilds the snapshot from the index as it stands,
// keeping the head of the last replay.
func (r *Reconciler) publishProvisional(ctx context.Context) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	events, err := r.store.Events(ctx)
	if err != nil {
		return err
	}
	snap := types.BuildSnapshot(events, r.Snapshot().Head, time.Now().UTC())
	r.snap.Store(&snap)
	return nil
}

func (r *Reconciler) pump(ctx context.Context, sub ethereum.Subscription, sink <-chan gethtypes.Log) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if !ok {
				return
			}
			r.errMu.Lock()
			r.subErr = fmt.Errorf("live subscription: %w", err)
			r.errMu.Unlock()
			r.logger.WithError(err).Error("live subscription failed")
			if r.cfg.OnSubscriptionError != nil {
				r.cfg.OnSubscriptionError(err)
			}
			return
		case l := <-sink:
			r.handleLive(ctx, l)
		}
	}
}

func (r *Reconciler) handleLive(ctx context.Context, l gethtypes.Log) {
	ev, err := r.binding.Decode(l)
	if err != nil {
		r.metrics.IncLiveEvent("invalid")
		r.logger.WithError(err).WithField("tx", l.TxHash.Hex()).Warn("undecodable live log")
		return
	}
	ev.Source = types.SourceLive
	ev.ObservedAt = time.Now().UTC()

	log := r.logger.WithFields(logrus.Fields{
		"vehicle_id": ev.VehicleID,
		"tx":         ev.TxHash,
		"key":        ev.Key.String(),
	})

	if l.Removed {
		if err := r.store.Retract(ctx, ev.DedupKey()); err != nil {
			log.WithError(err).Warn("retract live event")
			return
		}
		r.metrics.IncLiveEvent("removed")
		log.Info("live event removed by reorg")
		r.publishAndSchedule(ctx, log)
		return
	}

	added, err := r.store.AddLive(ctx, ev)
	if err != nil {
		log.WithError(err).Warn("index live event")
		return
	}
	if !added {
		r.metrics.IncLiveEvent("duplicate")
		return
	}
	r.metrics.IncLiveEvent("added")
	log.Info(ev.LogLine())
	r.publishAndSchedule(ctx, log)
}

func (r *Reconciler) publishAndSchedule(ctx context.Context, log logrus.FieldLogger) {
	if r.cfg.RenderLive && r.cfg.Confirmations <= 1 {
		if err := r.publishProvisional(ctx); err != nil {
			log.WithError(err).Warn("publish provisional snapshot")
		}
	}
	r.scheduleRefresh()
}

// scheduleRefresh requests a replay. Requests made while one is pending
// collapse into it.
func (r *Reconciler) scheduleRefresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// refresher runs scheduled replays. While events wait for depth it keeps
// replaying every PollInterval.
func (r *Reconciler) refresher(ctx context.Context) {
	defer r.wg.Done()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.refresh:
		case <-retry:
		}
		retry = nil
		if _, err := r.Reconcile(ctx); err == nil && r.unsettled.Load() {
			retry = time.After(r.cfg.PollInterval)
		}
	}
}

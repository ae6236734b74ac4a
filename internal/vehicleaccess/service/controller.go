package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/metrics"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/session"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store/memory"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

const defaultMaxActions = 50

// StatusReporter learns whether a ledger binding is live.
type StatusReporter interface {
	SetReady(ready bool)
}

// ControllerConfig holds the parameters for NewController.
type ControllerConfig struct {
	Provider    session.Provider
	Contract    common.Address
	Schema      *ledger.Schema
	BindOptions []ledger.BindOption

	Executor *Executor

	// NewStore builds the event index of each binding. Defaults to a
	// memory index.
	NewStore store.Factory

	FromBlock  uint64
	RenderLive bool

	// MaxActions bounds the action records kept for the view.
	MaxActions int

	Status  StatusReporter
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Controller owns the operator session and the single live binding, and
// drives the create, grant and revoke actions against it.
type Controller struct {
	provider   session.Provider
	contract   common.Address
	schema     *ledger.Schema
	bindOpts   []ledger.BindOption
	exec       *Executor
	newStore   store.Factory
	fromBlock  uint64
	renderLive bool
	maxActions int
	status     StatusReporter
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics

	// initMu serializes Initialize.
	initMu sync.Mutex

	// mu guards everything below. It is never held across ledger I/O.
	mu        sync.Mutex
	closed    bool
	live      *binding
	initErr   error
	vehicleID string
	busy      map[string]types.ActionKind
	loading   map[types.ActionKind]int
	actions   []types.PendingAction
}

// binding is everything that lives and dies with one session.
type binding struct {
	sess         *session.Session
	ledger       *ledger.Binding
	rec          *Reconciler
	releaseStore func()
}

func (b *binding) close() {
	if b == nil {
		return
	}
	b.rec.Close()
	if b.releaseStore != nil {
		b.releaseStore()
	}
	b.sess.Close()
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session provider is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, ledger.ErrNoAddress
	}
	if cfg.Schema == nil {
		cfg.Schema = ledger.DefaultSchema()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Executor == nil {
		cfg.Executor = NewExecutor(ExecutorConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.NewStore == nil {
		cfg.NewStore = memory.Factory
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = defaultMaxActions
	}

	return &Controller{
		provider:   cfg.Provider,
		contract:   cfg.Contract,
		schema:     cfg.Schema,
		bindOpts:   cfg.BindOptions,
		exec:       cfg.Executor,
		newStore:   cfg.NewStore,
		fromBlock:  cfg.FromBlock,
		renderLive: cfg.RenderLive,
		maxActions: cfg.MaxActions,
		status:     cfg.Status,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		busy:       make(map[string]types.ActionKind),
		loading:    make(map[types.ActionKind]int),
	}, nil
}

// Initialize requests a session and binds the contract to it, replacing any
// existing binding. The old subscription is closed before the new one
// opens. On failure the controller is left unauthenticated.
func (c *Controller) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.live
	c.live = nil
	c.mu.Unlock()

	if old != nil {
		c.reportReady(false)
		old.close()
		c.logger.WithField("account", old.sess.Account().Hex()).Info("previous binding released")
	}

	nb, err := c.bind(ctx)
	if err != nil {
		c.mu.Lock()
		c.initErr = err
		c.mu.Unlock()
		c.logger.WithError(err).Warn("initialization failed")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nb.close()
		return ErrClosed
	}
	c.live = nb
	c.initErr = nil
	c.mu.Unlock()

	c.reportReady(true)
	c.logger.WithFields(logrus.Fields{
		"account":  nb.sess.Account().Hex(),
		"contract": c.contract.Hex(),
		"head":     nb.rec.Snapshot().Head,
	}).Info("session established")
	return nil
}

func (c *Controller) bind(ctx context.Context) (*binding, error) {
	sess, err := c.provider.RequestSession(ctx)
	if err != nil {
		return nil, err
	}

	lb, err := ledger.Bind(sess, c.contract, c.schema, c.bindOpts...)
	if err != nil {
		sess.Close()
		return nil, err
	}

	st, release, err := c.newStore(ctx)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("event index: %w", err)
	}

	nb := &binding{sess: sess, ledger: lb, releaseStore: release}
	nb.rec = NewReconciler(lb, st, ReconcilerConfig{
		FromBlock:           c.fromBlock,
		RenderLive:          c.renderLive,
		Confirmations:       c.exec.confirmations,
		PollInterval:        c.exec.pollInterval,
		OnSubscriptionError: func(error) { c.subscriptionLost(nb) },
		Logger:              c.logger,
		Metrics:             c.metrics,
	})
	rec := nb.rec

	if err := rec.Open(ctx); err != nil {
		nb.close()
		return nil, err
	}

	// A failed first replay keeps the binding; the error shows in the view
	// and the next live event or action schedules another replay.
	_, _ = rec.Reconcile(ctx)

	return nb, nil
}

// subscriptionLost marks the controller not ready when the live binding can
// no longer hear the ledger. Initialize recovers.
func (c *Controller) subscriptionLost(b *binding) {
	c.mu.Lock()
	current := c.live == b
	c.mu.Unlock()
	if current {
		c.reportReady(false)
		c.logger.Warn("live subscription lost, re-initialize to recover")
	}
}

func (c *Controller) reportReady(ready bool) {
	if c.status != nil {
		c.status.SetReady(ready)
	}
}

// Close releases the binding. Further calls fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.live
	c.live = nil
	c.mu.Unlock()

	c.reportReady(false)
	old.close()
}

func (c *Controller) CreateVehicle(ctx context.Context, vehicleID string) error {
	return c.act(ctx, types.ActionCreate, vehicleID)
}

func (c *Controller) GrantAccess(ctx context.Context, vehicleID string) error {
	return c.act(ctx, types.ActionGrant, vehicleID)
}

func (c *Controller) RevokeAccess(ctx context.Context, vehicleID string) error {
	return c.act(ctx, types.ActionRevoke, vehicleID)
}

func (c *Controller) act(ctx context.Context, kind types.ActionKind, vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return ErrInvalidVehicleID
	}

	log := c.logger.WithFields(logrus.Fields{"kind": kind, "vehicle_id": vehicleID})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.live == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	current := c.live.rec
	c.mu.Unlock()

	// Without a replay the snapshot cannot tell granted from revoked.
	if !current.Replayed() {
		if _, err := current.Reconcile(ctx); err != nil {
			return fmt.Errorf("%w: ledger history unavailable: %w", ErrNotReady, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.live == nil || !c.live.rec.Replayed() {
		c.mu.Unlock()
		return ErrNotReady
	}
	if _, busy := c.busy[vehicleID]; busy {
		c.mu.Unlock()
		return ErrConflict
	}
	lb := c.live.ledger

	granted := c.live.rec.Snapshot().Granted(vehicleID)
	if (kind == types.ActionGrant && granted) || (kind == types.ActionRevoke && !granted) {
		c.mu.Unlock()
		log.WithField("granted", granted).Info("access already in requested state, nothing submitted")
		return nil
	}

	c.busy[vehicleID] = kind
	c.loading[kind]++
	rec := types.PendingAction{
		ID:          uuid.NewString(),
		Kind:        kind,
		VehicleID:   vehicleID,
		SubmittedAt: time.Now().UTC(),
		Outcome:     types.OutcomePending,
	}
	c.appendActionLocked(rec)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.busy, vehicleID)
		c.loading[kind]--
		c.mu.Unlock()
	}()

	start := time.Now()

	h, err := c.exec.Submit(ctx, lb, kind, vehicleID)
	if err != nil {
		outcome := types.OutcomeRejected
		if errors.Is(err, ErrReverted) {
			outcome = types.OutcomeReverted
		}
		c.finishAction(rec.ID, "", outcome, err)
		c.metrics.ObserveAction(string(kind), string(outcome), time.Since(start))
		return err
	}
	c.updateAction(rec.ID, func(a *types.PendingAction) { a.TxHash = h.Hash().Hex() })

	outcome, err := c.exec.Await(ctx, h)
	c.finishAction(rec.ID, h.Hash().Hex(), outcome, err)
	c.metrics.ObserveAction(string(kind), string(outcome), time.Since(start))
	if err != nil {
		return err
	}

	// The replay runs against whichever binding is live now; a binding
	// replaced mid-action has already been closed.
	c.mu.Lock()
	current = nil
	if c.live != nil {
		current = c.live.rec
	}
	c.mu.Unlock()
	if current != nil {
		if _, err := current.Reconcile(ctx); err != nil {
			log.WithError(err).Warn("confirmed, but the refresh failed")
		}
	}

	log.WithField("tx", h.Hash().Hex()).Info("action confirmed")
	return nil
}

// appendActionLocked must be called with c.mu held.
func (c *Controller) appendActionLocked(a types.PendingAction) {
	c.actions = append(c.actions, a)
	if over := len(c.actions) - c.maxActions; over > 0 {
		c.actions = slices.Delete(c.actions, 0, over)
	}
}

func (c *Controller) updateAction(id string, fn func(*types.PendingAction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.actions {
		if c.actions[i].ID == id {
			fn(&c.actions[i])
			return
		}
	}
}

func (c *Controller) finishAction(id, txHash string, outcome types.Outcome, err error) {
	c.updateAction(id, func(a *types.PendingAction) {
		if txHash != "" {
			a.TxHash = txHash
		}
		a.Terminal = true
		a.Outcome = outcome
		a.CompletedAt = time.Now().UTC()
		if err != nil {
			a.Error = err.Error()
		}
	})
}

// SetVehicleID stores the vehicle ID the operator is working on.
func (c *Controller) SetVehicleID(vehicleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vehicleID = strings.TrimSpace(vehicleID)
}

// Logs returns the current log view. It is empty until a binding is live.
func (c *Controller) Logs() types.LogView {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if live == nil {
		return types.LogView{}
	}
	return slices.Clone(live.rec.Snapshot().Logs)
}

// View assembles everything the presentation layer renders.
func (c *Controller) View() types.View {
	c.mu.Lock()
	v := types.View{
		VehicleID: c.vehicleID,
		Loading: types.Loading{
			Create: c.loading[types.ActionCreate] > 0,
			Grant:  c.loading[types.ActionGrant] > 0,
			Revoke: c.loading[types.ActionRevoke] > 0,
		},
		Actions:     slices.Clone(c.actions),
		AccessState: map[string]bool{},
		Logs:        types.LogView{},
	}
	if c.initErr != nil {
		v.InitError = c.initErr.Error()
	}
	live := c.live
	c.mu.Unlock()

	// newest first
	slices.Reverse(v.Actions)

	if live == nil {
		return v
	}

	snap := live.rec.Snapshot()
	v.Ready = true
	v.Account = live.sess.Account().Hex()
	v.AccessGranted = snap.Granted(v.VehicleID)
	v.AccessState = maps.Clone(snap.State)
	v.Logs = slices.Clone(snap.Logs)
	v.Head = snap.Head
	if err := live.rec.LastError(); err != nil {
		v.ReconcileError = err.Error()
	}
	return v
}

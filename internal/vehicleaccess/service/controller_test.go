package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger/simulated"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/metrics"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/session"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/service"
	sqlitestore "github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store/sqlite"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

var contract = common.HexToAddress("0x439cE8dD9e8C64857f6C86bc571494E6dF92F3d4")

type statusRecorder struct {
	mu    sync.Mutex
	ready bool
	calls int
}

func (s *statusRecorder) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
	s.calls++
}

func (s *statusRecorder) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

type harness struct {
	backend *simulated.Backend
	ctrl    *service.Controller
	status  *statusRecorder
	metrics *metrics.Metrics
}

func keyProvider(t *testing.T, backend *simulated.Backend) session.Provider {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return session.KeyProvider{
		PrivateKeyHex: common.Bytes2Hex(crypto.FromECDSA(key)),
		Dial:          session.DialBackend(backend),
	}
}

// newHarness builds a controller over a simulated ledger. mod, when set,
// adjusts the config before the controller is built.
func newHarness(t *testing.T, mod func(*service.ControllerConfig), opts ...simulated.Option) *harness {
	t.Helper()

	backend := simulated.New(contract, opts...)
	logger, _ := test.NewNullLogger()
	m := metrics.New(prometheus.NewRegistry())
	status := &statusRecorder{}

	cfg := service.ControllerConfig{
		Provider: keyProvider(t, backend),
		Contract: contract,
		Executor: service.NewExecutor(service.ExecutorConfig{
			ConfirmTimeout: 2 * time.Second,
			PollInterval:   5 * time.Millisecond,
			Logger:         logger,
			Metrics:        m,
		}),
		RenderLive: true,
		Status:     status,
		Logger:     logger,
		Metrics:    m,
	}
	if mod != nil {
		mod(&cfg)
	}

	ctrl, err := service.NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	return &harness{backend: backend, ctrl: ctrl, status: status, metrics: m}
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Initialize(context.Background()))
}

// ── Readiness ────────────────────────────────────────────────────────────────

func TestController_NotReadyBeforeInitialize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.CreateVehicle(ctx, "V1"), service.ErrNotReady)
	assert.ErrorIs(t, h.ctrl.GrantAccess(ctx, "V1"), service.ErrNotReady)
	assert.ErrorIs(t, h.ctrl.RevokeAccess(ctx, "V1"), service.ErrNotReady)

	v := h.ctrl.View()
	assert.False(t, v.Ready)
	assert.Empty(t, v.Account)
	assert.Empty(t, v.Logs)
}

func TestController_EmptyVehicleID(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	assert.ErrorIs(t, h.ctrl.GrantAccess(context.Background(), "  "), service.ErrInvalidVehicleID)
}

func TestController_NoProviderLeavesUnauthenticated(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.Provider = session.FirstOf{session.KeystoreProvider{}, session.KeyProvider{}}
	})

	err := h.ctrl.Initialize(context.Background())
	require.ErrorIs(t, err, session.ErrNoProviderInstalled)

	v := h.ctrl.View()
	assert.False(t, v.Ready)
	assert.NotEmpty(t, v.InitError)
	assert.False(t, h.status.Ready())
	assert.Equal(t, 0, h.backend.Subscribers())
	assert.ErrorIs(t, h.ctrl.CreateVehicle(context.Background(), "V1"), service.ErrNotReady)
}

func TestController_InitializeReportsReady(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	v := h.ctrl.View()
	assert.True(t, v.Ready)
	assert.NotEmpty(t, v.Account)
	assert.Empty(t, v.InitError)
	assert.True(t, h.status.Ready())
	assert.Equal(t, 1, h.backend.Subscribers())

	h.ctrl.Close()
	assert.False(t, h.status.Ready())
	assert.Equal(t, 0, h.backend.Subscribers())
	assert.ErrorIs(t, h.ctrl.Initialize(context.Background()), service.ErrClosed)
}

func TestController_ReinitializeReplacesSubscription(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))

	h.init(t)
	h.init(t)

	assert.Equal(t, 1, h.backend.Subscribers())

	// The new binding rebuilds its view from the ledger.
	v := h.ctrl.View()
	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)
	assert.True(t, v.AccessState["V1"])
}

// ── Action flow ──────────────────────────────────────────────────────────────

func TestController_CreateGrantRevokeScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)
	h.ctrl.SetVehicleID(" V1 ")

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	v := h.ctrl.View()
	assert.Equal(t, "V1", v.VehicleID)
	assert.Empty(t, v.Logs)
	assert.False(t, v.AccessGranted)

	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))
	v = h.ctrl.View()
	assert.True(t, v.AccessGranted)
	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)

	require.NoError(t, h.ctrl.RevokeAccess(ctx, "V1"))
	v = h.ctrl.View()
	assert.False(t, v.AccessGranted)
	assert.Equal(t, types.LogView{
		"Vehicle V1 access is now Granted",
		"Vehicle V1 access is now Revoked",
	}, v.Logs)
	assert.Equal(t, v.Logs, h.ctrl.Logs())

	require.Len(t, v.Actions, 3)
	assert.Equal(t, types.ActionRevoke, v.Actions[0].Kind)
	for _, a := range v.Actions {
		assert.True(t, a.Terminal)
		assert.Equal(t, types.OutcomeConfirmed, a.Outcome)
		assert.NotEmpty(t, a.TxHash)
		assert.NotEmpty(t, a.ID)
	}
	assert.False(t, v.Loading.Create || v.Loading.Grant || v.Loading.Revoke)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActionOutcome.WithLabelValues("grant", "confirmed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActionsInFlight))
}

func TestController_InterleavedVehicles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V2"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V2"))
	require.NoError(t, h.ctrl.RevokeAccess(ctx, "V1"))

	// A fresh binding sees the same history through replay alone.
	h.init(t)

	v := h.ctrl.View()
	assert.Equal(t, types.LogView{
		"Vehicle V1 access is now Granted",
		"Vehicle V2 access is now Granted",
		"Vehicle V1 access is now Revoked",
	}, v.Logs)
	assert.Equal(t, map[string]bool{"V1": false, "V2": true}, v.AccessState)
}

func TestController_SQLiteIndex(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.NewStore = sqlitestore.Factory
	})
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))

	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, h.ctrl.Logs())
}

func TestController_IdempotentGrantSubmitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))
	head := h.backend.Head()

	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))
	assert.Equal(t, head, h.backend.Head())

	// Never granted counts as revoked.
	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V2"))
	head = h.backend.Head()
	require.NoError(t, h.ctrl.RevokeAccess(ctx, "V2"))
	assert.Equal(t, head, h.backend.Head())

	v := h.ctrl.View()
	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)
	assert.Len(t, v.Actions, 3)
}

// ── Pending and failed actions ───────────────────────────────────────────────

func TestController_ConflictAndNoPrematureStateChange(t *testing.T) {
	h := newHarness(t, nil, simulated.WithManualMining())
	ctx := context.Background()
	require.NoError(t, h.backend.Seed([]string{"V1"}, nil))
	h.init(t)
	h.ctrl.SetVehicleID("V1")

	done := make(chan error, 1)
	go func() { done <- h.ctrl.GrantAccess(ctx, "V1") }()

	require.Eventually(t, func() bool { return h.backend.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	v := h.ctrl.View()
	assert.True(t, v.Loading.Grant)
	assert.False(t, v.AccessGranted)
	assert.Empty(t, v.Logs)
	require.Len(t, v.Actions, 1)
	assert.Equal(t, types.OutcomePending, v.Actions[0].Outcome)
	assert.False(t, v.Actions[0].Terminal)

	assert.ErrorIs(t, h.ctrl.GrantAccess(ctx, "V1"), service.ErrConflict)
	assert.ErrorIs(t, h.ctrl.RevokeAccess(ctx, "V1"), service.ErrConflict)
	assert.ErrorIs(t, h.ctrl.CreateVehicle(ctx, "V1"), service.ErrConflict)
	assert.Equal(t, 1, h.backend.Pending())

	h.backend.Commit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("grant did not complete")
	}

	v = h.ctrl.View()
	assert.True(t, v.AccessGranted)
	assert.False(t, v.Loading.Grant)
	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)
}

func TestController_RevertOnChainLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.BindOptions = []ledger.BindOption{ledger.WithGasLimit(200_000)}
	})
	ctx := context.Background()
	h.init(t)

	err := h.ctrl.GrantAccess(ctx, "ghost")
	require.ErrorIs(t, err, service.ErrReverted)

	v := h.ctrl.View()
	assert.False(t, v.AccessState["ghost"])
	assert.Empty(t, v.Logs)
	require.Len(t, v.Actions, 1)
	assert.Equal(t, types.OutcomeReverted, v.Actions[0].Outcome)
	assert.NotEmpty(t, v.Actions[0].TxHash)
	assert.NotEmpty(t, v.Actions[0].Error)
}

func TestController_RevertAtEstimateLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	head := h.backend.Head()

	err := h.ctrl.CreateVehicle(ctx, "V1")
	require.ErrorIs(t, err, service.ErrReverted)
	assert.Equal(t, head, h.backend.Head())

	v := h.ctrl.View()
	assert.Equal(t, types.OutcomeReverted, v.Actions[0].Outcome)
	assert.Empty(t, v.Actions[0].TxHash)
}

func TestController_SubmissionRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t)
	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))

	h.backend.FailSend(simulated.ErrInjected)
	err := h.ctrl.GrantAccess(ctx, "V1")
	require.ErrorIs(t, err, service.ErrSubmissionRejected)
	assert.ErrorIs(t, err, ledger.ErrSend)

	v := h.ctrl.View()
	assert.False(t, v.AccessState["V1"])
	assert.Equal(t, types.OutcomeRejected, v.Actions[0].Outcome)

	// The busy flag is released after a failure.
	h.backend.FailSend(nil)
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))
}

func TestController_TimeoutIsAmbiguous(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.Executor = service.NewExecutor(service.ExecutorConfig{
			ConfirmTimeout: 60 * time.Millisecond,
			PollInterval:   5 * time.Millisecond,
			Logger:         cfg.Logger,
		})
	}, simulated.WithManualMining())
	ctx := context.Background()
	require.NoError(t, h.backend.Seed([]string{"V1"}, nil))
	h.init(t)

	err := h.ctrl.GrantAccess(ctx, "V1")
	require.ErrorIs(t, err, service.ErrTimeout)

	v := h.ctrl.View()
	assert.False(t, v.AccessState["V1"])
	assert.False(t, v.Loading.Grant)
	require.Len(t, v.Actions, 1)
	assert.Equal(t, types.OutcomeAmbiguous, v.Actions[0].Outcome)
	assert.True(t, v.Actions[0].Terminal)

	// The transaction can still land; the live channel picks it up.
	h.backend.Commit()
	require.Eventually(t, func() bool {
		return h.ctrl.View().AccessState["V1"]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_ReconcileFailureKeepsLastSnapshot(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.RenderLive = false
	})
	ctx := context.Background()
	h.init(t)

	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V1"))
	require.NoError(t, h.ctrl.GrantAccess(ctx, "V1"))

	h.backend.FailFilter(simulated.ErrInjected)
	require.NoError(t, h.ctrl.RevokeAccess(ctx, "V1"))

	v := h.ctrl.View()
	assert.True(t, v.AccessState["V1"], "last good snapshot stays published")
	assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)
	assert.NotEmpty(t, v.ReconcileError)

	h.backend.FailFilter(nil)
	require.NoError(t, h.ctrl.CreateVehicle(ctx, "V2"))

	v = h.ctrl.View()
	assert.False(t, v.AccessState["V1"])
	assert.Empty(t, v.ReconcileError)
	assert.Equal(t, types.LogView{
		"Vehicle V1 access is now Granted",
		"Vehicle V1 access is now Revoked",
	}, v.Logs)
}

func TestController_StateWaitsForConfirmationDepth(t *testing.T) {
	for _, renderLive := range []bool{true, false} {
		t.Run(fmt.Sprintf("render_live=%v", renderLive), func(t *testing.T) {
			h := newHarness(t, func(cfg *service.ControllerConfig) {
				cfg.RenderLive = renderLive
				cfg.Executor = service.NewExecutor(service.ExecutorConfig{
					ConfirmTimeout: 5 * time.Second,
					PollInterval:   5 * time.Millisecond,
					Confirmations:  3,
					Logger:         cfg.Logger,
				})
			}, simulated.WithManualMining())
			ctx := context.Background()
			require.NoError(t, h.backend.Seed([]string{"V1"}, nil))
			h.init(t)
			h.ctrl.SetVehicleID("V1")

			done := make(chan error, 1)
			go func() { done <- h.ctrl.GrantAccess(ctx, "V1") }()
			require.Eventually(t, func() bool { return h.backend.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

			h.backend.Commit()
			assert.Never(t, func() bool {
				v := h.ctrl.View()
				return v.AccessGranted || len(v.Logs) > 0
			}, 200*time.Millisecond, 5*time.Millisecond)
			assert.True(t, h.ctrl.View().Loading.Grant)

			h.backend.Commit()
			h.backend.Commit()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("grant did not complete")
			}

			v := h.ctrl.View()
			assert.True(t, v.AccessGranted)
			assert.Equal(t, types.LogView{"Vehicle V1 access is now Granted"}, v.Logs)
		})
	}
}

func TestController_NoShortcutBeforeFirstReplay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.backend.Seed([]string{"V1"}, []string{"V1"}))

	h.backend.FailFilter(simulated.ErrInjected)
	h.init(t)
	head := h.backend.Head()

	err := h.ctrl.RevokeAccess(ctx, "V1")
	require.ErrorIs(t, err, service.ErrNotReady)
	assert.ErrorIs(t, err, simulated.ErrInjected)
	assert.Equal(t, head, h.backend.Head())
	assert.Empty(t, h.ctrl.View().Actions)

	// Once history is readable the revoke goes to the ledger.
	h.backend.FailFilter(nil)
	require.NoError(t, h.ctrl.RevokeAccess(ctx, "V1"))
	assert.Greater(t, h.backend.Head(), head)

	v := h.ctrl.View()
	assert.False(t, v.AccessState["V1"])
	require.Len(t, v.Actions, 1)
	assert.Equal(t, types.OutcomeConfirmed, v.Actions[0].Outcome)
	assert.Equal(t, types.LogView{
		"Vehicle V1 access is now Granted",
		"Vehicle V1 access is now Revoked",
	}, v.Logs)
}

func TestController_SubscriptionLossReportsNotReady(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	require.True(t, h.status.Ready())

	h.backend.DropSubscriptions(simulated.ErrInjected)

	require.Eventually(t, func() bool { return !h.status.Ready() }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.ctrl.View().ReconcileError, "live subscription")

	h.init(t)
	assert.True(t, h.status.Ready())
	assert.Equal(t, 1, h.backend.Subscribers())
	assert.Empty(t, h.ctrl.View().ReconcileError)
}

func TestController_ActionHistoryBounded(t *testing.T) {
	h := newHarness(t, func(cfg *service.ControllerConfig) {
		cfg.MaxActions = 2
	})
	ctx := context.Background()
	h.init(t)

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, h.ctrl.CreateVehicle(ctx, id))
	}

	v := h.ctrl.View()
	require.Len(t, v.Actions, 2)
	assert.Equal(t, "C", v.Actions[0].VehicleID)
	assert.Equal(t, "B", v.Actions[1].VehicleID)
}

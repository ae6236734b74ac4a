package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/config"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/healthapi"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/httpapi"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger/simulated"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/logging"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/metrics"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/session"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/service"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store/memory"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vehicle-access: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	flagSet := pflag.NewFlagSet("vehicle-access", pflag.ContinueOnError)
	cfg.BindFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("contract %q is not an address", cfg.Contract)
	}
	contract := common.HexToAddress(cfg.Contract)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dial, err := ledgerDial(cfg, contract, logger)
	if err != nil {
		return err
	}

	if cfg.DevMode && cfg.PrivateKey == "" && cfg.KeystoreDir == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		cfg.PrivateKey = common.Bytes2Hex(crypto.FromECDSA(key))
		logger.WithField("account", crypto.PubkeyToAddress(key.PublicKey).Hex()).Info("dev mode: ephemeral operator key")
	}

	provider := session.FirstOf{
		session.KeystoreProvider{
			Dir:        cfg.KeystoreDir,
			Passphrase: cfg.KeystorePass,
			Account:    cfg.Account,
			Dial:       dial,
		},
		session.KeyProvider{
			PrivateKeyHex: cfg.PrivateKey,
			Dial:          dial,
		},
	}

	var health *healthapi.Server
	var status service.StatusReporter
	if cfg.GRPCAddr != "" {
		health = healthapi.NewServer(logger)
		status = health
	}

	var bindOpts []ledger.BindOption
	if cfg.GasLimit > 0 {
		bindOpts = append(bindOpts, ledger.WithGasLimit(cfg.GasLimit))
	}

	var newStore store.Factory = memory.Factory
	if cfg.EventIndex == "sqlite" {
		newStore = sqlite.Factory
	}

	ctrl, err := service.NewController(service.ControllerConfig{
		Provider:    provider,
		Contract:    contract,
		BindOptions: bindOpts,
		Executor: service.NewExecutor(service.ExecutorConfig{
			ConfirmTimeout: cfg.ConfirmTimeout,
			PollInterval:   cfg.PollInterval,
			Confirmations:  cfg.Confirmations,
			Logger:         logger,
			Metrics:        m,
		}),
		NewStore:   newStore,
		FromBlock:  cfg.FromBlock,
		RenderLive: cfg.RenderLive,
		Status:     status,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       cfg.HTTPAddr,
		Controller: ctrl,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The operator page asks for a session on load; do the same at start so
	// the client is ready without a first request. Failure is not fatal.
	if err := ctrl.Initialize(ctx); err != nil {
		logger.WithError(err).Warn("no session at start; POST /v1/session to retry")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if health != nil {
		g.Go(func() error {
			logger.WithField("addr", cfg.GRPCAddr).Info("grpc health listening")
			if err := health.Start(cfg.GRPCAddr); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if health != nil {
			health.Stop()
		}
		return nil
	})

	return g.Wait()
}

// ledgerDial picks the ledger endpoint: a seeded in-process ledger in dev
// mode, the configured RPC URL otherwise.
func ledgerDial(cfg config.Config, contract common.Address, logger logrus.FieldLogger) (session.DialFunc, error) {
	if !cfg.DevMode {
		return session.DialRPC(cfg.RPCURL), nil
	}

	backend := simulated.New(contract)
	if err := backend.Seed(cfg.DevVehicles, cfg.DevGranted); err != nil {
		return nil, fmt.Errorf("seed dev ledger: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"vehicles": len(cfg.DevVehicles),
		"granted":  len(cfg.DevGranted),
	}).Info("dev mode: simulated ledger")
	return session.DialBackend(backend), nil
}

package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/config"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
	"github.com/BrandonDHaskell/VehicleAccess/client/internal/session"
)

func TestLedgerDial_DevSeedsSimulatedLedger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	contract := common.HexToAddress(config.DefaultContract)

	dial, err := ledgerDial(config.Config{
		DevMode:     true,
		DevVehicles: []string{"V1", "V2"},
		DevGranted:  []string{"V2"},
	}, contract, logger)
	require.NoError(t, err)
	assert.Equal(t, "dev mode: simulated ledger", hook.LastEntry().Message)

	s, err := session.KeyProvider{
		PrivateKeyHex: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		Dial:          dial,
	}.RequestSession(context.Background())
	require.NoError(t, err)

	b, err := ledger.Bind(s, contract, ledger.DefaultSchema())
	require.NoError(t, err)

	head, err := b.Head(context.Background())
	require.NoError(t, err)
	events, err := b.FilterAccessChanged(context.Background(), 0, head)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "V2", events[0].VehicleID)
	assert.True(t, events[0].NewState)
}

func TestLedgerDial_DuplicateSeedFails(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := ledgerDial(config.Config{
		DevMode:     true,
		DevVehicles: []string{"V1", "V1"},
	}, common.HexToAddress(config.DefaultContract), logger)
	assert.Error(t, err)
}

func TestLedgerDial_RPCIsLazy(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dial, err := ledgerDial(config.Config{RPCURL: "ws://127.0.0.1:1"}, common.Address{}, logger)
	require.NoError(t, err)
	assert.NotNil(t, dial)
}

// Package session obtains an authenticated operator identity and a signing
// capability for the ledger.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/ledger"
)

var (
	// ErrNoProviderInstalled means there is no wallet to ask. It needs
	// operator action out of band and is never retried automatically.
	ErrNoProviderInstalled = errors.New("no session provider installed")
	ErrUserRejected        = errors.New("session request rejected")
	ErrUnavailable         = errors.New("ledger endpoint unavailable")
)

// Provider hands out sessions.
type Provider interface {
	RequestSession(ctx context.Context) (*Session, error)
}

// DialFunc connects to the ledger. The returned close function releases the
// connection and may be nil.
type DialFunc func(ctx context.Context) (ledger.Backend, func(), error)

// DialRPC dials an Ethereum JSON-RPC endpoint. Live subscriptions need a
// websocket or IPC endpoint.
func DialRPC(url string) DialFunc {
	return func(ctx context.Context) (ledger.Backend, func(), error) {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

// DialBackend wraps an already connected backend.
func DialBackend(b ledger.Backend) DialFunc {
	return func(context.Context) (ledger.Backend, func(), error) {
		return b, nil, nil
	}
}

type signFunc func(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)

// Session is an authenticated operator identity. It implements
// ledger.Session; the signing key stays inside signFn.
type Session struct {
	account common.Address
	chainID *big.Int
	backend ledger.Backend
	signFn  signFunc
	closeFn func()
}

func (s *Session) Account() common.Address { return s.account }
func (s *Session) ChainID() *big.Int       { return new(big.Int).Set(s.chainID) }
func (s *Session) Backend() ledger.Backend { return s.backend }

func (s *Session) SignTx(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.signFn(tx, s.chainID)
}

// Close releases the ledger connection.
func (s *Session) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

func open(ctx context.Context, dial DialFunc, account common.Address, sign signFunc) (*Session, error) {
	if dial == nil {
		return nil, fmt.Errorf("%w: no ledger endpoint configured", ErrUnavailable)
	}
	backend, closeFn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		if closeFn != nil {
			closeFn()
		}
		return nil, fmt.Errorf("%w: chain id: %v", ErrUnavailable, err)
	}
	return &Session{
		account: account,
		chainID: chainID,
		backend: backend,
		signFn:  sign,
		closeFn: closeFn,
	}, nil
}

// KeystoreProvider unlocks an account from a go-ethereum keystore directory.
type KeystoreProvider struct {
	Dir        string
	Passphrase string
	// Account selects one address when the keystore holds several. Empty
	// means the first account.
	Account string
	Dial    DialFunc

	// ScryptN/ScryptP default to the standard keystore parameters.
	ScryptN int
	ScryptP int
}

func (p KeystoreProvider) RequestSession(ctx context.Context) (*Session, error) {
	dir := strings.TrimSpace(p.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: keystore directory not configured", ErrNoProviderInstalled)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: keystore %s not found", ErrNoProviderInstalled, dir)
	}

	n, pp := p.ScryptN, p.ScryptP
	if n == 0 || pp == 0 {
		n, pp = keystore.StandardScryptN, keystore.StandardScryptP
	}
	ks := keystore.NewKeyStore(dir, n, pp)

	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, fmt.Errorf("%w: keystore %s holds no accounts", ErrNoProviderInstalled, dir)
	}

	acct := accts[0]
	if want := strings.TrimSpace(p.Account); want != "" {
		if !common.IsHexAddress(want) {
			return nil, fmt.Errorf("%w: bad account %q", ErrUserRejected, want)
		}
		addr := common.HexToAddress(want)
		found := false
		for _, a := range accts {
			if a.Address == addr {
				acct, found = a, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: account %s not in keystore", ErrUserRejected, addr.Hex())
		}
	}

	if err := ks.Unlock(acct, p.Passphrase); err != nil {
		return nil, fmt.Errorf("%w: unlock %s: %v", ErrUserRejected, acct.Address.Hex(), err)
	}

	sign := func(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
		return ks.SignTx(accounts.Account{Address: acct.Address}, tx, chainID)
	}

	s, err := open(ctx, p.Dial, acct.Address, sign)
	if err != nil {
		_ = ks.Lock(acct.Address)
		return nil, err
	}
	return s, nil
}

// KeyProvider signs with a raw hex private key.
type KeyProvider struct {
	PrivateKeyHex string
	Dial          DialFunc
}

func (p KeyProvider) RequestSession(ctx context.Context) (*Session, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(p.PrivateKeyHex), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: no private key configured", ErrNoProviderInstalled)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrUserRejected, err)
	}
	return open(ctx, p.Dial, crypto.PubkeyToAddress(key.PublicKey), keySigner(key))
}

func keySigner(key *ecdsa.PrivateKey) signFunc {
	return func(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
		return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), key)
	}
}

// FirstOf tries providers in order and returns the first session. A provider
// that is not installed passes to the next one; any other failure stops.
type FirstOf []Provider

func (ps FirstOf) RequestSession(ctx context.Context) (*Session, error) {
	for _, p := range ps {
		s, err := p.RequestSession(ctx)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNoProviderInstalled) {
			return nil, err
		}
	}
	return nil, ErrNoProviderInstalled
}

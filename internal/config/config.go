package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const DefaultContract = "0x439cE8dD9e8C64857f6C86bc571494E6dF92F3d4"

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the health server

	// Ledger
	RPCURL   string
	Contract string
	DevMode  bool // in-process simulated ledger instead of RPCURL

	// DevVehicles are created in the simulated ledger at start; the ones in
	// DevGranted also get access.
	DevVehicles []string
	DevGranted  []string

	// Session
	KeystoreDir  string
	KeystorePass string
	Account      string
	PrivateKey   string

	// Transactions
	GasLimit       uint64 // 0 = estimate
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Confirmations  uint64

	// Reconciliation
	FromBlock  uint64
	EventIndex string // "memory" | "sqlite"
	RenderLive bool

	LogLevel  string
	LogFormat string // "text" | "json"
}

// Load reads .env files (missing ones are skipped) into the process
// environment without overriding variables already set, then calls FromEnv.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	index := strings.ToLower(getenvDefault("VEHICLEACCESS_EVENT_INDEX", "memory"))
	if index != "memory" && index != "sqlite" {
		// fail-soft: treat unknown as memory
		index = "memory"
	}

	return Config{
		HTTPAddr: getenvDefault("VEHICLEACCESS_HTTP_ADDR", ":8080"),
		GRPCAddr: os.Getenv("VEHICLEACCESS_GRPC_ADDR"),

		RPCURL:   getenvDefault("VEHICLEACCESS_RPC_URL", "ws://127.0.0.1:8545"),
		Contract: getenvDefault("VEHICLEACCESS_CONTRACT", DefaultContract),
		DevMode:  getenvBool("VEHICLEACCESS_DEV", false),

		DevVehicles: splitCSV(os.Getenv("VEHICLEACCESS_DEV_VEHICLES")),
		DevGranted:  splitCSV(os.Getenv("VEHICLEACCESS_DEV_GRANTED")),

		KeystoreDir:  os.Getenv("VEHICLEACCESS_KEYSTORE_DIR"),
		KeystorePass: os.Getenv("VEHICLEACCESS_KEYSTORE_PASSPHRASE"),
		Account:      os.Getenv("VEHICLEACCESS_ACCOUNT"),
		PrivateKey:   os.Getenv("VEHICLEACCESS_PRIVATE_KEY"),

		GasLimit:       uint64(getenvInt("VEHICLEACCESS_GAS_LIMIT", 0)),
		ConfirmTimeout: getenvDuration("VEHICLEACCESS_CONFIRM_TIMEOUT", 2*time.Minute),
		PollInterval:   getenvDuration("VEHICLEACCESS_POLL_INTERVAL", 2*time.Second),
		Confirmations:  uint64(getenvInt("VEHICLEACCESS_CONFIRMATIONS", 1)),

		FromBlock:  uint64(getenvInt("VEHICLEACCESS_FROM_BLOCK", 0)),
		EventIndex: index,
		RenderLive: getenvBool("VEHICLEACCESS_RENDER_LIVE", true),

		LogLevel:  getenvDefault("VEHICLEACCESS_LOG_LEVEL", "info"),
		LogFormat: getenvDefault("VEHICLEACCESS_LOG_FORMAT", "text"),
	}
}

// BindFlags registers a flag per setting on fs, defaulting to the current
// values of cfg. Parsing fs then overrides what the environment set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&c.RPCURL, "rpc-url", c.RPCURL, "Ethereum JSON-RPC endpoint (ws:// or ipc for live events)")
	fs.StringVar(&c.Contract, "contract", c.Contract, "VehicleAccess contract address")
	fs.BoolVar(&c.DevMode, "dev", c.DevMode, "use an in-process simulated ledger")
	fs.StringSliceVar(&c.DevVehicles, "dev-vehicles", c.DevVehicles, "vehicles created in the simulated ledger")
	fs.StringSliceVar(&c.DevGranted, "dev-granted", c.DevGranted, "seeded vehicles that start with access")
	fs.StringVar(&c.KeystoreDir, "keystore", c.KeystoreDir, "keystore directory")
	fs.StringVar(&c.Account, "account", c.Account, "keystore account address")
	fs.Uint64Var(&c.GasLimit, "gas-limit", c.GasLimit, "fixed gas limit (0 estimates)")
	fs.DurationVar(&c.ConfirmTimeout, "confirm-timeout", c.ConfirmTimeout, "how long to wait for a receipt")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "receipt poll interval")
	fs.Uint64Var(&c.Confirmations, "confirmations", c.Confirmations, "blocks required, counting the including one")
	fs.Uint64Var(&c.FromBlock, "from-block", c.FromBlock, "first block replayed")
	fs.StringVar(&c.EventIndex, "event-index", c.EventIndex, "event index: memory or sqlite")
	fs.BoolVar(&c.RenderLive, "render-live", c.RenderLive, "render live events before the follow-up replay")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package tickets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/internal/evm"
	"github.com/i5heu/ouroboros-tickets/internal/filebase"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrMissingKey names every role key a command needs but the
	// environment does not provide.
	ErrMissingKey = errors.New("tickets: missing role key")
	// ErrInvalidConfig is returned for malformed configuration values.
	ErrInvalidConfig = errors.New("tickets: invalid config")
)

const (
	StoreFilebase = "filebase"
	StoreLocal    = "local"

	LedgerEVM = "evm"
	LedgerSim = "sim"
)

// Role is a party holding a private key.
type Role string

const (
	// RoleProtocol decrypts pre-release content and may redeem on behalf of
	// owners.
	RoleProtocol Role = "protocol"
	// RoleDeployer signs mint transactions.
	RoleDeployer Role = "deployer"
	// RoleOwner holds a ticket and reads its post-release content.
	RoleOwner Role = "owner"
)

// EnvVar is the environment variable carrying the role's private key.
func (r Role) EnvVar() string {
	switch r {
	case RoleProtocol:
		return "PRIVATE_KEY_OF_PROTOCOL"
	case RoleDeployer:
		return "PRIVATE_KEY_DEPLOYER"
	case RoleOwner:
		return "PRIVATE_KEY_OF_NFT_OWNER"
	default:
		return ""
	}
}

// Config is the whole configuration of a Vault. Secrets carry yaml:"-" and
// only ever come from the environment.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Keys      KeyConfig       `yaml:"-"`

	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger `yaml:"-"`
	// Registerer receives the prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer `yaml:"-"`
}

type StoreConfig struct {
	// Backend is "filebase" or "local".
	Backend  string         `yaml:"backend"`
	Filebase FilebaseConfig `yaml:"filebase"`
	Local    LocalConfig    `yaml:"local"`
}

type FilebaseConfig struct {
	AccessKeyID     string        `yaml:"-"`
	SecretAccessKey string        `yaml:"-"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	GatewayURL      string        `yaml:"gatewayUrl"`
	PresignTTL      time.Duration `yaml:"presignTtl"`
	FetchRetries    int           `yaml:"fetchRetries"`
}

type LocalConfig struct {
	// Path of the badger directory. Empty keeps the store in memory.
	Path          string `yaml:"path"`
	MinimumFreeGB uint64 `yaml:"minimumFreeGb"`
	MaxObjectSize int64  `yaml:"maxObjectSize"`
}

type LedgerConfig struct {
	// Backend is "evm" or "sim".
	Backend         string        `yaml:"backend"`
	RPCURL          string        `yaml:"rpcUrl"`
	ContractAddress string        `yaml:"contractAddress"`
	ChainID         int64         `yaml:"chainId"`
	Confirmations   uint64        `yaml:"confirmations"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	FinalityTimeout time.Duration `yaml:"finalityTimeout"`
}

type LifecycleConfig struct {
	StoreRetryAttempts uint          `yaml:"storeRetryAttempts"`
	StoreRetryInitial  time.Duration `yaml:"storeRetryInitial"`
	StoreRetryMax      time.Duration `yaml:"storeRetryMax"`
	BatchWorkers       int           `yaml:"batchWorkers"`
}

// KeyConfig holds hex private keys, with or without 0x.
type KeyConfig struct {
	Protocol string
	Deployer string
	Owner    string
}

func (k KeyConfig) hex(r Role) string {
	switch r {
	case RoleProtocol:
		return k.Protocol
	case RoleDeployer:
		return k.Deployer
	case RoleOwner:
		return k.Owner
	default:
		return ""
	}
}

// DefaultConfig targets Filebase and the Base Sepolia deployment.
func DefaultConfig() Config { // A
	return Config{
		Store: StoreConfig{
			Backend: StoreFilebase,
			Filebase: FilebaseConfig{
				Endpoint:   filebase.DefaultEndpoint,
				Region:     filebase.DefaultRegion,
				Bucket:     filebase.DefaultBucket,
				GatewayURL: filebase.DefaultGatewayURL,
				PresignTTL: filebase.DefaultPresignTTL,
			},
			Local: LocalConfig{Path: "./data/store"},
		},
		Ledger: LedgerConfig{
			Backend:         LedgerEVM,
			RPCURL:          evm.DefaultRPCURL,
			ContractAddress: evm.DefaultContractAddress,
			ChainID:         evm.DefaultChainID,
			Confirmations:   1,
			FinalityTimeout: ledger.DefaultFinalityTimeout,
		},
		Lifecycle: LifecycleConfig{
			StoreRetryAttempts: lifecycle.DefaultRetryPolicy.MaxAttempts,
			StoreRetryInitial:  lifecycle.DefaultRetryPolicy.InitialInterval,
			StoreRetryMax:      lifecycle.DefaultRetryPolicy.MaxInterval,
			BatchWorkers:       4,
		},
	}
}

// Validate checks the configuration and that every role in roles has a
// well-formed key. All absent keys are reported in one ErrMissingKey.
func (c Config) Validate(roles ...Role) error { // A
	var problems []error

	switch c.Store.Backend {
	case StoreFilebase:
		if c.Store.Filebase.AccessKeyID == "" || c.Store.Filebase.SecretAccessKey == "" {
			problems = append(problems, fmt.Errorf("%w: filebase needs FB_ACCESS_KEY_ID and FB_SECRET_ACCESS_KEY", ErrInvalidConfig))
		}
	case StoreLocal:
	default:
		problems = append(problems, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend))
	}

	switch c.Ledger.Backend {
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			problems = append(problems, fmt.Errorf("%w: rpc url is empty", ErrInvalidConfig))
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			problems = append(problems, fmt.Errorf("%w: contract address %q", ErrInvalidConfig, c.Ledger.ContractAddress))
		}
		if c.Ledger.ChainID <= 0 {
			problems = append(problems, fmt.Errorf("%w: chain id %d", ErrInvalidConfig, c.Ledger.ChainID))
		}
	case LedgerSim:
	default:
		problems = append(problems, fmt.Errorf("%w: unknown ledger backend %q", ErrInvalidConfig, c.Ledger.Backend))
	}

	var missing []string
	for _, r := range roles {
		h := c.Keys.hex(r)
		if h == "" {
			missing = append(missing, r.EnvVar())
			continue
		}
		if _, err := keys.FromHex(h); err != nil {
			problems = append(problems, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, r.EnvVar(), err))
		}
	}
	if len(missing) > 0 {
		problems = append(problems, fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", ")))
	}

	return errors.Join(problems...)
}

// defaultLogger returns a logger that writes text logs to stderr at Info level.
func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

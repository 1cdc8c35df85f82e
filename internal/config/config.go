// Package config loads a tickets.Config from defaults, an optional YAML
// file, .env files and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	tickets "github.com/i5heu/ouroboros-tickets"
)

const (
	EnvRPCURL          = "RPC_BASE_URL"
	EnvContractAddress = "CONTRACT_ADDRESS"
	EnvChainID         = "CHAIN_ID"
	EnvConfirmations   = "TICKETS_CONFIRMATIONS"
	EnvFinalityTimeout = "TICKETS_FINALITY_TIMEOUT"

	EnvAccessKeyID     = "FB_ACCESS_KEY_ID"
	EnvSecretAccessKey = "FB_SECRET_ACCESS_KEY"
	EnvS3Endpoint      = "FB_S3_ENDPOINT"
	EnvBucket          = "FB_BUCKET"
	EnvGatewayURL      = "IPFS_GATEWAY_URL"

	EnvStoreBackend  = "TICKETS_STORE_BACKEND"
	EnvLedgerBackend = "TICKETS_LEDGER_BACKEND"
	EnvDataPath      = "TICKETS_DATA_PATH"

	// DefaultEnvFile is read when no env files are named and it exists.
	DefaultEnvFile = ".env"
)

// Load builds the configuration. path may be empty. Values from envFiles
// never override variables already set in the environment. With no
// envFiles, DefaultEnvFile is read if present.
func Load(path string, envFiles ...string) (tickets.Config, error) {
	conf := tickets.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return conf, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, &conf); err != nil {
			return conf, fmt.Errorf("%w: parse %s: %v", tickets.ErrInvalidConfig, path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return conf, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := apply(&conf, lookup); err != nil {
		return conf, err
	}
	return conf, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		files = []string{DefaultEnvFile}
	}
	env, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("read env files %s: %w", strings.Join(files, ", "), err)
	}
	return env, nil
}

type lookupFunc func(key string) (string, bool)

func apply(conf *tickets.Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(tickets.RoleProtocol.EnvVar(), &conf.Keys.Protocol)
	str(tickets.RoleDeployer.EnvVar(), &conf.Keys.Deployer)
	str(tickets.RoleOwner.EnvVar(), &conf.Keys.Owner)

	str(EnvAccessKeyID, &conf.Store.Filebase.AccessKeyID)
	str(EnvSecretAccessKey, &conf.Store.Filebase.SecretAccessKey)
	str(EnvS3Endpoint, &conf.Store.Filebase.Endpoint)
	str(EnvBucket, &conf.Store.Filebase.Bucket)
	str(EnvGatewayURL, &conf.Store.Filebase.GatewayURL)
	str(EnvStoreBackend, &conf.Store.Backend)
	str(EnvDataPath, &conf.Store.Local.Path)

	str(EnvLedgerBackend, &conf.Ledger.Backend)
	str(EnvRPCURL, &conf.Ledger.RPCURL)
	str(EnvContractAddress, &conf.Ledger.ContractAddress)

	if v, ok := lookup(EnvChainID); ok && v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", tickets.ErrInvalidConfig, EnvChainID, v)
		}
		conf.Ledger.ChainID = id
	}
	if v, ok := lookup(EnvConfirmations); ok && v != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", tickets.ErrInvalidConfig, EnvConfirmations, v)
		}
		conf.Ledger.Confirmations = n
	}
	if v, ok := lookup(EnvFinalityTimeout); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", tickets.ErrInvalidConfig, EnvFinalityTimeout, v)
		}
		conf.Ledger.FinalityTimeout = d
	}
	return nil
}

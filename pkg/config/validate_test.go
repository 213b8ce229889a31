package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	var cfg Config
	cfg.Chain.RPCEndpoint = "http://127.0.0.1:8545"
	cfg.Chain.TokenContractAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	cfg.Chain.ReceiverAddress = "0x00000000000000000000000000000000000000aa"
	cfg.Chain.ExecutionMode = ExecutionModeDirect
	cfg.Chain.OperatorPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Chain.TokenDecimals = 6
	cfg.Database.Type = "sqlite"
	cfg.Database.Path = "engine.db"
	cfg.Worker.Concurrency = 2
	return &cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingChainSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.RPCEndpoint = ""
	cfg.Chain.TokenContractAddress = "not-an-address"

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RPC_ENDPOINT")
	require.Contains(t, err.Error(), "TOKEN_CONTRACT_ADDRESS")
}

func TestValidateExecutionMode(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.ExecutionMode = "relay"
	require.ErrorContains(t, cfg.Validate(), "EXECUTION_MODE")

	cfg.Chain.ExecutionMode = ExecutionModeDistributor
	require.ErrorContains(t, cfg.Validate(), "DISTRIBUTOR_CONTRACT_ADDRESS")

	cfg.Chain.DistributorContractAddress = "0x00000000000000000000000000000000000000bb"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresStorageCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Type = "postgres"
	require.ErrorContains(t, cfg.Validate(), "dbname")

	cfg.Database.Host = "localhost"
	cfg.Database.User = "engine"
	cfg.Database.DBNAME = "engine"
	require.NoError(t, cfg.Validate())
}

func TestValidateLockOutlivesSubmission(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.DistributedLock = true
	cfg.Chain.ReadTimeout = 10 * time.Second
	cfg.Chain.SubmitTimeout = 2 * time.Minute
	cfg.Worker.LockTTL = time.Minute
	require.ErrorContains(t, cfg.Validate(), "LOCK_TTL")

	cfg.Worker.LockTTL = 0
	require.NoError(t, cfg.Validate())

	cfg.Chain.SubmitTimeout = 10 * time.Minute
	require.ErrorContains(t, cfg.Validate(), "LOCK_TTL")

	// in-process locks have no ttl
	cfg.Worker.DistributedLock = false
	require.NoError(t, cfg.Validate())
}

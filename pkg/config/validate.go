package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	ExecutionModeDirect      = "direct"
	ExecutionModeDistributor = "distributor"
)

// Validate reports configuration problems that must stop the worker
// before it touches any permit.
func (c *Config) Validate() error {
	var errs []error

	chain := c.Chain
	if strings.TrimSpace(chain.RPCEndpoint) == "" {
		errs = append(errs, errors.New("CHAIN.RPC_ENDPOINT is required"))
	}

	if !common.IsHexAddress(chain.TokenContractAddress) {
		errs = append(errs, fmt.Errorf("CHAIN.TOKEN_CONTRACT_ADDRESS %q is not a valid address", chain.TokenContractAddress))
	}

	switch chain.ExecutionMode {
	case ExecutionModeDirect:
		if !common.IsHexAddress(chain.ReceiverAddress) {
			errs = append(errs, errors.New("CHAIN.RECEIVER_ADDRESS is required in direct mode"))
		}
	case ExecutionModeDistributor:
		if !common.IsHexAddress(chain.DistributorContractAddress) {
			errs = append(errs, errors.New("CHAIN.DISTRIBUTOR_CONTRACT_ADDRESS is required in distributor mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHAIN.EXECUTION_MODE %q must be %q or %q", chain.ExecutionMode, ExecutionModeDirect, ExecutionModeDistributor))
	}

	if strings.TrimSpace(chain.OperatorPrivateKey) == "" {
		errs = append(errs, errors.New("CHAIN.OPERATOR_PRIVATE_KEY is required"))
	}

	if chain.TokenDecimals < 0 || chain.TokenDecimals > 36 {
		errs = append(errs, fmt.Errorf("CHAIN.TOKEN_DECIMALS %d out of range", chain.TokenDecimals))
	}

	switch c.Database.Type {
	case "postgres", "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBNAME == "" {
			errs = append(errs, fmt.Errorf("DATABASE host, user and dbname are required for %s", c.Database.Type))
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("DATABASE.PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE.TYPE %q is not supported", c.Database.Type))
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER.CONCURRENCY must be at least 1"))
	}

	// a redis owner lock is never renewed, so one execution must fit in it
	if c.Worker.DistributedLock {
		ttl, submit := c.Worker.LockTTL, chain.SubmitTimeout
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		if submit <= 0 {
			submit = 2 * time.Minute
		}
		if need := submit + 2*chain.ReadTimeout; need >= ttl {
			errs = append(errs, fmt.Errorf("WORKER.LOCK_TTL %s must exceed CHAIN.SUBMIT_TIMEOUT plus two CHAIN.READ_TIMEOUT (%s)", ttl, need))
		}
	}

	return errors.Join(errs...)
}

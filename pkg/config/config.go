package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		CORSOrigins  []string      `mapstructure:"CORS_ORIGINS"`
	} `mapstructure:"HTTP_SERVER"`
	Otel struct {
		Enable   bool   `mapstructure:"ENABLE"`
		Protocol string `mapstructure:"PROTOCOL"` // grpc or http
		Endpoint string `mapstructure:"ENDPOINT"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"` // sqlite only
		Metrics        bool   `mapstructure:"METRICS"`
		MetricsPort    uint32 `mapstructure:"METRICS_PORT"`
		Tracing        bool   `mapstructure:"TRACING"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Chain struct {
		RPCEndpoint                string        `mapstructure:"RPC_ENDPOINT"`
		ChainID                    int64         `mapstructure:"CHAIN_ID"`
		TokenContractAddress       string        `mapstructure:"TOKEN_CONTRACT_ADDRESS"`
		TokenSymbol                string        `mapstructure:"TOKEN_SYMBOL"`
		TokenDecimals              int32         `mapstructure:"TOKEN_DECIMALS"`
		DistributorContractAddress string        `mapstructure:"DISTRIBUTOR_CONTRACT_ADDRESS"`
		ReceiverAddress            string        `mapstructure:"RECEIVER_ADDRESS"`
		ExecutionMode              string        `mapstructure:"EXECUTION_MODE"`
		OperatorPrivateKey         string        `mapstructure:"OPERATOR_PRIVATE_KEY"`
		ReadTimeout                time.Duration `mapstructure:"READ_TIMEOUT"`
		SubmitTimeout              time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
		RequestsPerSecond          float64       `mapstructure:"REQUESTS_PER_SECOND"`
		Burst                      int           `mapstructure:"BURST"`
		GasLimit                   uint64        `mapstructure:"GAS_LIMIT"`
	} `mapstructure:"CHAIN"`
	Worker struct {
		Schedule        string        `mapstructure:"SCHEDULE"`
		BatchSize       int           `mapstructure:"BATCH_SIZE"`
		Concurrency     int           `mapstructure:"CONCURRENCY"`
		DistributedLock bool          `mapstructure:"DISTRIBUTED_LOCK"`
		LockTTL         time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"WORKER"`
	Vault struct {
		Enable bool   `mapstructure:"ENABLE"`
		Addr   string `mapstructure:"ADDR"`
		Path   string `mapstructure:"PATH"`
	} `mapstructure:"VAULT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "permit-engine")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.METRICS_PORT", 9091)
	v.SetDefault("CHAIN.TOKEN_SYMBOL", "USDC")
	v.SetDefault("CHAIN.TOKEN_DECIMALS", 6)
	v.SetDefault("CHAIN.EXECUTION_MODE", ExecutionModeDirect)
	v.SetDefault("CHAIN.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("CHAIN.SUBMIT_TIMEOUT", 2*time.Minute)
	v.SetDefault("CHAIN.REQUESTS_PER_SECOND", 10)
	v.SetDefault("CHAIN.BURST", 5)
	v.SetDefault("CHAIN.GAS_LIMIT", 200000)
	v.SetDefault("WORKER.SCHEDULE", "@every 1m")
	v.SetDefault("WORKER.BATCH_SIZE", 100)
	v.SetDefault("WORKER.CONCURRENCY", 4)
	v.SetDefault("WORKER.LOCK_TTL", 5*time.Minute)
}

func LoadConfig(p Params) *Config {
	setDefaults(config)
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		zap.L().Error("invalid configuration, refusing to start", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	setDefaults(config)
	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		zap.L().Error("failed to add remote config provider", zap.Error(err))
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		zap.L().Error("invalid remote configuration, refusing to start", zap.Error(err))
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			// secrets and validation are not re-applied here; only the
			// worker tuning knobs are expected to change at runtime
			var newcfg Config
			if err := config.Unmarshal(&newcfg); err != nil {
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg
}

// Current returns the latest remote config snapshot, if remote loading is in use.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	path := cfg.Vault.Path
	if path == "" {
		path = cfg.AppEnv
	}

	zap.L().Info("Starting Get Secrets", zap.String("path", path))
	secret, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("database_user", cfg.Database.User)
	cfg.Database.Password = get("database_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Chain.OperatorPrivateKey = get("operator_private_key", cfg.Chain.OperatorPrivateKey)
	return nil
}

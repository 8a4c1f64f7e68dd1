// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment  string
	Server       ServerConfig
	Database     DatabaseConfig
	Ledger       LedgerConfig
	ContentStore ContentStoreConfig
	Indexer      IndexerConfig
	AWS          AWSConfig
	Frontend     FrontendConfig
}

type FrontendConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type LedgerConfig struct {
	Network          string
	RPCURL           string
	PrivateKey       string
	RegistryAddress  string
	TokenAddress     string
	ConfirmTimeout   int // seconds
	ConfirmPoll      int // seconds
	SubmitAttempts   int
	SubmitBackoff    int // seconds, base delay doubled on each retry
	SubmitBackoffCap int // seconds
	GasLimitCeiling  uint64
}

type ContentStoreConfig struct {
	APIBaseURL   string
	APIToken     string
	GatewayURLs  []string
	VerifyWait   int // seconds, total budget per document
	VerifyPoll   int // seconds between gateway polls
	FetchTimeout int // seconds per gateway GET
}

type IndexerConfig struct {
	Enabled          bool
	EventWindow      uint64 // blocks scanned per ownership query
	BruteForceWindow uint64 // recent token ids scanned when events are missing
	BatchSize        int    // concurrent ownerOf calls per batch
	SyncChunk        uint64 // blocks per getLogs request during index sync
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	CloudFrontURL   string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Host:        getEnv("SERVER_HOST", "localhost"),
			ReadTimeout: getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			// registrations block on store verification and chain
			// confirmation, so responses can take minutes
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 300),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "provenance"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
		},
		Ledger: LedgerConfig{
			Network:          getEnv("LEDGER_NETWORK", "sepolia"),
			RPCURL:           getEnv("LEDGER_RPC_URL", ""),
			PrivateKey:       getEnv("LEDGER_PRIVATE_KEY", ""),
			RegistryAddress:  getEnv("LEDGER_REGISTRY_ADDRESS", ""),
			TokenAddress:     getEnv("LEDGER_TOKEN_ADDRESS", ""),
			ConfirmTimeout:   getEnvAsInt("LEDGER_CONFIRM_TIMEOUT", 120),
			ConfirmPoll:      getEnvAsInt("LEDGER_CONFIRM_POLL", 3),
			SubmitAttempts:   getEnvAsInt("LEDGER_SUBMIT_ATTEMPTS", 3),
			SubmitBackoff:    getEnvAsInt("LEDGER_SUBMIT_BACKOFF", 2),
			SubmitBackoffCap: getEnvAsInt("LEDGER_SUBMIT_BACKOFF_CAP", 30),
			GasLimitCeiling:  uint64(getEnvAsInt("LEDGER_GAS_LIMIT_CEILING", 1500000)),
		},
		ContentStore: ContentStoreConfig{
			APIBaseURL:   getEnv("CONTENT_STORE_API_URL", "https://api.pinata.cloud"),
			APIToken:     getEnv("CONTENT_STORE_API_TOKEN", ""),
			GatewayURLs:  getEnvAsSlice("CONTENT_STORE_GATEWAYS", []string{"https://gateway.pinata.cloud/ipfs", "https://ipfs.io/ipfs"}),
			VerifyWait:   getEnvAsInt("CONTENT_STORE_VERIFY_WAIT", 60),
			VerifyPoll:   getEnvAsInt("CONTENT_STORE_VERIFY_POLL", 3),
			FetchTimeout: getEnvAsInt("CONTENT_STORE_FETCH_TIMEOUT", 10),
		},
		Indexer: IndexerConfig{
			Enabled:          getEnvAsBool("INDEXER_ENABLED", false),
			EventWindow:      uint64(getEnvAsInt("INDEXER_EVENT_WINDOW", 50000)),
			BruteForceWindow: uint64(getEnvAsInt("INDEXER_BRUTE_FORCE_WINDOW", 200)),
			BatchSize:        getEnvAsInt("INDEXER_BATCH_SIZE", 10),
			SyncChunk:        uint64(getEnvAsInt("INDEXER_SYNC_CHUNK", 2000)),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "artledger-media"),
			CloudFrontURL:   getEnv("AWS_CLOUDFRONT_URL", ""),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger RPC URL is required in production")
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("ledger private key is required in production")
		}
		if c.Ledger.RegistryAddress == "" || c.Ledger.TokenAddress == "" {
			return fmt.Errorf("registry and token contract addresses are required in production")
		}
		if c.ContentStore.APIToken == "" {
			return fmt.Errorf("content store API token is required in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required in production")
		}
	}

	if len(c.ContentStore.GatewayURLs) == 0 {
		return fmt.Errorf("at least one content store gateway is required")
	}

	if c.Ledger.SubmitAttempts < 1 {
		return fmt.Errorf("submit attempts must be at least 1")
	}

	return nil
}

func (c *LedgerConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(c.ConfirmTimeout) * time.Second
}

func (c *LedgerConfig) ConfirmPollDuration() time.Duration {
	return time.Duration(c.ConfirmPoll) * time.Second
}

func (c *ContentStoreConfig) VerifyWaitDuration() time.Duration {
	return time.Duration(c.VerifyWait) * time.Second
}

func (c *ContentStoreConfig) VerifyPollDuration() time.Duration {
	return time.Duration(c.VerifyPoll) * time.Second
}

func (c *ContentStoreConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

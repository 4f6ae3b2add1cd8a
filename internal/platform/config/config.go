package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "trustledger/pkg/domain"
)

// Config captures process level configuration.
type Config struct {
	Server   Server
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Ledger   LedgerConfig
	Breakers BreakerDefaults
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	JWTSigningKey   string
	JWTIssuer       string
	JWTAudience     string
	ShutdownTimeout time.Duration
}

// PostgresConfig selects the SQL backend. An empty URL keeps all state in memory.
type PostgresConfig struct {
	URL string
}

// RedisConfig selects the rate limit window backend. An empty URL keeps windows
// in the primary store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the audit outbox relay. It only runs with Postgres.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
	Partitions int32
}

// LedgerConfig holds the addresses and typed-data domain the ledger trusts.
type LedgerConfig struct {
	Admin             id.WalletAddress
	OfferSigner       id.WalletAddress
	ChainID           *big.Int
	VerifyingContract id.WalletAddress
	PoolLiquidity     decimal.Decimal
}

// BreakerDefaults seed each surface's circuit breaker on first start.
type BreakerDefaults struct {
	MaxOperationsPerWindow int
	WindowDuration         time.Duration
	MaxAmountPerOperation  decimal.Decimal
	Enabled                bool
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var cfg Config

	cfg.Server = Server{
		Addr:            getEnv("TRUSTLEDGER_ADDR", ":8080"),
		JWTSigningKey:   getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:       getEnv("JWT_ISSUER", "trustledger"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "trustledger-api"),
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.Postgres = PostgresConfig{URL: os.Getenv("DATABASE_URL")}
	cfg.Redis = RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	cfg.Kafka = KafkaConfig{
		Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		AuditTopic: getEnv("AUDIT_TOPIC", "trustledger.audit"),
		Partitions: 3,
	}

	admin, err := requireWallet("ADMIN_ADDRESS")
	if err != nil {
		return Config{}, err
	}
	signer, err := requireWallet("OFFER_SIGNER_ADDRESS")
	if err != nil {
		return Config{}, err
	}
	contract, err := requireWallet("VERIFYING_CONTRACT")
	if err != nil {
		return Config{}, err
	}
	chainID, ok := new(big.Int).SetString(getEnv("CHAIN_ID", "1"), 10)
	if !ok || chainID.Sign() <= 0 {
		return Config{}, fmt.Errorf("CHAIN_ID must be a positive integer")
	}
	pool, err := decimalEnv("POOL_LIQUIDITY", "0")
	if err != nil {
		return Config{}, err
	}
	cfg.Ledger = LedgerConfig{
		Admin:             admin,
		OfferSigner:       signer,
		ChainID:           chainID,
		VerifyingContract: contract,
		PoolLiquidity:     pool,
	}

	maxOps, err := intEnv("BREAKER_MAX_OPERATIONS", 10)
	if err != nil {
		return Config{}, err
	}
	window, err := durationEnv("BREAKER_WINDOW", time.Minute)
	if err != nil {
		return Config{}, err
	}
	maxAmount, err := decimalEnv("BREAKER_MAX_AMOUNT", "1000000000000000000000")
	if err != nil {
		return Config{}, err
	}
	cfg.Breakers = BreakerDefaults{
		MaxOperationsPerWindow: maxOps,
		WindowDuration:         window,
		MaxAmountPerOperation:  maxAmount,
		Enabled:                os.Getenv("BREAKER_ENABLED") != "false",
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requireWallet(key string) (id.WalletAddress, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return id.WalletAddress{}, fmt.Errorf("%s is required", key)
	}
	wallet, err := id.ParseWalletAddress(raw)
	if err != nil {
		return id.WalletAddress{}, fmt.Errorf("%s: %w", key, err)
	}
	return wallet, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative whole number", key)
	}
	return d, nil
}

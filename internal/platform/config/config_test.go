package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

const (
	adminAddr    = "0x00000000000000000000000000000000000000a1"
	signerAddr   = "0x00000000000000000000000000000000000000a2"
	contractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) setRequired() {
	s.T().Setenv("ADMIN_ADDRESS", adminAddr)
	s.T().Setenv("OFFER_SIGNER_ADDRESS", signerAddr)
	s.T().Setenv("VERIFYING_CONTRACT", contractAddr)
}

func (s *ConfigSuite) TestDefaults() {
	s.setRequired()

	cfg, err := FromEnv()
	s.Require().NoError(err)

	s.Equal(":8080", cfg.Server.Addr)
	s.Empty(cfg.Postgres.URL)
	s.Empty(cfg.Kafka.Brokers)
	s.Equal("trustledger.audit", cfg.Kafka.AuditTopic)
	s.Equal(int64(1), cfg.Ledger.ChainID.Int64())
	s.Equal(adminAddr, cfg.Ledger.Admin.Key())
	s.True(cfg.Ledger.PoolLiquidity.IsZero())
	s.Equal(10, cfg.Breakers.MaxOperationsPerWindow)
	s.Equal(time.Minute, cfg.Breakers.WindowDuration)
	s.True(cfg.Breakers.Enabled)
}

func (s *ConfigSuite) TestOverrides() {
	s.setRequired()
	s.T().Setenv("TRUSTLEDGER_ADDR", ":9090")
	s.T().Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	s.T().Setenv("CHAIN_ID", "31337")
	s.T().Setenv("POOL_LIQUIDITY", "250000")
	s.T().Setenv("BREAKER_MAX_OPERATIONS", "3")
	s.T().Setenv("BREAKER_WINDOW", "30s")
	s.T().Setenv("BREAKER_MAX_AMOUNT", "5000")
	s.T().Setenv("BREAKER_ENABLED", "false")

	cfg, err := FromEnv()
	s.Require().NoError(err)

	s.Equal(":9090", cfg.Server.Addr)
	s.Equal([]string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	s.Equal(int64(31337), cfg.Ledger.ChainID.Int64())
	s.True(cfg.Ledger.PoolLiquidity.Equal(decimal.NewFromInt(250000)))
	s.Equal(3, cfg.Breakers.MaxOperationsPerWindow)
	s.Equal(30*time.Second, cfg.Breakers.WindowDuration)
	s.True(cfg.Breakers.MaxAmountPerOperation.Equal(decimal.NewFromInt(5000)))
	s.False(cfg.Breakers.Enabled)
}

func (s *ConfigSuite) TestRejections() {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing admin", map[string]string{"ADMIN_ADDRESS": ""}},
		{"zero signer", map[string]string{"OFFER_SIGNER_ADDRESS": "0x0000000000000000000000000000000000000000"}},
		{"malformed contract", map[string]string{"VERIFYING_CONTRACT": "not-an-address"}},
		{"non-positive chain id", map[string]string{"CHAIN_ID": "0"}},
		{"fractional pool", map[string]string{"POOL_LIQUIDITY": "1.5"}},
		{"bad window", map[string]string{"BREAKER_WINDOW": "soon"}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.setRequired()
			for k, v := range tc.env {
				s.T().Setenv(k, v)
			}
			_, err := FromEnv()
			s.Error(err)
		})
	}
}

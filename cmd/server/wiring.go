package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twmb/franz-go/pkg/kgo"

	accesshandler "trustledger/internal/access/handler"
	accessmetrics "trustledger/internal/access/metrics"
	accessmodels "trustledger/internal/access/models"
	accessservice "trustledger/internal/access/service"
	accessstore "trustledger/internal/access/store"
	identityhandler "trustledger/internal/identity/handler"
	identitymetrics "trustledger/internal/identity/metrics"
	identityservice "trustledger/internal/identity/service"
	identitystore "trustledger/internal/identity/store"
	jwttoken "trustledger/internal/jwt_token"
	lendinghandler "trustledger/internal/lending/handler"
	lendingmetrics "trustledger/internal/lending/metrics"
	"trustledger/internal/lending/offer"
	lendingservice "trustledger/internal/lending/service"
	"trustledger/internal/lending/settlement"
	lendingstore "trustledger/internal/lending/store"
	"trustledger/internal/platform/config"
	platformmetrics "trustledger/internal/platform/metrics"
	"trustledger/internal/platform/postgres"
	platformredis "trustledger/internal/platform/redis"
	ratelimithandler "trustledger/internal/ratelimit/handler"
	ratelimitmetrics "trustledger/internal/ratelimit/metrics"
	ratelimitmodels "trustledger/internal/ratelimit/models"
	"trustledger/internal/ratelimit/service/limiter"
	configstore "trustledger/internal/ratelimit/store/config"
	"trustledger/internal/ratelimit/store/window"
	httptransport "trustledger/internal/transport/http"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/audit/publisher"
	"trustledger/pkg/platform/audit/relay"
	auditmemory "trustledger/pkg/platform/audit/store/memory"
	auditpostgres "trustledger/pkg/platform/audit/store/postgres"
	"trustledger/pkg/platform/tx"
)

// app is the assembled ledger process.
type app struct {
	Router  http.Handler
	Relay   *relay.Relay
	Backend string
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// backend is the storage each component runs on. Memory and Postgres share
// one runner so every participant joins the same unit of work.
type backend struct {
	name     string
	runner   tx.Runner
	audit    audit.Store
	access   accessservice.Store
	identity identityservice.Store
	loans    lendingservice.Store
	vault    lendingservice.Settlement
	windows  limiter.WindowStore
	configs  limiter.ConfigStore
	health   map[string]httptransport.HealthCheck
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}

	breakers, err := breakerDefaults(cfg.Breakers)
	if err != nil {
		return nil, err
	}

	var be *backend
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		be, err = postgresBackend(ctx, db, cfg, breakers)
		if err != nil {
			a.Close()
			return nil, err
		}

		relayer, closeKafka, err := auditRelay(ctx, cfg.Kafka, auditpostgres.New(db), log)
		if err != nil {
			a.Close()
			return nil, err
		}
		if relayer != nil {
			a.Relay = relayer
			a.closers = append(a.closers, closeKafka)
		}
	} else {
		be = memoryBackend(cfg, breakers)
	}

	rdb, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	if rdb != nil {
		a.closers = append(a.closers, rdb.Close)
		be.windows = window.NewRedis(rdb.Client, window.WithLogger(log))
		be.health["redis"] = rdb.Health
		be.name += "+redis"
	}
	a.Backend = be.name

	router, err := assemble(ctx, cfg, log, be)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Router = router
	return a, nil
}

func memoryBackend(cfg config.Config, breakers map[ratelimitmodels.Surface]*ratelimitmodels.Config) *backend {
	return &backend{
		name:     "memory",
		runner:   tx.NewSerial(),
		audit:    auditmemory.NewInMemoryStore(),
		access:   accessstore.NewInMemoryStore(),
		identity: identitystore.NewInMemoryStore(),
		loans:    lendingstore.NewInMemoryStore(),
		vault:    settlement.NewVault(cfg.Ledger.PoolLiquidity),
		windows:  window.NewInMemoryStore(),
		configs:  configstore.NewInMemoryStore(breakers),
		health:   map[string]httptransport.HealthCheck{},
	}
}

func postgresBackend(ctx context.Context, db *sql.DB, cfg config.Config, breakers map[ratelimitmodels.Surface]*ratelimitmodels.Config) (*backend, error) {
	configs := configstore.NewPostgres(db)
	if err := configs.Seed(ctx, breakers); err != nil {
		return nil, err
	}
	vault := settlement.NewPostgresVault(db)
	if err := vault.SeedPool(ctx, cfg.Ledger.PoolLiquidity); err != nil {
		return nil, err
	}
	return &backend{
		name:     "postgres",
		runner:   tx.NewPostgres(db),
		audit:    auditpostgres.New(db),
		access:   accessstore.NewPostgres(db),
		identity: identitystore.NewPostgres(db),
		loans:    lendingstore.NewPostgres(db),
		vault:    vault,
		windows:  window.NewPostgres(db),
		configs:  configs,
		health: map[string]httptransport.HealthCheck{
			"postgres": db.PingContext,
		},
	}, nil
}

// auditRelay connects to Kafka when brokers are configured. The relay drains
// the Postgres outbox, so it has nothing to do on the memory backend.
func auditRelay(ctx context.Context, cfg config.KafkaConfig, outbox *auditpostgres.Store, log *slog.Logger) (*relay.Relay, func() error, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("trustledger-audit-relay"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := relay.EnsureTopic(ctx, client, cfg.AuditTopic, cfg.Partitions); err != nil {
		client.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		client.Close()
		return nil
	}
	return relay.New(outbox, client, cfg.AuditTopic, relay.WithLogger(log)), closeFn, nil
}

func assemble(ctx context.Context, cfg config.Config, log *slog.Logger, be *backend) (http.Handler, error) {
	registry := platformmetrics.New(version)
	pub := publisher.NewPublisher(be.audit, publisher.WithLogger(log))

	gate, err := accessservice.New(be.access,
		accessservice.WithLogger(log),
		accessservice.WithAuditPublisher(pub),
		accessservice.WithMetrics(accessmetrics.New(registry)),
		accessservice.WithTxRunner(be.runner),
	)
	if err != nil {
		return nil, err
	}
	if err := gate.Bootstrap(ctx, cfg.Ledger.Admin); err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	signers, err := gate.Holders(ctx, accessmodels.CapabilityOfferSigner)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 {
		if err := gate.Grant(ctx, cfg.Ledger.Admin, accessmodels.CapabilityOfferSigner, cfg.Ledger.OfferSigner); err != nil {
			return nil, fmt.Errorf("grant offer signer: %w", err)
		}
	}

	limiterSvc, err := limiter.New(be.windows, be.configs, gate,
		limiter.WithLogger(log),
		limiter.WithAuditPublisher(pub),
		limiter.WithMetrics(ratelimitmetrics.New(registry)),
		limiter.WithTxRunner(be.runner),
	)
	if err != nil {
		return nil, err
	}

	identitySvc, err := identityservice.New(be.identity, gate, limiterSvc,
		identityservice.WithLogger(log),
		identityservice.WithAuditPublisher(pub),
		identityservice.WithMetrics(identitymetrics.New(registry)),
		identityservice.WithTxRunner(be.runner),
	)
	if err != nil {
		return nil, err
	}

	verifier := offer.NewVerifier(offer.Domain{
		Name:              offer.DomainName,
		Version:           offer.DomainVersion,
		ChainID:           cfg.Ledger.ChainID,
		VerifyingContract: common.Address(cfg.Ledger.VerifyingContract),
	})
	lendingSvc, err := lendingservice.New(be.loans, be.vault, gate, limiterSvc, verifier,
		lendingservice.WithLogger(log),
		lendingservice.WithAuditPublisher(pub),
		lendingservice.WithMetrics(lendingmetrics.New(registry)),
		lendingservice.WithTxRunner(be.runner),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Server.JWTSigningKey == "" {
		return nil, errors.New("JWT signing key is required")
	}
	tokens := jwttoken.NewService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)

	return httptransport.NewRouter(httptransport.RouterConfig{
		Logger: log,
		Auth:   tokens,
		Modules: []httptransport.Module{
			identityhandler.New(identitySvc, log),
			lendinghandler.New(lendingSvc, log),
		},
		Admin: []httptransport.AdminModule{
			accesshandler.New(gate, log),
			ratelimithandler.New(limiterSvc, log),
		},
		MetricsHandler: registry.Handler(),
		HealthChecks:   be.health,
	}), nil
}

func breakerDefaults(d config.BreakerDefaults) (map[ratelimitmodels.Surface]*ratelimitmodels.Config, error) {
	defaults := make(map[ratelimitmodels.Surface]*ratelimitmodels.Config, len(ratelimitmodels.Surfaces))
	for _, surface := range ratelimitmodels.Surfaces {
		cfg, err := ratelimitmodels.NewConfig(d.MaxOperationsPerWindow, d.WindowDuration, d.MaxAmountPerOperation, d.Enabled)
		if err != nil {
			return nil, fmt.Errorf("breaker defaults for %s: %w", surface, err)
		}
		defaults[surface] = cfg
	}
	return defaults, nil
}

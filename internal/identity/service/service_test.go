package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	accessmodels "trustledger/internal/access/models"
	accessservice "trustledger/internal/access/service"
	accessstore "trustledger/internal/access/store"
	"trustledger/internal/identity/metrics"
	"trustledger/internal/identity/models"
	"trustledger/internal/identity/store"
	ratelimitmodels "trustledger/internal/ratelimit/models"
	"trustledger/internal/ratelimit/service/limiter"
	configstore "trustledger/internal/ratelimit/store/config"
	"trustledger/internal/ratelimit/store/window"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/audit/publisher"
	auditmemory "trustledger/pkg/platform/audit/store/memory"
	"trustledger/pkg/platform/tx"
	"trustledger/pkg/requestcontext"
)

var (
	admin   = id.MustWalletAddress("0x00000000000000000000000000000000000000a1")
	writer  = id.MustWalletAddress("0x00000000000000000000000000000000000000a2")
	pauser  = id.MustWalletAddress("0x00000000000000000000000000000000000000a3")
	walletW = id.MustWalletAddress("0x00000000000000000000000000000000000000c1")
	walletV = id.MustWalletAddress("0x00000000000000000000000000000000000000c2")
)

type IdentitySuite struct {
	suite.Suite
	service *Service
	store   *store.InMemoryStore
	gate    *accessservice.Gate
	configs *configstore.InMemoryStore
	audits  *auditmemory.InMemoryStore
	metrics *metrics.Metrics
	runner  *tx.Serial
	limiter *limiter.Service
	pub     *publisher.Publisher
	t0      time.Time
}

func TestIdentitySuite(t *testing.T) {
	suite.Run(t, new(IdentitySuite))
}

func (s *IdentitySuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := tx.NewSerial()
	s.audits = auditmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(s.audits)

	gate, err := accessservice.New(accessstore.NewInMemoryStore(),
		accessservice.WithAuditPublisher(pub),
		accessservice.WithLogger(logger),
		accessservice.WithTxRunner(runner),
	)
	s.Require().NoError(err)
	ctx := context.Background()
	s.Require().NoError(gate.Bootstrap(ctx, admin))
	s.Require().NoError(gate.Grant(ctx, admin, accessmodels.CapabilityScoreWriter, writer))
	s.Require().NoError(gate.Grant(ctx, admin, accessmodels.CapabilityPauser, pauser))
	s.gate = gate

	s.configs = configstore.NewInMemoryStore(map[ratelimitmodels.Surface]*ratelimitmodels.Config{
		ratelimitmodels.SurfaceIdentity: {
			MaxOperationsPerWindow: 5,
			WindowDuration:         time.Hour,
			MaxAmountPerOperation:  decimal.NewFromInt(300),
			Enabled:                true,
		},
	})
	lim, err := limiter.New(window.NewInMemoryStore(), s.configs, gate,
		limiter.WithAuditPublisher(pub),
		limiter.WithLogger(logger),
		limiter.WithTxRunner(runner),
	)
	s.Require().NoError(err)
	s.runner, s.limiter, s.pub = runner, lim, pub

	s.store = store.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
	svc, err := New(s.store, gate, lim,
		WithAuditPublisher(pub),
		WithLogger(logger),
		WithMetrics(s.metrics),
		WithTxRunner(runner),
	)
	s.Require().NoError(err)
	s.service = svc

	s.t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func (s *IdentitySuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *IdentitySuite) identityEvents(wallet id.WalletAddress) []audit.Event {
	events, err := s.audits.ListByEntity(context.Background(), audit.EntityIdentity, wallet.Key())
	s.Require().NoError(err)
	return events
}

func (s *IdentitySuite) setBreaker(maxOps int, maxAmount int64, enabled bool) {
	s.Require().NoError(s.configs.Put(context.Background(), ratelimitmodels.SurfaceIdentity, &ratelimitmodels.Config{
		MaxOperationsPerWindow: maxOps,
		WindowDuration:         time.Hour,
		MaxAmountPerOperation:  decimal.NewFromInt(maxAmount),
		Enabled:                enabled,
	}))
}

func (s *IdentitySuite) TestMintThenUpdate() {
	first, err := s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 500, 1)
	s.Require().NoError(err)
	s.Equal(id.RecordID(1), first.RecordID)

	got, err := s.service.GetScore(context.Background(), walletW)
	s.Require().NoError(err)
	s.Equal(500, got.Score)
	s.Equal(1, int(got.RiskClass))
	s.True(got.LastUpdated.Equal(s.t0))

	t1 := s.t0.Add(time.Minute)
	second, err := s.service.MintOrUpdate(s.at(t1), writer, walletW, 700, 0)
	s.Require().NoError(err)
	s.Equal(first.RecordID, second.RecordID)

	got, err = s.service.GetScore(context.Background(), walletW)
	s.Require().NoError(err)
	s.Equal(700, got.Score)
	s.Equal(0, int(got.RiskClass))
	s.True(got.LastUpdated.Equal(t1))

	var created, updated int
	for _, e := range s.identityEvents(walletW) {
		switch audit.AuditEvent(e.Action) {
		case audit.EventIdentityCreated:
			created++
		case audit.EventIdentityUpdated:
			updated++
		}
	}
	s.Equal(1, created)
	s.Equal(2, updated)

	last := s.identityEvents(walletW)[2]
	s.Equal("500", last.Before["score"])
	s.Equal("700", last.After["score"])
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Writes.WithLabelValues("created")))
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.Writes.WithLabelValues("updated")))
}

func (s *IdentitySuite) TestMintOrUpdateRejections() {
	ctx := s.at(s.t0)

	s.Run("caller without score_writer", func() {
		_, err := s.service.MintOrUpdate(ctx, walletV, walletW, 500, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("score out of range", func() {
		_, err := s.service.MintOrUpdate(ctx, writer, walletW, 1001, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("risk class out of range", func() {
		_, err := s.service.MintOrUpdate(ctx, writer, walletW, 10, 4)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("zero wallet", func() {
		_, err := s.service.MintOrUpdate(ctx, writer, id.WalletAddress{}, 10, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("paused ledger", func() {
		s.Require().NoError(s.gate.Pause(ctx, pauser))
		defer func() { s.Require().NoError(s.gate.Unpause(ctx, pauser)) }()

		_, err := s.service.MintOrUpdate(ctx, writer, walletW, 500, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Empty(s.identityEvents(walletW))
	got, err := s.service.GetScore(ctx, walletW)
	s.Require().NoError(err)
	s.False(got.Exists())
}

func (s *IdentitySuite) TestRateLimit() {
	s.setBreaker(1, 1000, true)

	_, err := s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 500, 1)
	s.Require().NoError(err)

	_, err = s.service.MintOrUpdate(s.at(s.t0.Add(time.Minute)), writer, walletW, 510, 1)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimitExceeded))

	got, err := s.service.GetScore(context.Background(), walletW)
	s.Require().NoError(err)
	s.Equal(500, got.Score, "tripped call must not write")

	s.Run("window elapsed resets the count", func() {
		_, err := s.service.MintOrUpdate(s.at(s.t0.Add(time.Hour)), writer, walletW, 510, 1)
		s.Require().NoError(err)
	})

	s.Run("other wallets have their own window", func() {
		_, err := s.service.MintOrUpdate(s.at(s.t0.Add(time.Minute)), writer, walletV, 100, 1)
		s.Require().NoError(err)
	})
}

func (s *IdentitySuite) TestAmountLimitUsesScoreDelta() {
	_, err := s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 100, 1)
	s.Require().NoError(err, "first write has no delta")

	_, err = s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 500, 1)
	s.True(dErrors.HasCode(err, dErrors.CodeAmountLimitExceeded))

	_, err = s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 400, 1)
	s.Require().NoError(err, "delta equal to the cap is allowed")
}

func (s *IdentitySuite) TestDisabledBreakerBypasses() {
	s.setBreaker(1, 0, false)
	for i := range 3 {
		_, err := s.service.MintOrUpdate(s.at(s.t0), writer, walletW, 100*i, 1)
		s.Require().NoError(err)
	}
}

func (s *IdentitySuite) TestRemoveAndRecreate() {
	ctx := s.at(s.t0)
	first, err := s.service.MintOrUpdate(ctx, writer, walletW, 500, 1)
	s.Require().NoError(err)

	s.Run("requires admin", func() {
		err := s.service.Remove(ctx, writer, walletW)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Require().NoError(s.service.Remove(ctx, admin, walletW))

	got, err := s.service.GetScore(ctx, walletW)
	s.Require().NoError(err)
	s.False(got.Exists())

	_, err = s.service.OwnerOf(ctx, first.RecordID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.Run("removing again is a state error", func() {
		err := s.service.Remove(ctx, admin, walletW)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	again, err := s.service.MintOrUpdate(ctx, writer, walletW, 300, 2)
	s.Require().NoError(err)
	s.NotEqual(first.RecordID, again.RecordID)
	s.Greater(again.RecordID, first.RecordID)

	history, err := s.service.History(ctx, walletW)
	s.Require().NoError(err)
	actions := make([]string, 0, len(history))
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	s.Equal([]string{
		string(audit.EventIdentityCreated),
		string(audit.EventIdentityUpdated),
		string(audit.EventIdentityRemoved),
		string(audit.EventIdentityCreated),
		string(audit.EventIdentityUpdated),
	}, actions)
}

func (s *IdentitySuite) TestTransferIsRejected() {
	ctx := s.at(s.t0)
	created, err := s.service.MintOrUpdate(ctx, writer, walletW, 500, 1)
	s.Require().NoError(err)

	err = s.service.Transfer(ctx, walletW, created.RecordID, walletV)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	owner, err := s.service.OwnerOf(ctx, created.RecordID)
	s.Require().NoError(err)
	s.Equal(walletW, owner)

	events := s.identityEvents(walletW)
	s.Require().NotEmpty(events)
	rejected := events[len(events)-1]
	s.Equal(string(audit.EventIdentityTransferRejected), rejected.Action)
	s.Equal(audit.CategorySecurity, rejected.Category)

	s.Run("unknown record", func() {
		err := s.service.Transfer(ctx, walletW, id.RecordID(99), walletV)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *IdentitySuite) TestGetScoreWithoutRecord() {
	got, err := s.service.GetScore(context.Background(), walletV)
	s.Require().NoError(err)
	s.Equal(0, got.Score)
	s.Equal(0, int(got.RiskClass))
	s.True(got.LastUpdated.IsZero())
}

// stallingStore applies Create, holds the unit open until released, then
// fails it.
type stallingStore struct {
	*store.InMemoryStore
	creating chan struct{}
	release  chan struct{}
}

func (st *stallingStore) Create(ctx context.Context, identity *models.Identity) error {
	if err := st.InMemoryStore.Create(ctx, identity); err != nil {
		return err
	}
	close(st.creating)
	<-st.release
	return errors.New("disk full")
}

func (s *IdentitySuite) TestReadsNeverObserveAnOpenWrite() {
	stalling := &stallingStore{
		InMemoryStore: s.store,
		creating:      make(chan struct{}),
		release:       make(chan struct{}),
	}
	svc, err := New(stalling, s.gate, s.limiter,
		WithAuditPublisher(s.pub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTxRunner(s.runner),
	)
	s.Require().NoError(err)

	written := make(chan error, 1)
	go func() {
		_, err := svc.MintOrUpdate(s.at(s.t0), writer, walletW, 640, 2)
		written <- err
	}()
	<-stalling.creating

	type observed struct {
		score   *models.Identity
		history []audit.Event
	}
	reads := make(chan observed, 1)
	go func() {
		score, _ := svc.GetScore(context.Background(), walletW)
		history, _ := svc.History(context.Background(), walletW)
		reads <- observed{score: score, history: history}
	}()

	select {
	case got := <-reads:
		s.FailNow("read completed during the write", "score %+v", got.score)
	case <-time.After(50 * time.Millisecond):
	}

	close(stalling.release)
	s.Require().Error(<-written)

	got := <-reads
	s.Require().NotNil(got.score)
	s.False(got.score.Exists())
	s.Empty(got.history)
}

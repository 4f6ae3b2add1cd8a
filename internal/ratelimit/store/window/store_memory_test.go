package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustledger/internal/ratelimit/models"
	"trustledger/pkg/platform/tx"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	cfg   *models.Config
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
	s.cfg = &models.Config{MaxOperationsPerWindow: 2, WindowDuration: time.Minute, Enabled: true}
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) consume(key string) error {
	return s.store.Execute(s.ctx, models.SurfaceIdentity, key, func(state *models.WindowState) error {
		return state.Consume(s.cfg, s.now, nil)
	})
}

func (s *InMemoryStoreSuite) TestExecute() {
	s.Run("persists state on success", func() {
		s.Require().NoError(s.consume("0xaaa"))
		state, err := s.store.Get(s.ctx, models.SurfaceIdentity, "0xaaa")
		s.Require().NoError(err)
		s.Equal(1, state.OperationCount)
		s.Equal(s.now, state.WindowStart)
	})

	s.Run("failed fn leaves state untouched", func() {
		s.Require().NoError(s.consume("0xbbb"))
		s.Require().NoError(s.consume("0xbbb"))
		s.Require().Error(s.consume("0xbbb"))

		state, err := s.store.Get(s.ctx, models.SurfaceIdentity, "0xbbb")
		s.Require().NoError(err)
		s.Equal(2, state.OperationCount)
	})

	s.Run("surfaces are isolated", func() {
		s.Require().NoError(s.consume("0xccc"))
		state, err := s.store.Get(s.ctx, models.SurfaceLending, "0xccc")
		s.Require().NoError(err)
		s.Zero(state.OperationCount)
	})
}

func (s *InMemoryStoreSuite) TestRollback() {
	s.Run("new key is removed when the unit fails", func() {
		runner := tx.NewSerial()
		err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Execute(ctx, models.SurfaceIdentity, "0xddd", func(state *models.WindowState) error {
				return state.Consume(s.cfg, s.now, nil)
			}); err != nil {
				return err
			}
			return errors.New("later step failed")
		})
		s.Require().Error(err)

		state, err := s.store.Get(s.ctx, models.SurfaceIdentity, "0xddd")
		s.Require().NoError(err)
		s.Zero(state.OperationCount)
	})

	s.Run("existing key is restored when the unit fails", func() {
		s.Require().NoError(s.consume("0xeee"))
		runner := tx.NewSerial()
		err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Execute(ctx, models.SurfaceIdentity, "0xeee", func(state *models.WindowState) error {
				return state.Consume(s.cfg, s.now, nil)
			}); err != nil {
				return err
			}
			return errors.New("later step failed")
		})
		s.Require().Error(err)

		state, err := s.store.Get(s.ctx, models.SurfaceIdentity, "0xeee")
		s.Require().NoError(err)
		s.Equal(1, state.OperationCount)
	})
}

func (s *InMemoryStoreSuite) TestReset() {
	s.Require().NoError(s.consume("0xfff"))
	s.Require().NoError(s.store.Reset(s.ctx, models.SurfaceIdentity, "0xfff"))

	state, err := s.store.Get(s.ctx, models.SurfaceIdentity, "0xfff")
	s.Require().NoError(err)
	s.Zero(state.OperationCount)
}

func (s *InMemoryStoreSuite) TestConcurrentExecute() {
	s.cfg.MaxOperationsPerWindow = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.consume("0x123"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(10, allowed)
}

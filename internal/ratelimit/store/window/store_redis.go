package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trustledger/internal/ratelimit/models"
	"trustledger/pkg/platform/tx"
)

const (
	fieldWindowStart = "window_start"
	fieldCount       = "count"

	maxWatchRetries = 25
)

// RedisStore keeps window counters in a Redis hash per key so several ledger
// processes share one view. Writes use WATCH/MULTI for per-key atomicity.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

type RedisOption func(*RedisStore)

func WithLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Execute(ctx context.Context, surface models.Surface, key string, fn func(state *models.WindowState) error) error {
	k := models.WindowKey(surface, key)

	var (
		prev    models.WindowState
		existed bool
	)
	txf := func(rtx *redis.Tx) error {
		var err error
		prev, existed, err = readState(ctx, rtx, k)
		if err != nil {
			return err
		}
		state := prev
		if err := fn(&state); err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k,
				fieldWindowStart, state.WindowStart.UnixNano(),
				fieldCount, state.OperationCount,
			)
			return nil
		})
		return err
	}

	var err error
	for range maxWatchRetries {
		err = s.client.Watch(ctx, txf, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return err
	}

	tx.OnRollback(ctx, func() {
		s.restore(context.WithoutCancel(ctx), k, prev, existed)
	})
	return nil
}

func (s *RedisStore) restore(ctx context.Context, k string, prev models.WindowState, existed bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if existed {
		err = s.client.HSet(ctx, k,
			fieldWindowStart, prev.WindowStart.UnixNano(),
			fieldCount, prev.OperationCount,
		).Err()
	} else {
		err = s.client.Del(ctx, k).Err()
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to undo rate limit window", "key", k, "error", err)
	}
}

func (s *RedisStore) Get(ctx context.Context, surface models.Surface, key string) (*models.WindowState, error) {
	state, _, err := readState(ctx, s.client, models.WindowKey(surface, key))
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) Reset(ctx context.Context, surface models.Surface, key string) error {
	if err := s.client.Del(ctx, models.WindowKey(surface, key)).Err(); err != nil {
		return fmt.Errorf("reset rate limit window: %w", err)
	}
	return nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readState(ctx context.Context, c hashReader, k string) (models.WindowState, bool, error) {
	vals, err := c.HGetAll(ctx, k).Result()
	if err != nil {
		return models.WindowState{}, false, fmt.Errorf("read rate limit window: %w", err)
	}
	if len(vals) == 0 {
		return models.WindowState{}, false, nil
	}
	startNanos, err := strconv.ParseInt(vals[fieldWindowStart], 10, 64)
	if err != nil {
		return models.WindowState{}, false, fmt.Errorf("parse window start: %w", err)
	}
	count, err := strconv.Atoi(vals[fieldCount])
	if err != nil {
		return models.WindowState{}, false, fmt.Errorf("parse window count: %w", err)
	}
	return models.WindowState{
		WindowStart:    time.Unix(0, startNanos).UTC(),
		OperationCount: count,
	}, true, nil
}

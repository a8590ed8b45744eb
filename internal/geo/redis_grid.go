package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/example/help-matching/internal/models"
)

const maxWatchRetries = 5

// RedisGrid implements GridIndex on Redis. Each cell is a hash
// {prefix}cell:{x}:{y} of userID -> "lat,lon" and each user has a reverse key
// {prefix}user:{id} holding its cell key. Migrations run in MULTI/EXEC under
// WATCH on the reverse key.
type RedisGrid struct {
	client  *redis.Client
	prefix  string
	size    float64
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
}

type RedisGridConfig struct {
	Addr     string
	Password string
	Prefix   string
	CellSize float64
	Timeout  time.Duration
}

func NewRedisGrid(cfg RedisGridConfig) *RedisGrid {
	c := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})
	return NewRedisGridWithClient(c, cfg)
}

func NewRedisGridWithClient(c *redis.Client, cfg RedisGridConfig) *RedisGrid {
	if cfg.CellSize <= 0 {
		cfg.CellSize = DefaultCellSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "grid:"
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "redis-grid",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RedisGrid{client: c, prefix: cfg.Prefix, size: cfg.CellSize, timeout: cfg.Timeout, breaker: breaker}
}

func (g *RedisGrid) cellKey(cellKey string) string { return g.prefix + "cell:" + cellKey }
func (g *RedisGrid) userKey(userID string) string  { return g.prefix + "user:" + userID }

func (g *RedisGrid) UpsertLocation(ctx context.Context, userID string, pos models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	next := CellOf(pos, g.size).Key()
	uk := g.userKey(userID)

	migrate := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, uk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if prev != "" && prev != next {
				p.HDel(ctx, g.cellKey(prev), userID)
			}
			p.HSet(ctx, g.cellKey(next), userID, encodePosition(pos))
			p.Set(ctx, uk, next, 0)
			return nil
		})
		return err
	}

	_, err := g.breaker.Execute(func() (any, error) {
		for i := 0; i < maxWatchRetries; i++ {
			err := g.client.Watch(ctx, migrate, uk)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return nil, err
		}
		return nil, fmt.Errorf("upsert %s: too many concurrent updates", userID)
	})
	return err
}

func (g *RedisGrid) MembersOf(ctx context.Context, cell Cell) (map[string]models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	raw, err := g.breaker.Execute(func() (any, error) {
		return g.client.HGetAll(ctx, g.cellKey(cell.Key())).Result()
	})
	if err != nil {
		return nil, err
	}
	fields := raw.(map[string]string)
	out := make(map[string]models.Position, len(fields))
	for id, v := range fields {
		p, err := decodePosition(v)
		if err != nil {
			return nil, fmt.Errorf("cell %s member %s: %w", cell.Key(), id, err)
		}
		out[id] = p
	}
	return out, nil
}

func (g *RedisGrid) CellOfUser(ctx context.Context, userID string) (Cell, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	v, err := g.client.Get(ctx, g.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Cell{}, false, nil
	}
	if err != nil {
		return Cell{}, false, err
	}
	c, err := ParseCellKey(v)
	if err != nil {
		return Cell{}, false, err
	}
	return c, true, nil
}

// Available is false while the circuit breaker is open.
func (g *RedisGrid) Available(context.Context) bool {
	return g.breaker.State() != gobreaker.StateOpen
}

func (g *RedisGrid) CellSize() float64 { return g.size }

func (g *RedisGrid) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.client.Ping(ctx).Err()
}

func (g *RedisGrid) Close() error { return g.client.Close() }

package snapshot

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/config"
	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
)

// RedisCache keeps the latest state of each battle under a short TTL plus a
// capped history list. Reads older than the freshness window fall back to the
// configured Source and re-cache its answer.
type RedisCache struct {
	client   *redis.Client
	fallback Source
	cfg      config.CacheConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewRedisCache builds the cache. fallback may be nil.
func NewRedisCache(cfg config.CacheConfig, fallback Source, log *zap.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisCache(client, cfg, fallback, log)
}

func newRedisCache(client *redis.Client, cfg config.CacheConfig, fallback Source, log *zap.Logger) *RedisCache {
	return &RedisCache{
		client:   client,
		fallback: fallback,
		cfg:      cfg,
		log:      logger.OrNop(log).With(zap.String("component", "snapshot")),
		now:      time.Now,
	}
}

func (c *RedisCache) stateKey(battleID string) string {
	return c.cfg.Prefix + "battle:state:" + battleID
}

func (c *RedisCache) historyKey(battleID string) string {
	return c.cfg.Prefix + "battle:history:" + battleID
}

// LoadBattle returns the cached state when it is fresh, otherwise the
// fallback's. Cache failures are logged and treated as misses.
func (c *RedisCache) LoadBattle(ctx context.Context, battleID string) (json.RawMessage, bool, error) {
	raw, err := c.client.Get(ctx, c.stateKey(battleID)).Bytes()
	switch {
	case err == nil:
		var env envelope
		if uerr := json.Unmarshal(raw, &env); uerr != nil {
			c.log.Warn("Discarding malformed cached battle state", zap.String("battle_id", battleID), zap.Error(uerr))
			metrics.CacheOperations.WithLabelValues("get", "corrupt").Inc()
		} else if env.fresh(c.now(), c.cfg.Freshness) {
			metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
			return env.State, true, nil
		} else {
			metrics.CacheOperations.WithLabelValues("get", "stale").Inc()
		}
	case stderrors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
	default:
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		apperrors.Log(c.log, "Battle cache read failed", apperrors.CacheError("get", err), zap.String("battle_id", battleID))
	}

	if c.fallback == nil {
		return nil, false, nil
	}
	state, ok, err := c.fallback.LoadBattle(ctx, battleID)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := c.SaveBattle(ctx, battleID, state); err != nil {
		apperrors.Log(c.log, "Failed to re-cache battle state", err, zap.String("battle_id", battleID))
	}
	return state, true, nil
}

// SaveBattle writes the state envelope and appends to the history list in one
// transaction.
func (c *RedisCache) SaveBattle(ctx context.Context, battleID string, state json.RawMessage) error {
	nowMs := c.now().UnixMilli()
	env, err := json.Marshal(envelope{State: state, LastUpdated: nowMs})
	if err != nil {
		return apperrors.CacheError("encode", err)
	}
	hist, err := json.Marshal(historyEntry{State: state, Timestamp: nowMs})
	if err != nil {
		return apperrors.CacheError("encode", err)
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.stateKey(battleID), env, c.cfg.StateTTL)
		if c.cfg.HistoryLength > 0 {
			hk := c.historyKey(battleID)
			p.LPush(ctx, hk, hist)
			p.LTrim(ctx, hk, 0, int64(c.cfg.HistoryLength-1))
			p.Expire(ctx, hk, c.cfg.HistoryTTL)
		}
		return nil
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues("set", "error").Inc()
		return apperrors.CacheError("set", err)
	}
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

// History returns up to n recorded states, newest first.
func (c *RedisCache) History(ctx context.Context, battleID string, n int) ([]HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := c.client.LRange(ctx, c.historyKey(battleID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, apperrors.CacheError("history", err)
	}
	out := make([]HistoryEntry, 0, len(items))
	for _, it := range items {
		var h historyEntry
		if err := json.Unmarshal([]byte(it), &h); err != nil {
			continue
		}
		out = append(out, HistoryEntry{State: h.State, At: time.UnixMilli(h.Timestamp)})
	}
	return out, nil
}

// Invalidate drops the cached state and history of a battle.
func (c *RedisCache) Invalidate(ctx context.Context, battleID string) error {
	if err := c.client.Del(ctx, c.stateKey(battleID), c.historyKey(battleID)).Err(); err != nil {
		return apperrors.CacheError("invalidate", err)
	}
	return nil
}

// Ping checks that Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return apperrors.CacheError("ping", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

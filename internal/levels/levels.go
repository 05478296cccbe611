// Package levels answers "what level is this user", backed by the
// user_levels table and an optional Redis cache.
package levels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/workmarket/backend/internal/models"
)

// Lookup reports a user's level. Users without a record are level 1.
type Lookup interface {
	LevelOf(ctx context.Context, userID uuid.UUID) (models.Level, error)
}

var defaultLevel = models.Level{Level: 1}

type PGLookup struct {
	pool *pgxpool.Pool
}

func NewPGLookup(pool *pgxpool.Pool) *PGLookup {
	return &PGLookup{pool: pool}
}

func (l *PGLookup) LevelOf(ctx context.Context, userID uuid.UUID) (models.Level, error) {
	var lv models.Level
	err := l.pool.QueryRow(ctx, `
		SELECT level, experience_score FROM user_levels WHERE user_id = $1
	`, userID).Scan(&lv.Level, &lv.ExperienceScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultLevel, nil
	}
	if err != nil {
		return models.Level{}, fmt.Errorf("level of %s: %w", userID, err)
	}
	return lv, nil
}

// CachedLookup serves levels from Redis and falls through to next on a miss
// or on any Redis error.
type CachedLookup struct {
	next   Lookup
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedLookup(next Lookup, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedLookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(userID uuid.UUID) string { return "level:" + userID.String() }

func (c *CachedLookup) LevelOf(ctx context.Context, userID uuid.UUID) (models.Level, error) {
	raw, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	switch {
	case err == nil:
		var lv models.Level
		if jerr := json.Unmarshal(raw, &lv); jerr == nil {
			return lv, nil
		}
		c.logger.Warn("level cache entry is corrupt", "user_id", userID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("level cache read failed", "user_id", userID, "error", err)
	}

	lv, err := c.next.LevelOf(ctx, userID)
	if err != nil {
		return models.Level{}, err
	}
	if data, err := json.Marshal(lv); err == nil {
		if err := c.client.Set(ctx, cacheKey(userID), data, c.ttl).Err(); err != nil {
			c.logger.Warn("level cache write failed", "user_id", userID, "error", err)
		}
	}
	return lv, nil
}

// Static is a fixed in-memory lookup.
type Static map[uuid.UUID]models.Level

func (s Static) LevelOf(_ context.Context, userID uuid.UUID) (models.Level, error) {
	if lv, ok := s[userID]; ok {
		return lv, nil
	}
	return defaultLevel, nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/chronicle/internal/cache"
	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/logging"
)

const activeUsersCacheKey = "users:active"

// CachedUserDirectory fronts a UserDirectory's ListActive reads with a
// cache. It exists purely as a latency optimization for the
// materialiser's once-per-tick full scan; every miss or cache error
// falls through to the underlying directory.
type CachedUserDirectory struct {
	UserDirectory
	c   cache.Cache
	ttl time.Duration
}

// NewCachedUserDirectory wraps dir with c, caching ListActive results
// for ttl.
func NewCachedUserDirectory(dir UserDirectory, c cache.Cache, ttl time.Duration) *CachedUserDirectory {
	return &CachedUserDirectory{UserDirectory: dir, c: c, ttl: ttl}
}

func (d *CachedUserDirectory) ListActive(ctx context.Context) ([]*domain.User, error) {
	if raw, err := d.c.Get(ctx, activeUsersCacheKey); err == nil {
		var users []*domain.User
		if jsonErr := json.Unmarshal(raw, &users); jsonErr == nil {
			return users, nil
		}
	}

	users, err := d.UserDirectory.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(users); err == nil {
		if err := d.c.Set(ctx, activeUsersCacheKey, raw, d.ttl); err != nil {
			logging.Op().Warn("active user cache write failed", "error", err)
		}
	}
	return users, nil
}

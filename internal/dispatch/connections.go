package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/pkg/models"
)

// cachedConnections wraps store.ConnectionStore with the read-through
// connection-status cache (§4.6). A transient store failure is not
// cached and is reported to the caller, which is expected to treat any
// error here as "not usable" — the fail-open-as-inactive behavior lives at
// the call site, not in this lookup (§7).
type cachedConnections struct {
	store  store.ConnectionStore
	cache  *cache.Store
	logger *slog.Logger
}

func newCachedConnections(s store.ConnectionStore, c *cache.Store, logger *slog.Logger) *cachedConnections {
	return &cachedConnections{store: s, cache: c, logger: logger}
}

// GetConnectionByApp satisfies router.ConnectionLookup.
func (c *cachedConnections) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	key := userID + "\x1f" + appName

	var cached models.AppConnection
	if ok, err := c.cache.GetJSON(ctx, cache.DomainConnectionStatus, key, &cached); err == nil && ok {
		return &cached, nil
	}

	conn, err := c.store.GetConnectionByApp(ctx, userID, appName)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("connection status check failed", "app", appName, "error", err)
		}
		return nil, err
	}

	_ = c.cache.SetJSON(ctx, cache.DomainConnectionStatus, key, conn)
	return conn, nil
}

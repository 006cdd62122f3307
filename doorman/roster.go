package doorman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// MemberCache is an in-memory snapshot of the membership roster, used to
// answer /verify eligibility checks without hitting the member list on
// every command. The snapshot maps normalized email addresses to roster
// full names, and is replaced wholesale under the write lock on refresh.
//
// Refreshes are rate-limited: the roster changes slowly (new signups land
// in batches), so by default it's fetched at most once per week unless a
// verification forces it.
type MemberCache struct {
	mu      sync.RWMutex
	members map[string]string
	limiter *rate.Limiter
	getDB   func() *gorm.DB
	logger  *slog.Logger
}

// NewMemberCache creates an empty MemberCache. getDB provides the roster
// connection on each refresh; returning nil indicates the store is
// unavailable. refreshInterval caps how often Refresh actually fetches.
func NewMemberCache(
	refreshInterval time.Duration,
	getDB func() *gorm.DB,
	logger *slog.Logger,
) *MemberCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemberCache{
		members: map[string]string{},
		limiter: rate.NewLimiter(rate.Every(refreshInterval), 1),
		getDB:   getDB,
		logger:  logger.With(loggerNameKey, loggerNameMemberCache),
	}
}

// Refresh fetches the roster if the refresh interval has elapsed since the
// last fetch, and is a no-op otherwise. If the store is unavailable the
// snapshot is cleared and the interval token is still consumed, so an
// outage empties the cache rather than serving week-old eligibility data.
// A query error returns the token, so the next Refresh retries the fetch
// instead of waiting out the interval on stale data.
func (c *MemberCache) Refresh(ctx context.Context) error {
	res := c.limiter.Reserve()
	if res.Delay() > 0 {
		res.Cancel()
		c.logger.DebugContext(ctx, "member cache refresh interval not elapsed, skipping")
		return nil
	}

	err := c.fetch(ctx)
	if err != nil && !errors.Is(err, ErrStoreUnavailable) {
		res.Cancel()
	}
	return err
}

// ForceRefresh fetches the roster regardless of the refresh interval.
// Used by /verify so eligibility is always checked against current data.
func (c *MemberCache) ForceRefresh(ctx context.Context) error {
	// consume the token if one's available, so a forced refresh also
	// resets the interval
	_ = c.limiter.Allow()
	return c.fetch(ctx)
}

func (c *MemberCache) fetch(ctx context.Context) error {
	db := c.getDB()
	if db == nil {
		c.logger.WarnContext(ctx, "membership store unavailable, clearing member cache")
		c.mu.Lock()
		c.members = map[string]string{}
		c.mu.Unlock()
		return ErrStoreUnavailable
	}

	var entries []MemberListEntry
	if err := db.WithContext(ctx).Find(&entries).Error; err != nil {
		return fmt.Errorf("error fetching member list: %w", err)
	}

	members := make(map[string]string, len(entries))
	for _, entry := range entries {
		email := normalizeEmail(entry.Email)
		if email == "" {
			continue
		}
		members[email] = entry.FullName
	}

	c.mu.Lock()
	c.members = members
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "refreshed member cache", "members", len(members))
	return nil
}

// Has reports whether the given email address is in the current roster
// snapshot. The address is normalized before lookup.
func (c *MemberCache) Has(email string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[normalizeEmail(email)]
	return ok
}

// FullName returns the roster full name for the given email address, or
// an empty string if the address isn't in the snapshot.
func (c *MemberCache) FullName(email string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[normalizeEmail(email)]
}

// Len returns the number of roster entries in the current snapshot.
func (c *MemberCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

package doorman

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMemberCacheRefresh(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(
		t, db.Create(
			[]*MemberListEntry{
				{Email: "Alice@Example.com", FullName: "Alice Example", EndDate: "01/12/25"},
				{Email: "bob@example.com", FullName: "Bob Builder", EndDate: "15/06/26"},
			},
		).Error,
	)

	cache := NewMemberCache(
		time.Hour,
		func() *gorm.DB { return db },
		nil,
	)

	assert.False(t, cache.Has("alice@example.com"))

	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, 2, cache.Len())

	// lookups normalize case and whitespace
	assert.True(t, cache.Has("alice@example.com"))
	assert.True(t, cache.Has("  ALICE@example.COM "))
	assert.True(t, cache.Has("bob@example.com"))
	assert.False(t, cache.Has("carol@example.com"))

	assert.Equal(t, "Alice Example", cache.FullName("Alice@Example.com"))
	assert.Equal(t, "", cache.FullName("carol@example.com"))
}

// Refresh should hit the store at most once per interval; ForceRefresh
// should hit it regardless.
func TestMemberCacheRefreshInterval(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	var fetches atomic.Int64
	cache := NewMemberCache(
		time.Hour,
		func() *gorm.DB {
			fetches.Add(1)
			return db
		},
		nil,
	)

	ctx := context.Background()

	require.NoError(t, cache.Refresh(ctx))
	assert.Equal(t, int64(1), fetches.Load())

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Refresh(ctx))
	}
	assert.Equal(
		t,
		int64(1),
		fetches.Load(),
		"refresh within the interval should not hit the store",
	)

	require.NoError(t, cache.ForceRefresh(ctx))
	assert.Equal(t, int64(2), fetches.Load())
}

func TestMemberCacheFailClosed(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(
		t,
		db.Create(
			&MemberListEntry{
				Email:    "alice@example.com",
				FullName: "Alice Example",
				EndDate:  "01/12/25",
			},
		).Error,
	)

	storeUp := atomic.Bool{}
	storeUp.Store(true)
	cache := NewMemberCache(
		time.Hour,
		func() *gorm.DB {
			if storeUp.Load() {
				return db
			}
			return nil
		},
		nil,
	)

	ctx := context.Background()
	require.NoError(t, cache.ForceRefresh(ctx))
	require.True(t, cache.Has("alice@example.com"))

	// an unavailable store must empty the snapshot rather than leave
	// stale eligibility data in place
	storeUp.Store(false)
	err := cache.ForceRefresh(ctx)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, cache.Len())
	assert.False(t, cache.Has("alice@example.com"))
}

func TestMemberCacheQueryErrorKeepsSnapshot(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(
		t,
		db.Create(
			&MemberListEntry{
				Email:    "alice@example.com",
				FullName: "Alice Example",
				EndDate:  "01/12/25",
			},
		).Error,
	)

	cache := NewMemberCache(
		time.Hour,
		func() *gorm.DB { return db },
		nil,
	)

	ctx := context.Background()
	require.NoError(t, cache.ForceRefresh(ctx))
	require.True(t, cache.Has("alice@example.com"))

	require.NoError(t, db.Migrator().DropTable(&MemberListEntry{}))

	err := cache.ForceRefresh(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)

	// query failures propagate but don't clear what we already had
	assert.True(t, cache.Has("alice@example.com"))
}

// A transient query error must not burn the refresh interval: once the
// store recovers, the very next Refresh should fetch again.
func TestMemberCacheRefreshRetriesAfterQueryError(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	cache := NewMemberCache(
		time.Hour,
		func() *gorm.DB { return db },
		nil,
	)

	ctx := context.Background()

	require.NoError(t, db.Migrator().DropTable(&MemberListEntry{}))
	require.Error(t, cache.Refresh(ctx))

	require.NoError(t, db.Migrator().AutoMigrate(&MemberListEntry{}))
	require.NoError(
		t,
		db.Create(
			&MemberListEntry{
				Email:    "alice@example.com",
				FullName: "Alice Example",
				EndDate:  "01/12/25",
			},
		).Error,
	)

	require.NoError(t, cache.Refresh(ctx))
	assert.True(
		t,
		cache.Has("alice@example.com"),
		"a refresh after a failed fetch should hit the store again",
	)

	// the successful fetch consumed the interval as usual
	require.NoError(t, db.Migrator().DropTable(&MemberListEntry{}))
	require.NoError(t, cache.Refresh(ctx))
	assert.True(t, cache.Has("alice@example.com"))
}

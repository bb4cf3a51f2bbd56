package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	testutil "github.com/evanigwilo/meet-up-sub001/internal/database/testutil"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
)

func TestCleanupNotificationsKeepsUnseenAndRecent(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	rows := []models.Notification{
		{FromID: "a", ToID: "b", Type: models.NotificationPostLike, Seen: true, CreatedAt: now.Add(-48 * time.Hour)},
		{FromID: "a", ToID: "b", Type: models.NotificationPostLike, Seen: false, CreatedAt: now.Add(-48 * time.Hour)},
		{FromID: "a", ToID: "b", Type: models.NotificationPostLike, Seen: true, CreatedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, db.Create(&rows).Error)

	removed, err := CleanupNotifications(context.Background(), db, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var remaining []models.Notification
	require.NoError(t, db.Order("id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, rows[1].ID, remaining[0].ID)
	require.Equal(t, rows[2].ID, remaining[1].ID)
}

func TestCleanupNotificationsRequiresDB(t *testing.T) {
	_, err := CleanupNotifications(context.Background(), nil, time.Now())
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))

	later := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, db.Create(&models.Notification{
		FromID: "a", ToID: "b", Type: models.NotificationFollowUser, Seen: true, CreatedAt: later.Add(-48 * time.Hour),
	}).Error)

	c := NewCleaner(db, store,
		WithNow(func() time.Time { return later }),
		WithNotificationRetention(24*time.Hour),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, c.RunOnce(ctx))

	var entries int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&entries).Error)
	require.EqualValues(t, 1, entries)

	_, ok, err := store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)

	var notifications int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&notifications).Error)
	require.Zero(t, notifications)
}

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("cache offline")
}

func TestCleanerRunOnceCombinesErrors(t *testing.T) {
	c := NewCleaner(nil, failingPurger{}, WithNotificationRetention(0))
	err := c.RunOnce(context.Background())
	require.ErrorContains(t, err, "cache offline")
}

func TestCleanerStartSchedulesJobs(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))

	c := NewCleaner(db, cache.NewDatabaseStore(db), WithCron(scheduler))
	require.NoError(t, c.Start())
	defer c.Stop()

	require.Len(t, scheduler.Entries(), 2)
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	c := NewCleaner(nil, failingPurger{}, WithCacheSchedule("not a schedule"))
	require.Error(t, c.Start())
}

func TestCleanerStartWithoutJobsIsNoop(t *testing.T) {
	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	c := NewCleaner(nil, nil, WithCron(scheduler))
	require.NoError(t, c.Start())
	require.Empty(t, scheduler.Entries())
}

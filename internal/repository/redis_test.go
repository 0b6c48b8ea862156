package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRepository(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRepositoryFromClient(client), mr
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "promotion:summer2024", PromotionHashKey("summer2024"))
	assert.Equal(t, "promotion:amount:summer2024", AmountKey("summer2024"))
	assert.Equal(t, "lock:summer2024", ActivityLockKey("summer2024"))
}

func TestPromotionLifecycle(t *testing.T) {
	repo, mr := newTestRedisRepository(t)
	ctx := context.Background()

	got, err := repo.GetPromotion(ctx, "summer2024", "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	p := &model.Promotion{
		ID:           "0f8fad5b-d9cb-469f-a165-70867728950e",
		User:         "alice",
		Activity:     "summer2024",
		ReservedTime: time.Date(2024, 7, 1, 14, 55, 0, 0, time.UTC),
	}

	ok, err := repo.CreatePromotion(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CreatePromotion(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok, "HSETNX不应覆盖已有记录")

	assert.True(t, mr.Exists("promotion:summer2024"))

	got, err = repo.GetPromotion(ctx, "summer2024", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, p.ReservedTime.Equal(got.ReservedTime))
	assert.False(t, got.Issued())

	issued := time.Date(2024, 7, 1, 15, 0, 1, 0, time.UTC)
	got.Code = "ABCD2345"
	got.IssuedTime = &issued
	created, err := repo.SavePromotion(ctx, got)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := repo.CountPromotions(ctx, "summer2024")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := repo.DeletePromotion(ctx, "summer2024", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	created, err = repo.SavePromotion(ctx, got)
	require.NoError(t, err)
	assert.True(t, created, "记录被删除后HSET应报告新建")
}

func TestAmount(t *testing.T) {
	repo, mr := newTestRedisRepository(t)
	ctx := context.Background()

	_, ok, err := repo.GetAmount(ctx, "summer2024")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetAmount(ctx, "summer2024", 10))
	amount, ok, err := repo.GetAmount(ctx, "summer2024")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), amount)
	assert.Equal(t, time.Duration(0), mr.TTL("promotion:amount:summer2024"))

	require.NoError(t, mr.Set("promotion:amount:broken", "abc"))
	_, _, err = repo.GetAmount(ctx, "broken")
	assert.Error(t, err)
}

func TestSchedules(t *testing.T) {
	repo, mr := newTestRedisRepository(t)
	ctx := context.Background()

	deadline := time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddSchedule(ctx, "summer2024", deadline))
	// 已登记时不覆盖原时间
	require.NoError(t, repo.AddSchedule(ctx, "summer2024", deadline.Add(time.Hour)))
	require.NoError(t, repo.AddSchedule(ctx, "winter2024", deadline.Add(24*time.Hour)))
	assert.True(t, mr.Exists(ScheduleKey))

	pending, err := repo.PendingSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, deadline.Equal(pending["summer2024"]))
	assert.True(t, deadline.Add(24*time.Hour).Equal(pending["winter2024"]))

	claimed, err := repo.ClaimSchedule(ctx, "summer2024")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimSchedule(ctx, "summer2024")
	require.NoError(t, err)
	assert.False(t, claimed, "只能认领一次")

	// 认领后再次登记不生效
	require.NoError(t, repo.AddSchedule(ctx, "summer2024", deadline))
	pending, err = repo.PendingSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Contains(t, pending, "winter2024")

	claimed, err = repo.ClaimSchedule(ctx, "autumn2024")
	require.NoError(t, err)
	assert.False(t, claimed, "未登记的活动不能认领")

	// 交还后可以重新认领
	require.NoError(t, repo.RestoreSchedule(ctx, "summer2024", deadline))
	pending, err = repo.PendingSchedules(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, "summer2024")

	claimed, err = repo.ClaimSchedule(ctx, "summer2024")
	require.NoError(t, err)
	assert.True(t, claimed)
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/repository"
)

// DefaultActivityLockTTL 活动锁过期时间，未释放的锁最多阻塞这么久
const DefaultActivityLockTTL = 5 * time.Second

// ActivityLock 基于 SET NX PX 的活动锁
type ActivityLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewActivityLock(client redis.Cmdable, ttl time.Duration) *ActivityLock {
	if ttl <= 0 {
		ttl = DefaultActivityLockTTL
	}
	return &ActivityLock{client: client, ttl: ttl}
}

// Acquire 锁不存在时写入 owner 并设置过期时间
func (l *ActivityLock) Acquire(ctx context.Context, activityID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, repository.ActivityLockKey(activityID), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取活动 %s 锁失败: %w", activityID, err)
	}
	return ok, nil
}

// Release 删除锁键，删除数量不是0或1时视为释放失败
func (l *ActivityLock) Release(ctx context.Context, activityID string) error {
	n, err := l.client.Del(ctx, repository.ActivityLockKey(activityID)).Result()
	if err != nil {
		return errs.Mark(fmt.Errorf("释放活动 %s 锁失败: %w", activityID, err), errs.ErrLockRelease)
	}
	if n != 0 && n != 1 {
		return errs.Wrapf(errs.ErrLockRelease, "活动 %s 删除数量异常: %d", activityID, n)
	}
	return nil
}

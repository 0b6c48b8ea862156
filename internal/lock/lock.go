package lock

import (
	"context"
	"time"
)

// Lock 分布式锁接口，用于多实例间选出唯一的容量计算实例
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, timeout time.Duration) (bool, error)

	// Held 本实例当前是否仍持有锁，租约续期失败后返回false
	Held(lockName string) bool

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// Locker 活动锁接口，按活动互斥
type Locker interface {
	// Acquire 尝试获取活动锁，已被持有时立即返回false，不等待
	Acquire(ctx context.Context, activityID, owner string) (bool, error)

	// Release 释放活动锁
	Release(ctx context.Context, activityID string) error
}

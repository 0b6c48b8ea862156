package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	defaultTTL = 10 // 默认租约过期时间（秒）
)

// etcdClient EtcdLock 用到的客户端方法，*clientv3.Client 实现
type etcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Txn(ctx context.Context) clientv3.Txn
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Close() error
}

// EtcdLock 基于租约的分布式锁，持有期间自动续约
type EtcdLock struct {
	client            etcdClient
	log               *zap.Logger
	keepAliveInterval time.Duration
	mu                sync.Mutex            // 保护locks的互斥锁
	locks             map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock(cfg config.ETCDConfig, log *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return newEtcdLockWithClient(cli, log), nil
}

func newEtcdLockWithClient(cli etcdClient, log *zap.Logger) *EtcdLock {
	return &EtcdLock{
		client:            cli,
		log:               logger.OrNop(log),
		keepAliveInterval: time.Duration(defaultTTL/2) * time.Second,
		locks:             make(map[string]*lockEntry),
	}
}

// Held 续约失败后锁项会被移除
func (el *EtcdLock) Held(lockName string) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	_, ok := el.locks[lockName]
	return ok
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	// 检查是否已持有锁
	if _, ok := el.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := fmt.Sprintf("/locks/%s", lockName)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 创建租约
	grantResp, err := el.client.Grant(ctx, defaultTTL)
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 键不存在时才写入
	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, lockName, grantResp.ID)

	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		if err := el.releaseLock(lockName); err != nil {
			el.log.Warn("释放etcd锁失败", zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// keepAlive 定时续约，续约失败说明租约已丢失，移除锁项
func (el *EtcdLock) keepAlive(ctx context.Context, lockName string, leaseID clientv3.LeaseID) {
	ticker := time.NewTicker(el.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				el.log.Error("etcd锁续约失败，锁已丢失", zap.String("lock", lockName), zap.Error(err))
				el.forget(lockName, leaseID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// forget 只移除同一租约的锁项，重新获取的锁不受影响
func (el *EtcdLock) forget(lockName string, leaseID clientv3.LeaseID) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok || entry.leaseID != leaseID {
		return
	}
	entry.cancel()
	delete(el.locks, lockName)
}

// releaseLock 调用方需持有 el.mu
func (el *EtcdLock) releaseLock(lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}

	entry.cancel()
	delete(el.locks, lockName)

	if _, err := el.client.Delete(context.Background(), entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	if _, err := el.client.Revoke(context.Background(), entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}

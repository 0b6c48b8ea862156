package checker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/lock"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"go.uber.org/zap"
)

const storeTimeout = 3 * time.Second

// Estimator 容量计算，由 promotion.CapacityEstimator 实现
type Estimator interface {
	ComputeCapacity(ctx context.Context, activityID, whom string) (int64, error)
}

// ScheduleStore 多实例共享的待计算活动，由 repository.RedisRepository 实现
type ScheduleStore interface {
	AddSchedule(ctx context.Context, activityID string, deadline time.Time) error
	PendingSchedules(ctx context.Context) (map[string]time.Time, error)
	// ClaimSchedule 取得计算权，每个活动只有一个实例能认领成功
	ClaimSchedule(ctx context.Context, activityID string) (bool, error)
	RestoreSchedule(ctx context.Context, activityID string, deadline time.Time) error
}

type Option func(*Checker)

// WithScheduleStore 登记项写入共享存储，主实例通过 Sync 接手其他实例登记的活动
func WithScheduleStore(store ScheduleStore) Option {
	return func(c *Checker) {
		c.store = store
	}
}

// Checker 按活动登记一次性定时器，预约窗口结束时触发容量计算。
// 每个实例都登记定时器，只有触发时是主实例才计算。
// 计算完成后登记项保留，同一进程内每个活动只计算一次。
type Checker struct {
	estimator     Estimator
	store         ScheduleStore
	timeout       time.Duration
	retryCount    int
	retryInterval time.Duration
	log           *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	// deferred 触发时未能计算的活动，等待 Sync 重新登记
	deferred map[string]bool
	stopped  bool

	enabled atomic.Bool
	seq     atomic.Uint64
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewChecker(estimator Estimator, cfg config.CheckerConfig, log *zap.Logger, opts ...Option) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		estimator:     estimator,
		timeout:       cfg.Timeout,
		retryCount:    cfg.RetryCount,
		retryInterval: cfg.RetryInterval,
		log:           logger.OrNop(log),
		timers:        make(map[string]*time.Timer),
		deferred:      make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retryCount < 1 {
		c.retryCount = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	c.enabled.Store(true)
	return c
}

// SetEnabled 非主实例关闭计算，定时器照常登记
func (c *Checker) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

func (c *Checker) Enabled() bool {
	return c.enabled.Load()
}

// Schedule 为活动登记定时器，已登记时不做任何事。
// 共享存储先于本地定时器写入，保证触发时登记项已可认领；
// 写入失败时不登记，由下一次预约重新登记。
func (c *Checker) Schedule(activityID string, delay time.Duration) bool {
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	if _, ok := c.timers[activityID]; ok {
		return false
	}

	if c.store != nil {
		ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
		defer cancel()
		if err := c.store.AddSchedule(ctx, activityID, time.Now().Add(delay)); err != nil {
			c.log.Error("写入容量计算登记失败", zap.String("activity", activityID), zap.Error(err))
			return false
		}
	}
	c.register(activityID, delay)
	return true
}

// register 调用方持有 mu
func (c *Checker) register(activityID string, delay time.Duration) {
	c.timers[activityID] = time.AfterFunc(delay, func() {
		c.fire(activityID)
	})
	c.log.Info("已登记容量计算定时器",
		zap.String("activity", activityID),
		zap.Duration("delay", delay),
	)
}

// Scheduled 活动是否已登记
func (c *Checker) Scheduled(activityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[activityID]
	return ok
}

// Cancel 停止本地定时器并移除登记项，共享存储中的登记不受影响
func (c *Checker) Cancel(activityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer, ok := c.timers[activityID]
	if !ok {
		return false
	}
	delete(c.timers, activityID)
	delete(c.deferred, activityID)
	return timer.Stop()
}

// Sync 补登共享存储中本实例尚未登记或未能计算的活动，返回补登数量。
// 未配置共享存储时只重新登记本地未能计算的活动。
func (c *Checker) Sync(ctx context.Context) (int, error) {
	var pending map[string]time.Time
	if c.store != nil {
		var err error
		pending, err = c.store.PendingSchedules(ctx)
		if err != nil {
			return 0, err
		}
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return 0, nil
	}

	if c.store == nil {
		pending = make(map[string]time.Time, len(c.deferred))
		for activityID := range c.deferred {
			pending[activityID] = now
		}
	} else {
		// 不在共享存储中的已由其他实例认领
		for activityID := range c.deferred {
			if _, ok := pending[activityID]; !ok {
				delete(c.deferred, activityID)
			}
		}
	}

	registered := 0
	for activityID, deadline := range pending {
		timer, ok := c.timers[activityID]
		if ok && !c.deferred[activityID] {
			continue
		}
		if ok {
			timer.Stop()
		}
		delete(c.deferred, activityID)
		c.register(activityID, deadline.Sub(now))
		registered++
	}
	return registered, nil
}

// Stop 停止所有定时器，并等待执行中的计算结束
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, timer := range c.timers {
		timer.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Info("容量计算定时器已停止")
}

func (c *Checker) fire(activityID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if !c.enabled.Load() {
		c.deferred[activityID] = true
		c.mu.Unlock()
		c.log.Info("非主实例，跳过容量计算", zap.String("activity", activityID))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	whom := strconv.FormatUint(c.seq.Add(1), 10)
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	claimed, err := c.claim(ctx, activityID)
	if err != nil {
		c.log.Error("认领容量计算失败", zap.String("activity", activityID), zap.Error(err))
		c.deferLocally(activityID)
		return
	}
	if !claimed {
		c.log.Info("容量计算已由其他实例认领", zap.String("activity", activityID))
		return
	}

	for attempt := 1; ; attempt++ {
		amount, err := c.estimator.ComputeCapacity(ctx, activityID, whom)
		if err == nil {
			c.log.Info("容量计算完成",
				zap.String("activity", activityID),
				zap.Int64("amount", amount),
				zap.Int("attempt", attempt),
			)
			return
		}

		if !errs.Is(err, errs.ErrLockContention) || attempt >= c.retryCount {
			c.log.Error("容量计算失败",
				zap.String("activity", activityID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			c.restore(activityID)
			return
		}

		select {
		case <-ctx.Done():
			c.log.Error("容量计算超时", zap.String("activity", activityID), zap.Error(ctx.Err()))
			c.restore(activityID)
			return
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *Checker) claim(ctx context.Context, activityID string) (bool, error) {
	if c.store == nil {
		return true, nil
	}
	return c.store.ClaimSchedule(ctx, activityID)
}

// restore 计算失败时交还计算权，主实例下次 Sync 时重试
func (c *Checker) restore(activityID string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), storeTimeout)
	defer cancel()
	if err := c.store.RestoreSchedule(ctx, activityID, time.Now()); err != nil {
		c.log.Error("交还容量计算失败", zap.String("activity", activityID), zap.Error(err))
		return
	}
	c.deferLocally(activityID)
}

func (c *Checker) deferLocally(activityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[activityID]; ok {
		c.deferred[activityID] = true
	}
}

// Campaign 持续竞争主实例锁，直到 ctx 结束。
// 取得锁后开启计算并周期性 Sync，锁丢失后关闭计算并重新竞争。
func (c *Checker) Campaign(ctx context.Context, leader lock.Lock, lockName string, interval, timeout time.Duration) error {
	c.SetEnabled(false)
	defer c.SetEnabled(false)
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.campaignOnce(ctx, leader, lockName, timeout)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Checker) campaignOnce(ctx context.Context, leader lock.Lock, lockName string, timeout time.Duration) {
	if c.Enabled() && !leader.Held(lockName) {
		c.SetEnabled(false)
		c.log.Warn("主实例锁已丢失，停止容量计算", zap.String("lock", lockName))
	}

	if !c.Enabled() {
		acquired, err := leader.AcquireLock(ctx, lockName, timeout)
		if err != nil {
			c.log.Warn("竞争容量计算主实例失败", zap.String("lock", lockName), zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		c.SetEnabled(true)
		c.log.Info("本实例负责容量计算", zap.String("lock", lockName))
	}

	n, err := c.Sync(ctx)
	if err != nil {
		c.log.Warn("同步待计算活动失败", zap.Error(err))
		return
	}
	if n > 0 {
		c.log.Info("已接手待计算活动", zap.Int("count", n))
	}
}

package promotion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/lock"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"go.uber.org/zap"
)

// DefaultOperationTimeout 单次预约或发放的执行上限
const DefaultOperationTimeout = 10 * time.Second

// Coordinator 负责预约、发放、回收三种状态转换。
// 同一活动的发放与回收通过活动锁串行执行。
type Coordinator struct {
	records RecordStore
	ledger  *Ledger
	locker  lock.Locker
	newCode CodeGenerator
	now     func() time.Time
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Coordinator)

// WithOperationTimeout 替换单次操作的执行上限
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCodeGenerator 替换券码生成器
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(c *Coordinator) { c.newCode = gen }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(records RecordStore, ledger *Ledger, locker lock.Locker, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		records: records,
		ledger:  ledger,
		locker:  locker,
		newCode: RandomCode,
		now:     time.Now,
		timeout: DefaultOperationTimeout,
		log:     logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 查询记录，不存在时返回nil
func (c *Coordinator) Get(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	return c.records.GetPromotion(ctx, activityID, userID)
}

// Reserve 预约；已有记录时原样返回
func (c *Coordinator) Reserve(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	existing, err := c.records.GetPromotion(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	promotion := &model.Promotion{
		ID:           uuid.NewString(),
		User:         userID,
		Activity:     activityID,
		ReservedTime: c.now().UTC(),
	}

	ok, err := c.records.CreatePromotion(ctx, promotion)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.log.Error("预约失败", zap.String("activity", activityID), zap.String("user", userID))
		return nil, errs.Wrapf(errs.ErrReserveFailed, "%s - %s", activityID, userID)
	}
	return promotion, nil
}

// Issue 为已预约用户发放券码
func (c *Coordinator) Issue(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	promotion, err := c.records.GetPromotion(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}
	if promotion == nil {
		c.log.Warn("用户未预约", zap.String("activity", activityID), zap.String("user", userID))
		return nil, errs.Wrapf(errs.ErrNoReservation, "%s - %s", activityID, userID)
	}

	ok, err := c.locker.Acquire(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Wrapf(errs.ErrLockContention, "%s - %s", activityID, userID)
	}
	// 无论结果如何都释放锁，释放失败只记日志
	defer func() {
		if releaseErr := c.locker.Release(context.WithoutCancel(ctx), activityID); releaseErr != nil {
			c.log.Error("释放活动锁失败", zap.String("activity", activityID), zap.Error(releaseErr))
		}
	}()

	// 持锁后重读，避免同一用户并发请求都基于旧记录扣减
	promotion, err = c.records.GetPromotion(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}
	if promotion == nil {
		return nil, errs.Wrapf(errs.ErrNoReservation, "%s - %s", activityID, userID)
	}
	if promotion.Issued() {
		c.log.Warn("重复领取", zap.String("activity", activityID), zap.String("user", userID))
		return nil, errs.Wrapf(errs.ErrDuplicatedIssue, "%s - %s", activityID, userID)
	}

	remaining, err := c.ledger.Decrement(ctx, activityID)
	if err != nil {
		return nil, err
	}

	issuedTime := c.now().UTC()
	promotion.Code = c.newCode()
	promotion.IssuedTime = &issuedTime

	created, err := c.records.SavePromotion(ctx, promotion)
	if err != nil {
		return nil, err
	}
	if created {
		// 读写之间记录被删除，本次写入反而新建了记录
		c.log.Error("发放失败，记录在写入前已消失",
			zap.String("activity", activityID),
			zap.String("user", userID),
		)
		if reclaimErr := c.Reclaim(ctx, activityID, userID); reclaimErr != nil {
			return nil, errs.Mark(errs.Wrapf(reclaimErr, "%s - %s 回收失败", activityID, userID), errs.ErrIssueFailed)
		}
		return nil, errs.Wrapf(errs.ErrIssueFailed, "%s - %s", activityID, userID)
	}

	c.log.Debug("发放成功",
		zap.String("activity", activityID),
		zap.String("user", userID),
		zap.Int64("remaining", remaining),
	)
	return promotion, nil
}

// Reclaim 回滚一次失败的发放：删除记录，确有删除时归还数量。
// 调用方需持有活动锁。
func (c *Coordinator) Reclaim(ctx context.Context, activityID, userID string) error {
	deleted, err := c.records.DeletePromotion(ctx, activityID, userID)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}

	if _, err := c.ledger.Increment(ctx, activityID); err != nil {
		return err
	}
	return nil
}

// detach 操作一旦开始就执行到底，调用方取消请求不会中断扣减与写回
func (c *Coordinator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

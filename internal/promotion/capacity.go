package promotion

import (
	"context"
	"math"

	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/lock"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"go.uber.org/zap"
)

// DefaultCapacityRatio 可发放数量占预约数量的比例
const DefaultCapacityRatio = 0.2

// CapacityEstimator 在预约结束后计算活动可发放总量
type CapacityEstimator struct {
	records RecordStore
	ledger  *Ledger
	locker  lock.Locker
	ratio   float64
	log     *zap.Logger
}

func NewCapacityEstimator(records RecordStore, ledger *Ledger, locker lock.Locker, ratio float64, log *zap.Logger) *CapacityEstimator {
	if ratio <= 0 {
		ratio = DefaultCapacityRatio
	}
	return &CapacityEstimator{
		records: records,
		ledger:  ledger,
		locker:  locker,
		ratio:   ratio,
		log:     logger.OrNop(log),
	}
}

// Capacity round-half-up(count × ratio)
func Capacity(count int64, ratio float64) int64 {
	return int64(math.Floor(float64(count)*ratio + 0.5))
}

// ComputeCapacity 持锁统计预约数并覆盖写入剩余数量。
// 重复执行会重置数量，只能由定时器单次触发。
func (e *CapacityEstimator) ComputeCapacity(ctx context.Context, activityID, whom string) (amount int64, err error) {
	ok, err := e.locker.Acquire(ctx, activityID, "promotion-timer-"+whom)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Wrapf(errs.ErrLockContention, "活动 %s 计算容量", activityID)
	}
	defer func() {
		if releaseErr := e.locker.Release(context.WithoutCancel(ctx), activityID); releaseErr != nil {
			e.log.Error("释放活动锁失败", zap.String("activity", activityID), zap.Error(releaseErr))
		}
	}()

	e.log.Info("开始计算活动发放总量", zap.String("activity", activityID))

	count, err := e.records.CountPromotions(ctx, activityID)
	if err != nil {
		return 0, err
	}

	amount = Capacity(count, e.ratio)
	if err := e.ledger.Set(ctx, activityID, amount); err != nil {
		return 0, err
	}

	e.log.Info("活动发放总量已计算",
		zap.String("activity", activityID),
		zap.Int64("reservations", count),
		zap.Int64("amount", amount),
	)
	return amount, nil
}

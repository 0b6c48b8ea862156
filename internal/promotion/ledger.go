package promotion

import (
	"context"

	"github.com/lvdashuaibi/promocoupon/internal/errs"
)

// Ledger 活动剩余数量账本。
// 读后写，不做原子比较，调用方必须在整个临界区内持有活动锁。
type Ledger struct {
	store AmountStore
}

func NewLedger(store AmountStore) *Ledger {
	return &Ledger{store: store}
}

// Amount 当前剩余数量
func (l *Ledger) Amount(ctx context.Context, activityID string) (int64, error) {
	amount, ok, err := l.store.GetAmount(ctx, activityID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Wrapf(errs.ErrCapacityNotComputed, "活动 %s", activityID)
	}
	return amount, nil
}

// Set 覆盖剩余数量，只由容量计算调用
func (l *Ledger) Set(ctx context.Context, activityID string, amount int64) error {
	if amount < 0 {
		amount = 0
	}
	return l.store.SetAmount(ctx, activityID, amount)
}

// Decrement 扣减一张，已为0时返回 ErrOutOfStock
func (l *Ledger) Decrement(ctx context.Context, activityID string) (int64, error) {
	amount, err := l.Amount(ctx, activityID)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, errs.Wrapf(errs.ErrOutOfStock, "活动 %s", activityID)
	}

	amount--
	if err := l.store.SetAmount(ctx, activityID, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Increment 归还一张；数量异常为负时先归零再加一
func (l *Ledger) Increment(ctx context.Context, activityID string) (int64, error) {
	amount, err := l.Amount(ctx, activityID)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		amount = 0
	}
	amount++

	if err := l.store.SetAmount(ctx, activityID, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

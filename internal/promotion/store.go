package promotion

import (
	"context"

	"github.com/lvdashuaibi/promocoupon/internal/model"
)

// RecordStore 预约/发放记录存储，由 repository.RedisRepository 实现
type RecordStore interface {
	GetPromotion(ctx context.Context, activityID, userID string) (*model.Promotion, error)
	CreatePromotion(ctx context.Context, promotion *model.Promotion) (bool, error)
	SavePromotion(ctx context.Context, promotion *model.Promotion) (bool, error)
	DeletePromotion(ctx context.Context, activityID, userID string) (int64, error)
	CountPromotions(ctx context.Context, activityID string) (int64, error)
}

// AmountStore 剩余数量存储
type AmountStore interface {
	GetAmount(ctx context.Context, activityID string) (int64, bool, error)
	SetAmount(ctx context.Context, activityID string, amount int64) error
}

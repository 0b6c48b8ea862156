package service

import (
	"context"
	"strings"
	"time"

	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/promotion"
	"go.uber.org/zap"
)

// Scheduler 由 checker.Checker 实现
type Scheduler interface {
	Schedule(activityID string, delay time.Duration) bool
}

// Offerer 由 queue.Queue 实现
type Offerer interface {
	Offer(promotion *model.Promotion) bool
}

// Promotions REST 与 GraphQL 依赖的业务接口
type Promotions interface {
	Reserve(ctx context.Context, activityID, userID string) (*model.Promotion, error)
	Issue(ctx context.Context, activityID, userID string) (*model.Promotion, error)
	Get(ctx context.Context, activityID, userID string) (*model.Promotion, error)
	RemainingAmount(ctx context.Context, activityID string) (int64, error)
}

var _ Promotions = (*PromotionService)(nil)

// PromotionService REST 与 GraphQL 共用的业务入口：
// 校验时间窗口，调用协调器，成功后交给持久化队列。
type PromotionService struct {
	coordinator *promotion.Coordinator
	ledger      *promotion.Ledger
	scheduler   Scheduler
	reserved    Offerer
	issued      Offerer
	reserving   config.Window
	issuing     config.Window
	now         func() time.Time
	log         *zap.Logger
}

func NewPromotionService(
	coordinator *promotion.Coordinator,
	ledger *promotion.Ledger,
	scheduler Scheduler,
	reserved Offerer,
	issued Offerer,
	activity config.ActivityConfig,
	log *zap.Logger,
) (*PromotionService, error) {
	reserving, err := activity.Reserving.Parse()
	if err != nil {
		return nil, err
	}
	issuing, err := activity.Issuing.Parse()
	if err != nil {
		return nil, err
	}

	return &PromotionService{
		coordinator: coordinator,
		ledger:      ledger,
		scheduler:   scheduler,
		reserved:    reserved,
		issued:      issued,
		reserving:   reserving,
		issuing:     issuing,
		now:         time.Now,
		log:         logger.OrNop(log),
	}, nil
}

// SetClock 替换时间来源
func (s *PromotionService) SetClock(now func() time.Time) {
	s.now = now
}

// Reserve 预约窗口内预约，首次预约后登记容量计算定时器
func (s *PromotionService) Reserve(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	if err := validate(activityID, userID); err != nil {
		return nil, err
	}

	now := s.now()
	if !s.reserving.Contains(now) {
		return nil, errs.Wrapf(errs.ErrNotAvailable, "活动 %s 不在预约时间内", activityID)
	}

	p, err := s.coordinator.Reserve(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}

	s.reserved.Offer(p.Clone())
	s.scheduler.Schedule(activityID, s.reserving.Until(now))
	return p, nil
}

// Issue 发放窗口内领取优惠券
func (s *PromotionService) Issue(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	if err := validate(activityID, userID); err != nil {
		return nil, err
	}

	if !s.issuing.Contains(s.now()) {
		return nil, errs.Wrapf(errs.ErrNotAvailable, "活动 %s 不在发放时间内", activityID)
	}

	p, err := s.coordinator.Issue(ctx, activityID, userID)
	if err != nil {
		return nil, err
	}

	s.issued.Offer(p.Clone())
	return p, nil
}

// Get 查询记录，不受时间窗口限制
func (s *PromotionService) Get(ctx context.Context, activityID, userID string) (*model.Promotion, error) {
	if err := validate(activityID, userID); err != nil {
		return nil, err
	}
	return s.coordinator.Get(ctx, activityID, userID)
}

// RemainingAmount 活动剩余数量，未计算时返回 ErrCapacityNotComputed
func (s *PromotionService) RemainingAmount(ctx context.Context, activityID string) (int64, error) {
	if strings.TrimSpace(activityID) == "" {
		return 0, errs.Wrap(errs.ErrInvalidRequest, "activityId 不能为空")
	}
	return s.ledger.Amount(ctx, activityID)
}

func validate(activityID, userID string) error {
	if strings.TrimSpace(activityID) == "" {
		return errs.Wrap(errs.ErrInvalidRequest, "activityId 不能为空")
	}
	if strings.TrimSpace(userID) == "" {
		return errs.Wrap(errs.ErrInvalidRequest, "user 不能为空")
	}
	return nil
}

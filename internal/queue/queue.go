package queue

import (
	"context"

	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"go.uber.org/zap"
)

// Queue 热路径与持久化之间的交接通道，写入永不阻塞
type Queue struct {
	name string
	ch   chan *model.Promotion
	log  *zap.Logger
}

// New buffer 为0时是同步交接，没有消费者在等待则丢弃
func New(name string, buffer int, log *zap.Logger) *Queue {
	if buffer < 0 {
		buffer = 0
	}
	return &Queue{
		name: name,
		ch:   make(chan *model.Promotion, buffer),
		log:  logger.OrNop(log),
	}
}

func (q *Queue) Name() string {
	return q.name
}

// Offer 非阻塞写入，返回是否被接收
func (q *Queue) Offer(promotion *model.Promotion) bool {
	select {
	case q.ch <- promotion:
		return true
	default:
		q.log.Warn("持久化队列无法接收，记录被丢弃",
			zap.String("queue", q.name),
			zap.String("id", promotion.ID),
			zap.String("activity", promotion.Activity),
			zap.String("user", promotion.User),
		)
		return false
	}
}

// Run 逐条交给 handler 处理，直到 ctx 结束
func (q *Queue) Run(ctx context.Context, handler func(context.Context, *model.Promotion)) {
	for {
		select {
		case <-ctx.Done():
			return
		case promotion := <-q.ch:
			handler(ctx, promotion)
		}
	}
}

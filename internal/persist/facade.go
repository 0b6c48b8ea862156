package persist

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/queue"
	"go.uber.org/zap"
)

// Writer 持久化写入，由 repository.MySQLRepository 与 KafkaWriter 实现
type Writer interface {
	PersistReservation(ctx context.Context, promotion *model.Promotion) error
	PersistIssuance(ctx context.Context, promotion *model.Promotion) error
}

// Facade 每个交接队列一个消费循环，逐条同步写入。
// 写入失败只记日志，记录不会重试。
type Facade struct {
	reserved     *queue.Queue
	issued       *queue.Queue
	writer       Writer
	writeTimeout time.Duration
	log          *zap.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewFacade(reserved, issued *queue.Queue, writer Writer, writeTimeout time.Duration, log *zap.Logger) *Facade {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Facade{
		reserved:     reserved,
		issued:       issued,
		writer:       writer,
		writeTimeout: writeTimeout,
		log:          logger.OrNop(log),
	}
}

func (f *Facade) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.reserved.Run(ctx, f.saveReservation)
	}()
	go func() {
		defer f.wg.Done()
		f.issued.Run(ctx, f.saveIssuance)
	}()

	f.log.Info("持久化消费循环已启动")
}

// Stop 停止消费循环并等待正在进行的写入结束
func (f *Facade) Stop() {
	if f.cancel == nil {
		return
	}
	f.stopOnce.Do(func() {
		f.cancel()
		f.wg.Wait()
		f.log.Info("持久化消费循环已停止")
	})
}

func (f *Facade) saveReservation(ctx context.Context, promotion *model.Promotion) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
	defer cancel()

	if err := f.writer.PersistReservation(ctx, promotion); err != nil {
		f.log.Error("持久化预约记录失败",
			zap.String("id", promotion.ID),
			zap.String("activity", promotion.Activity),
			zap.String("user", promotion.User),
			zap.Error(err),
		)
	}
}

func (f *Facade) saveIssuance(ctx context.Context, promotion *model.Promotion) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
	defer cancel()

	if err := persistIssuance(ctx, f.writer, promotion); err != nil {
		f.log.Error("持久化发放记录失败",
			zap.String("id", promotion.ID),
			zap.String("activity", promotion.Activity),
			zap.String("user", promotion.User),
			zap.Error(err),
		)
	}
}

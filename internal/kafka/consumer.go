package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader kafka.Reader 的最小接口
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type MessageHandler func(ctx context.Context, event *model.PromotionEvent) error

type Consumer struct {
	readers []MessageReader
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	backoff time.Duration
}

// NewConsumer 同一消费者组内创建多个reader，由broker分配分区
func NewConsumer(cfg config.KafkaConfig, workers int, log *zap.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}

	readers := make([]MessageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		}))
	}
	return NewConsumerWithReaders(readers, log)
}

func NewConsumerWithReaders(readers []MessageReader, log *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		log:     logger.OrNop(log),
		ctx:     ctx,
		cancel:  cancel,
		backoff: time.Second,
	}
}

// StartConsuming 每个reader一个goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r MessageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.log.Info("已启动Kafka消费者", zap.Int("workers", len(c.readers)))
}

func (c *Consumer) consumeMessages(workerID int, reader MessageReader, handler MessageHandler) {
	log := c.log.With(zap.Int("worker", workerID))

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error("读取消息失败", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		var event model.PromotionEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Error("解析消息失败", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		if err := handler(c.ctx, &event); err != nil {
			log.Error("处理消息失败",
				zap.String("type", string(event.Type)),
				zap.String("id", event.ID),
				zap.Error(err),
			)
		}
	}
}

// Stop 停止消费并关闭所有reader
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			c.log.Error("关闭消费者失败", zap.Int("worker", i), zap.Error(err))
			errs = append(errs, err)
		}
	}

	c.log.Info("Kafka消费者已停止")
	return errors.Join(errs...)
}

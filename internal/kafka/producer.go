package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter kafka.Writer 的最小接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewProducer(ctx context.Context, cfg config.KafkaConfig, log *zap.Logger) (*Producer, error) {
	log = logger.OrNop(log)
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			topicPartitions++
		}
	}
	log.Info("生产者检测到Kafka主题分区", zap.String("topic", cfg.Topic), zap.Int("partitions", topicPartitions))

	// 基于消息Key的Hash分区器
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	return NewProducerWithWriter(writer, log), nil
}

func NewProducerWithWriter(writer MessageWriter, log *zap.Logger) *Producer {
	return &Producer{
		writer: writer,
		log:    logger.OrNop(log),
	}
}

// SendPromotionEvent 以记录ID为key发送，同一记录的预约与发放进入同一分区
func (p *Producer) SendPromotionEvent(ctx context.Context, event *model.PromotionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.ID),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送%s事件 %s 失败: %w", event.Type, event.ID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

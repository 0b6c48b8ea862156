package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/repository"
	"go.uber.org/zap"
)

// EventSender 由 kafka.Producer 实现
type EventSender interface {
	SendPromotionEvent(ctx context.Context, event *model.PromotionEvent) error
}

// KafkaWriter 把记录作为事件发送到Kafka，发送失败时直接写入 fallback
type KafkaWriter struct {
	sender   EventSender
	fallback Writer
	log      *zap.Logger
}

func NewKafkaWriter(sender EventSender, fallback Writer, log *zap.Logger) *KafkaWriter {
	return &KafkaWriter{
		sender:   sender,
		fallback: fallback,
		log:      logger.OrNop(log),
	}
}

func (w *KafkaWriter) PersistReservation(ctx context.Context, promotion *model.Promotion) error {
	return w.send(ctx, model.EventReserved, promotion)
}

func (w *KafkaWriter) PersistIssuance(ctx context.Context, promotion *model.Promotion) error {
	return w.send(ctx, model.EventIssued, promotion)
}

func (w *KafkaWriter) send(ctx context.Context, t model.EventType, promotion *model.Promotion) error {
	err := w.sender.SendPromotionEvent(ctx, model.NewPromotionEvent(t, promotion))
	if err == nil {
		return nil
	}
	if w.fallback == nil {
		return err
	}

	w.log.Warn("发送Kafka事件失败，直接写入数据库",
		zap.String("type", string(t)),
		zap.String("id", promotion.ID),
		zap.Error(err),
	)
	return dispatch(ctx, w.fallback, t, promotion)
}

// EventHandler 消费端把事件写入数据库
type EventHandler struct {
	writer Writer
}

func NewEventHandler(writer Writer) *EventHandler {
	return &EventHandler{writer: writer}
}

func (h *EventHandler) Handle(ctx context.Context, event *model.PromotionEvent) error {
	return dispatch(ctx, h.writer, event.Type, event.Promotion())
}

func dispatch(ctx context.Context, writer Writer, t model.EventType, promotion *model.Promotion) error {
	switch t {
	case model.EventReserved:
		return writer.PersistReservation(ctx, promotion)
	case model.EventIssued:
		return persistIssuance(ctx, writer, promotion)
	default:
		return fmt.Errorf("未知的事件类型: %s", t)
	}
}

// persistIssuance 预约行尚未落库时（两个队列互不等待）先补写预约再更新
func persistIssuance(ctx context.Context, writer Writer, promotion *model.Promotion) error {
	err := writer.PersistIssuance(ctx, promotion)
	if !errors.Is(err, repository.ErrPromotionNotPersisted) {
		return err
	}
	if err := writer.PersistReservation(ctx, promotion); err != nil {
		return err
	}
	return writer.PersistIssuance(ctx, promotion)
}

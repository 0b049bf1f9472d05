package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"odf/internal/pkg/logger"
	"odf/internal/pkg/mq"
	"odf/internal/service/odf/domain/port"
)

// MemoKafkaAdapter 实现了 port.MemoNotifier，按订单 ID 分区写入备忘录 topic。
type MemoKafkaAdapter struct {
	writer mq.Writer
}

var _ port.MemoNotifier = (*MemoKafkaAdapter)(nil)

func NewMemoKafkaAdapter(writer mq.Writer) *MemoKafkaAdapter {
	return &MemoKafkaAdapter{writer: writer}
}

func (a *MemoKafkaAdapter) Notify(ctx context.Context, memo port.Memo) error {
	data, err := json.Marshal(memo)
	if err != nil {
		return fmt.Errorf("failed to marshal memo: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(strconv.FormatInt(memo.OrderID, 10)), data)
}

// Close 关闭底层的Kafka writer。
func (a *MemoKafkaAdapter) Close() error {
	return a.writer.Close()
}

// MemoLogAdapter 在没有 Kafka 时把备忘录写到日志
type MemoLogAdapter struct{}

func (MemoLogAdapter) Notify(ctx context.Context, memo port.Memo) error {
	ev := logger.Ctx(ctx).Info().Int64("order_id", memo.OrderID).Str("memo_id", memo.MemoID).Str("user", memo.User)
	if memo.Result != nil {
		ev = ev.Str("status", string(memo.Result.Status)).Str("step", string(memo.Result.Step))
	}
	ev.Int("messages", len(memo.Messages)).Msg("memo")
	return nil
}

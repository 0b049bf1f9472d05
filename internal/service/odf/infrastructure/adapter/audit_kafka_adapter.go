package adapter

import (
	"context"
	"encoding/json"

	"odf/internal/pkg/logger"
	"odf/internal/pkg/mq"
	"odf/internal/service/odf/domain/port"
)

// AuditKafkaAdapter 实现了 port.AuditLogger，把每次外部调用写入审计 topic。
// 发送失败只记日志，不影响业务调用。
type AuditKafkaAdapter struct {
	writer mq.Writer
}

var _ port.AuditLogger = (*AuditKafkaAdapter)(nil)

func NewAuditKafkaAdapter(writer mq.Writer) *AuditKafkaAdapter {
	return &AuditKafkaAdapter{writer: writer}
}

func (a *AuditKafkaAdapter) Record(ctx context.Context, rec port.AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("api", rec.API).Msg("failed to marshal audit record")
		return
	}
	if err := mq.ProduceMessage(ctx, a.writer, []byte(rec.CorrelationID), data); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("api", rec.API).Str("endpoint", rec.Endpoint).Str("correlation_id", rec.CorrelationID).
			Msg("failed to publish audit record")
	}
}

// Close 关闭底层的Kafka writer。
func (a *AuditKafkaAdapter) Close() error {
	return a.writer.Close()
}

// AuditLogAdapter 在没有 Kafka 时把审计记录写到日志
type AuditLogAdapter struct{}

func (AuditLogAdapter) Record(ctx context.Context, rec port.AuditRecord) {
	logger.Ctx(ctx).Info().
		Str("api", rec.API).
		Str("endpoint", rec.Endpoint).
		Str("correlation_id", rec.CorrelationID).
		Int("status_code", rec.StatusCode).
		Str("outcome", rec.Outcome).
		Dur("duration", rec.Duration).
		Str("error", rec.Error).
		Msg("external call")
}

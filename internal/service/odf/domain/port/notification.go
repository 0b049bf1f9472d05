package port

import (
	"context"
	"time"

	"odf/internal/service/odf/domain"
)

// AuditRecord 是每次外部调用的审计数据
type AuditRecord struct {
	API           string        `json:"api"`
	Endpoint      string        `json:"endpoint"`
	CorrelationID string        `json:"correlationId"`
	Request       string        `json:"request,omitempty"`
	Response      string        `json:"response,omitempty"`
	StatusCode    int           `json:"statusCode"`
	Outcome       string        `json:"outcome"`
	Duration      time.Duration `json:"durationNs"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// AuditLogger 接收审计记录，持久化不在本服务范围内
type AuditLogger interface {
	Record(ctx context.Context, rec AuditRecord)
}

// Memo 是写给人看的进度备忘录
type Memo struct {
	OrderID  int64                  `json:"orderId"`
	MemoID   string                 `json:"memoId"`
	User     string                 `json:"user"`
	Messages []domain.Message       `json:"messages"`
	Result   *domain.PipelineResult `json:"result"`
}

// MemoNotifier 记录人可读的进度
type MemoNotifier interface {
	Notify(ctx context.Context, memo Memo) error
}

// ProgressPublisher 把结果推送给订阅了该订单的客户端
type ProgressPublisher interface {
	Publish(orderID int64, result *domain.PipelineResult)
}

// internal/service/odf/domain/remote_order.go
package domain

import "time"

// RemoteOrder 是订单管理服务中的外部订单
type RemoteOrder struct {
	UniqueID    string            `json:"uniqueId"`
	Complete    bool              `json:"complete"`
	OrderNumber string            `json:"orderNumber"`
	Lines       []RemoteOrderLine `json:"lines"`
}

type RemoteOrderLine struct {
	SerialNumber   string `json:"serialNumber"`
	PartNumber     string `json:"partNumber"`
	Quantity       int    `json:"quantity"`
	ServiceEndDate string `json:"serviceEndDate"`
}

// CreateOrderResult 是幂等 CreateOrder 的结果
type CreateOrderResult struct {
	UniqueID      string
	AlreadyExists bool
}

// LaterEndDate 返回两个服务结束日期中较晚的一个；无法解析的日期视为更早
func LaterEndDate(a, b string) string {
	ta, errA := time.Parse(DateLayout, a)
	tb, errB := time.Parse(DateLayout, b)
	switch {
	case errA != nil && errB != nil:
		if a != "" {
			return a
		}
		return b
	case errA != nil:
		return b
	case errB != nil:
		return a
	case tb.After(ta):
		return b
	default:
		return a
	}
}

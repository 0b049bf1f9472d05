package port

import (
	"context"

	"odf/internal/service/odf/domain"
)

// ActivationGateway 是设备激活服务的出站端口。每次调用都带上订单的关联 ID 用于审计。
type ActivationGateway interface {
	CheckSerialNumber(ctx context.Context, correlationID, serial string) domain.ActivationResult
	GetActivationBySerial(ctx context.Context, correlationID, serial string) domain.ActivationResult
	GetPasscodes(ctx context.Context, correlationID, orderNumber string) ([]domain.Activation, domain.ActivationResult)
}

// OrderService 是远程订单管理服务的出站端口，只做单次调用，不重试
type OrderService interface {
	CreateOrder(ctx context.Context, order *domain.Order, lines []domain.OrderLine) (uniqueID string, err error)
	GetOrderByUniqueID(ctx context.Context, correlationID, uniqueID string) (*domain.RemoteOrder, error)
	DeleteOrder(ctx context.Context, correlationID, orderNumber string) error
}

// EligibilityRule 判断物料是否允许走 ODF 流程
type EligibilityRule interface {
	Eligible(article domain.Article) (bool, error)
}

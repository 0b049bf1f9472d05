// internal/service/odf/application/order_gateway.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// OrderGateway 在远程订单服务之上实现幂等的 CreateOrder
type OrderGateway struct {
	orders domain.OrderRepository
	remote port.OrderService
	locks  *LockManager
	tracer trace.Tracer
}

func NewOrderGateway(orders domain.OrderRepository, remote port.OrderService, locks *LockManager, tracer trace.Tracer) *OrderGateway {
	return &OrderGateway{orders: orders, remote: remote, locks: locks, tracer: tracer}
}

// CreateOrder 最多在远程创建一次订单。
// 已有句柄时直接返回；否则持有 order:<pcdnum> 进行中记录，确认校验锁仍然有效后完成创建并写回句柄。
// 进行中记录在制造订单提交后删除。
func (g *OrderGateway) CreateOrder(ctx context.Context, orderID int64) (domain.CreateOrderResult, error) {
	ctx, span := g.tracer.Start(ctx, "odf.order_gateway.create_order", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	fail := func(err error) (domain.CreateOrderResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.CreateOrderResult{}, err
	}

	// 1. 已经有句柄，不再调用远程服务
	order, err := g.orders.FindOrder(ctx, orderID)
	if err != nil {
		return fail(err)
	}
	if order.HasUniqueID() {
		return domain.CreateOrderResult{UniqueID: order.UniqueID, AlreadyExists: true}, nil
	}
	if order.IsClosed() {
		return fail(errors.Wrapf(domain.ErrOrderClosed, "order %s", order.Number))
	}

	// 2. 进行中记录，同一订单的并发创建在这里冲突
	record, err := g.locks.AcquireOrderCreation(ctx, order)
	if err != nil {
		return fail(err)
	}
	release := func() {
		if rerr := g.locks.Release(context.WithoutCancel(ctx), record.Owner, []string{record.Key()}); rerr != nil {
			logger.Ctx(ctx).Error().Err(rerr).Msgf("[Order: %d] failed to release creation record", orderID)
		}
	}

	// 3. 拿到记录后重新检查，前一个创建者可能刚刚完成
	order, err = g.orders.FindOrder(ctx, orderID)
	if err != nil {
		release()
		return fail(err)
	}
	if order.HasUniqueID() {
		release()
		return domain.CreateOrderResult{UniqueID: order.UniqueID, AlreadyExists: true}, nil
	}

	lines, err := g.orders.FindOrderLines(ctx, orderID)
	if err != nil {
		release()
		return fail(err)
	}

	// 4. 订单必须完成校验且仍持有序列号锁和券锁，锁过期后其他订单可能已经拿走相同的序列号
	if err := g.locks.ConfirmValidated(ctx, order, lines); err != nil {
		release()
		return fail(err)
	}

	// 5. 远程创建
	uniqueID, err := g.remote.CreateOrder(ctx, order, lines)
	if err != nil {
		release()
		return fail(err)
	}
	span.SetAttributes(attribute.String("order.unique_id", uniqueID))

	// 6. 写回句柄，失败时删除远程订单
	if err := g.orders.SetUniqueID(ctx, orderID, uniqueID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %d] storing unique id %s failed, deleting remote order", orderID, uniqueID)
		if derr := g.remote.DeleteOrder(context.WithoutCancel(ctx), order.CorrelationID(), order.Number); derr != nil {
			logger.Ctx(ctx).Error().Err(derr).Msgf("[Order: %d] compensation: delete remote order failed", orderID)
		}
		release()
		return fail(errors.Wrapf(err, "store unique id for order %s", order.Number))
	}

	logger.Ctx(ctx).Info().Int64("order_id", orderID).Str("unique_id", uniqueID).Msg("remote order created")
	return domain.CreateOrderResult{UniqueID: uniqueID}, nil
}

// GetOrder 单次读取远程订单，轮询由调用方负责
func (g *OrderGateway) GetOrder(ctx context.Context, order *domain.Order) (*domain.RemoteOrder, error) {
	if !order.HasUniqueID() {
		return nil, errors.Wrapf(domain.ErrNoUniqueID, "order %s", order.Number)
	}
	return g.remote.GetOrderByUniqueID(ctx, order.CorrelationID(), order.UniqueID)
}

// Cancel 删除远程订单并释放订单的所有锁。ERP 中的句柄保留。
func (g *OrderGateway) Cancel(ctx context.Context, order *domain.Order) error {
	if err := g.remote.DeleteOrder(ctx, order.CorrelationID(), order.Number); err != nil {
		return err
	}
	_, err := g.locks.ReleaseOrder(ctx, order.ID)
	return err
}

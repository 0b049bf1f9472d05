// internal/service/odf/application/assembler.go
package application

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// AssemblerRepository 是组装和提交制造订单需要的 ERP 能力
type AssemblerRepository interface {
	domain.InventoryRepository
	domain.FabricationRepository
}

// SupportContact 用于生成失败时的支持邮件
type SupportContact struct {
	Email         string
	SubjectPrefix string
}

// Assembler 把完成的远程订单转换为 ERP 制造订单
type Assembler struct {
	erp        AssemblerRepository
	locks      *LockManager
	activation port.ActivationGateway
	clock      func() time.Time
	tracer     trace.Tracer
}

func NewAssembler(erp AssemblerRepository, locks *LockManager, activation port.ActivationGateway, clock func() time.Time, tracer trace.Tracer) *Assembler {
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{erp: erp, locks: locks, activation: activation, clock: clock, tracer: tracer}
}

// Assemble 构造制造订单。activations 是 GetPasscodes 返回的记录，按父序列号匹配。
func (a *Assembler) Assemble(ctx context.Context, order *domain.Order, lines []domain.OrderLine, remote *domain.RemoteOrder, activations map[string]domain.Activation) (*domain.ManufacturingOrder, error) {
	ctx, span := a.tracer.Start(ctx, "odf.assembler.assemble", trace.WithAttributes(attribute.Int64("order.id", order.ID)))
	defer span.End()

	// 提交前再次确认序列号和券仍由本订单持有
	if err := a.locks.ConfirmValidated(ctx, order, lines); err != nil {
		return nil, a.fail(span, err)
	}

	now := a.clock()
	mo := &domain.ManufacturingOrder{
		OrderID:           order.ID,
		OrderNumber:       order.Number,
		RequestID:         order.RequestID,
		UniqueID:          order.UniqueID,
		RemoteOrderNumber: remote.OrderNumber,
		Lines:             domain.GroupRemoteLines(remote.Lines),
		CreatedAt:         now,
	}

	idx := domain.IndexLines(lines)
	costs := make(map[string]float64)
	for _, line := range lines {
		if !line.IsCoupon() {
			continue
		}
		parent, err := domain.ResolveParent(idx, line)
		if err != nil {
			return nil, a.fail(span, err)
		}

		// 1. 券序列号：复用 CouponCheck 的锁，不足时从池中补齐
		locks, err := a.locks.ReserveCoupons(ctx, line, parent.ArticleCode, line.Quantity)
		if err != nil {
			return nil, a.fail(span, err)
		}

		// 2. 父序列号的激活记录，没有订阅时使用默认记录
		act, err := a.parentActivation(ctx, order, parent.SerialNumber, activations, now)
		if err != nil {
			return nil, a.fail(span, err)
		}

		// 3. 券物料的加权成本
		cost, ok := costs[line.ArticleCode]
		if !ok {
			moves, err := a.erp.MovementsForArticle(ctx, line.ArticleCode)
			if err != nil {
				return nil, a.fail(span, err)
			}
			cost = domain.WeightedCost(moves)
			costs[line.ArticleCode] = cost
		}

		for _, l := range locks {
			mo.Coupons = append(mo.Coupons, domain.CouponRecord{
				CouponLineID:  line.ID,
				CouponSerial:  l.SerialNumber,
				CouponArticle: line.ArticleCode,
				ParentSerial:  parent.SerialNumber,
				ParentArticle: parent.ArticleCode,
				Passcode:      act.Passcode,
				DateStartSubs: act.ServiceStartDate,
				DateEndSubs:   act.ServiceEndDate,
				CostBasis:     cost,
			})
		}
	}
	span.SetAttributes(attribute.Int("coupons.count", len(mo.Coupons)), attribute.Int("lines.count", len(mo.Lines)))
	return mo, nil
}

func (a *Assembler) parentActivation(ctx context.Context, order *domain.Order, serial string, known map[string]domain.Activation, now time.Time) (domain.Activation, error) {
	if act, ok := known[serial]; ok {
		return act, nil
	}
	res := a.activation.GetActivationBySerial(ctx, order.CorrelationID(), serial)
	act, ok := res.ActivationOrDefault(serial, now)
	if !ok {
		if res.Err != nil {
			return domain.Activation{}, res.Err
		}
		return domain.Activation{}, &domain.RemoteError{API: "activation", Endpoint: "activation", Raw: res.Raw, Err: errors.Errorf("serial %s: %s", serial, res.Message)}
	}
	if act.ServiceEndDate == domain.NoSubscription {
		logger.Ctx(ctx).Warn().Int64("order_id", order.ID).Str("serial", serial).Msg("parent serial has no subscription")
	}
	return act, nil
}

// Submit 在一个 ERP 事务中提交制造订单，然后释放订单的所有锁（包括进行中记录）
func (a *Assembler) Submit(ctx context.Context, mo *domain.ManufacturingOrder) error {
	ctx, span := a.tracer.Start(ctx, "odf.assembler.submit", trace.WithAttributes(attribute.Int64("order.id", mo.OrderID)))
	defer span.End()

	if err := a.erp.SubmitFabricationOrder(ctx, mo); err != nil {
		return a.fail(span, err)
	}

	// 制造订单已经提交，锁释放失败只记录日志，过期清理会处理
	if _, err := a.locks.ReleaseOrder(ctx, mo.OrderID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %d] failed to release locks", mo.OrderID)
	}
	logger.Ctx(ctx).Info().Int64("order_id", mo.OrderID).Int("coupons", len(mo.Coupons)).Msg("fabrication order submitted")
	return nil
}

func (a *Assembler) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// SupportAction 生成预填订单号和错误信息的 mailto 链接
func SupportAction(contact SupportContact, order *domain.Order, perr *domain.PipelineError) domain.Action {
	number := ""
	if order != nil {
		number = order.Number
	}
	subject := fmt.Sprintf("%s Manufacturing order failed for %s", contact.SubjectPrefix, number)
	body := fmt.Sprintf("Order: %s\nError: %s\n%s", number, perr.Title, perr.Message)
	if perr.Raw != "" {
		body += "\n\n" + perr.Raw
	}
	return domain.Action{
		Label: "Contact support",
		URL:   "mailto:" + contact.Email + "?subject=" + mailtoEscape(subject) + "&body=" + mailtoEscape(body),
	}
}

// mailtoEscape 按 RFC 6068 编码，空格使用 %20
func mailtoEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

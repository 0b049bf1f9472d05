// internal/service/odf/application/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"odf/internal/pkg/logger"
	"odf/internal/pkg/metrics"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// Validator 是 ArticleCheck 使用的校验器
type Validator interface {
	Validate(ctx context.Context, lines []domain.OrderLine) (*domain.ValidationReport, error)
}

// Locker 是流水线对锁管理器的需求
type Locker interface {
	Acquire(ctx context.Context, locks []domain.SerialLock) error
	Release(ctx context.Context, owner string, keys []string) error
	ReleaseOrder(ctx context.Context, orderID int64) (int, error)
	ReserveCoupons(ctx context.Context, line domain.OrderLine, parentArticle string, qty int) ([]domain.SerialLock, error)
}

// Repository 是流水线读取的 ERP 数据
type Repository interface {
	domain.OrderRepository
	domain.AffaireRepository
}

// Deps 是所有步骤共享的依赖
type Deps struct {
	Erp                    Repository
	Validator              Validator
	Locks                  Locker
	Activation             port.ActivationGateway
	Tracer                 trace.Tracer
	Clock                  func() time.Time
	SerialCheckConcurrency int
}

// StepFunc 执行一个步骤。返回的 error 由流水线统一转换为错误信封。
type StepFunc func(sc *StepContext) (*domain.PipelineResult, error)

// Pipeline 按固定顺序执行校验步骤，每次请求只执行一个步骤
type Pipeline struct {
	deps     Deps
	handlers map[domain.Step]StepFunc
}

func New(deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.SerialCheckConcurrency <= 0 {
		deps.SerialCheckConcurrency = 4
	}
	return &Pipeline{
		deps: deps,
		handlers: map[domain.Step]StepFunc{
			domain.StepInitialisation: initialisation,
			domain.StepArticleCheck:   articleCheck,
			domain.StepAffaireCheck:   affaireCheck,
			domain.StepSerialCheck:    serialCheck,
			domain.StepCouponCheck:    couponCheck,
		},
	}
}

// Run 执行一个步骤。成功才允许进入下一步；任何错误都是本轮终止，并释放订单的所有锁。
// 已经拿到远程句柄的订单不会在这里释放锁。
// 步骤中的 panic 在这里恢复，不会传播给调用方。
func (p *Pipeline) Run(ctx context.Context, orderID int64, step domain.Step) (res *domain.PipelineResult) {
	handler, ok := p.handlers[step]
	if !ok {
		return domain.Failure(orderID, step, 0, domain.AsPipelineError(domain.ErrUnknownStep, "Unknown step"))
	}

	ctx, span := p.deps.Tracer.Start(ctx, "odf.pipeline."+string(step), trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("pipeline.step", string(step)),
	))
	defer span.End()

	sc := &StepContext{Ctx: ctx, Step: step, OrderID: orderID, Deps: &p.deps}

	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().
				Int64("order_id", orderID).Str("step", string(step)).
				Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).
				Msgf("[Order: %d] step %s panicked", orderID, step)
			res = p.fail(sc, span, domain.FatalError("Unexpected error", fmt.Errorf("panic: %v", r)))
		}
		metrics.StepTotal.WithLabelValues(string(step), string(res.Status)).Inc()
	}()

	// 1. 订单和订单行每一步都重新读取，步骤之间不保留状态
	order, err := p.deps.Erp.FindOrder(ctx, orderID)
	if err != nil {
		return p.fail(sc, span, domain.AsPipelineError(err, "Order not found"))
	}
	lines, err := p.deps.Erp.FindOrderLines(ctx, orderID)
	if err != nil {
		return p.fail(sc, span, domain.AsPipelineError(err, "Order lines unavailable"))
	}
	sc.Order, sc.Lines = order, lines

	// 2. 远程订单已经创建，后续步骤不再重新校验，锁属于进行中的远程订单
	if step != domain.StepInitialisation && order.HasUniqueID() {
		return alreadyValidated(sc)
	}

	// 3. 执行步骤
	res, err = handler(sc)
	if err != nil {
		return p.fail(sc, span, domain.AsPipelineError(err, stepTitle(step)))
	}
	logger.Ctx(ctx).Info().Int64("order_id", orderID).Str("step", string(step)).
		Msgf("[Order: %d] step %s succeeded (%d%%)", orderID, step, res.Progress)
	return res
}

// fail 执行补偿、释放订单的锁并构造错误信封
func (p *Pipeline) fail(sc *StepContext, span trace.Span, perr *domain.PipelineError) *domain.PipelineResult {
	ctx := context.WithoutCancel(sc.Ctx)
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Title)

	logger.Ctx(ctx).Error().Err(perr).Int64("order_id", sc.OrderID).Str("step", string(sc.Step)).
		Str("kind", string(perr.Kind)).Msgf("[Order: %d] step %s failed", sc.OrderID, sc.Step)

	sc.TriggerCompensation(ctx)
	if sc.Order == nil || !sc.Order.HasUniqueID() {
		if _, err := p.deps.Locks.ReleaseOrder(ctx, sc.OrderID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %d] failed to release locks", sc.OrderID)
		}
	}

	res := domain.Failure(sc.OrderID, sc.Step, progressBefore(sc.Step), perr)
	if sc.Order != nil {
		res.UniqueID = sc.Order.UniqueID
	}
	return res
}

// progressBefore 是步骤开始前已经达到的进度
func progressBefore(step domain.Step) int {
	prev := 0
	for _, s := range domain.Steps {
		if s == step {
			return prev
		}
		prev = s.Progress()
	}
	return 0
}

func stepTitle(step domain.Step) string {
	switch step {
	case domain.StepInitialisation:
		return "Initialisation failed"
	case domain.StepArticleCheck:
		return "Article check failed"
	case domain.StepAffaireCheck:
		return "Affaire check failed"
	case domain.StepSerialCheck:
		return "Serial check failed"
	case domain.StepCouponCheck:
		return "Coupon check failed"
	default:
		return "Pipeline step failed"
	}
}

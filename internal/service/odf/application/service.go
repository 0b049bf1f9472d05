// internal/service/odf/application/service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"odf/internal/pkg/logger"
	"odf/internal/pkg/metrics"
	"odf/internal/service/odf/application/pipeline"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// PollPolicy 是两个轮询端点的上限和退避
type PollPolicy struct {
	OrderMaxAttempts    int
	OrderBackoff        time.Duration
	PasscodeMaxAttempts int
	PasscodeBackoff     time.Duration
}

// ServiceDeps 是 ODF 应用服务的依赖
type ServiceDeps struct {
	Erp        domain.ErpRepository
	Pipeline   *pipeline.Pipeline
	Gateway    *OrderGateway
	Assembler  *Assembler
	Locks      *LockManager
	Activation port.ActivationGateway
	Memos      port.MemoNotifier
	Progress   port.ProgressPublisher
	Polls      PollPolicy
	Support    SupportContact
	Tracer     trace.Tracer
}

// Service 是每个 HTTP 端点对应的用例。每个请求独立，状态都在 ERP、锁存储和请求信封里。
type Service struct {
	ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	return &Service{ServiceDeps: deps}
}

type userKey struct{}

// WithUser 记录触发请求的用户，写入备忘录
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func userFrom(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "system"
}

// Advance 执行一个流水线步骤
func (s *Service) Advance(ctx context.Context, orderID int64, stepName string) *domain.PipelineResult {
	step, err := domain.ParseStep(stepName)
	if err != nil {
		res := domain.Failure(orderID, domain.Step(stepName), 0,
			domain.ValidationError("Unknown step", []string{fmt.Sprintf("step %q does not exist", stepName)}))
		return s.publish(ctx, res)
	}
	return s.publish(ctx, s.Pipeline.Run(ctx, orderID, step))
}

// CreateOrder 幂等地创建远程订单
func (s *Service) CreateOrder(ctx context.Context, orderID int64) *domain.PipelineResult {
	ctx, span := s.Tracer.Start(ctx, "odf.service.create_order", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	created, err := s.Gateway.CreateOrder(ctx, orderID)
	if err != nil {
		return s.publish(ctx, s.failure(ctx, orderID, domain.StageCreateOrder, err, "External order creation failed"))
	}

	text := "external order created"
	if created.AlreadyExists {
		text = "external order already exists"
	}
	res := domain.Success(orderID, domain.StageCreateOrder, 100, text)
	res.UniqueID = created.UniqueID
	res.NextStep = domain.StagePollOrder
	res.Details = map[string]interface{}{"alreadyExists": created.AlreadyExists}
	return s.publish(ctx, res)
}

// PollOrder 读取一次远程订单。未完成时返回 pending 和下一次的重试策略，
// 最后一次仍未完成时返回 retry_exhausted 并通知人工。
func (s *Service) PollOrder(ctx context.Context, orderID int64, attempt int) *domain.PipelineResult {
	ctx, span := s.Tracer.Start(ctx, "odf.service.poll_order", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int("poll.attempt", attempt),
	))
	defer span.End()

	policy := domain.NewRetryPolicy(attempt, s.Polls.OrderMaxAttempts, s.Polls.OrderBackoff)
	if policy.Exceeded() {
		return s.exhausted(ctx, orderID, domain.StagePollOrder, "Order polling exhausted", policy)
	}

	order, err := s.Erp.FindOrder(ctx, orderID)
	if err != nil {
		return s.publish(ctx, s.failure(ctx, orderID, domain.StagePollOrder, err, "Order not found"))
	}
	remote, err := s.Gateway.GetOrder(ctx, order)
	switch {
	case errors.Is(err, domain.ErrRemoteOrderNotFound):
		// 刚创建的订单可能还不可见，按未完成处理
	case err != nil:
		return s.publish(ctx, s.failure(ctx, orderID, domain.StagePollOrder, err, "External order unavailable"))
	case remote.Complete:
		metrics.PollAttempts.WithLabelValues("order", string(domain.StatusSuccess)).Observe(float64(policy.Attempt))
		res := domain.Success(orderID, domain.StagePollOrder, 100, fmt.Sprintf("external order %s is complete", remote.OrderNumber))
		res.UniqueID = order.UniqueID
		res.RetryCount = policy.Attempt - 1
		res.MaxRetries = policy.MaxAttempts
		res.NextStep = domain.StagePasscodes
		res.Details = remote
		return s.publish(ctx, res)
	}

	if policy.Last() {
		return s.exhausted(ctx, orderID, domain.StagePollOrder, "Order polling exhausted", policy)
	}
	res := domain.Pending(orderID, domain.StagePollOrder, 100,
		fmt.Sprintf("external order not complete yet (attempt %d/%d)", policy.Attempt, policy.MaxAttempts), policy.Next())
	res.UniqueID = order.UniqueID
	return s.publish(ctx, res)
}

// ProcessPasscodes 读取一次订单的 passcode，PASSCODES_NOT_READY 时返回 pending
func (s *Service) ProcessPasscodes(ctx context.Context, orderID int64, attempt int) *domain.PipelineResult {
	ctx, span := s.Tracer.Start(ctx, "odf.service.passcodes", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int("poll.attempt", attempt),
	))
	defer span.End()

	policy := domain.NewRetryPolicy(attempt, s.Polls.PasscodeMaxAttempts, s.Polls.PasscodeBackoff)
	if policy.Exceeded() {
		return s.exhausted(ctx, orderID, domain.StagePasscodes, "Passcode retrieval exhausted", policy)
	}

	order, err := s.Erp.FindOrder(ctx, orderID)
	if err != nil {
		return s.publish(ctx, s.failure(ctx, orderID, domain.StagePasscodes, err, "Order not found"))
	}

	acts, res := s.Activation.GetPasscodes(ctx, order.CorrelationID(), order.Number)
	switch {
	case res.Outcome == domain.OutcomeHardError:
		perr := domain.ExternalError("Passcode retrieval failed", res.Err, res.Raw)
		return s.publish(ctx, s.failure(ctx, orderID, domain.StagePasscodes, perr, ""))
	case res.Outcome == domain.OutcomeSoftError && res.Code == domain.CodePasscodesNotReady:
		if policy.Last() {
			return s.exhausted(ctx, orderID, domain.StagePasscodes, "Passcode retrieval exhausted", policy)
		}
		out := domain.Pending(orderID, domain.StagePasscodes, 100,
			fmt.Sprintf("passcodes not ready yet (attempt %d/%d)", policy.Attempt, policy.MaxAttempts), policy.Next())
		out.UniqueID = order.UniqueID
		return s.publish(ctx, out)
	}

	metrics.PollAttempts.WithLabelValues("passcodes", string(domain.StatusSuccess)).Observe(float64(policy.Attempt))
	out := domain.Success(orderID, domain.StagePasscodes, 100, fmt.Sprintf("%d passcodes received", len(acts)))
	out.UniqueID = order.UniqueID
	out.NextStep = domain.StageManufacturing
	out.RetryCount = policy.Attempt - 1
	out.MaxRetries = policy.MaxAttempts
	if res.Outcome == domain.OutcomeSoftError {
		out.AddMessage(domain.LevelWarning, fmt.Sprintf("%s %s", res.Code, res.Message))
	}
	out.Details = acts
	return s.publish(ctx, out)
}

// Assemble 组装并提交制造订单。失败是终止的，信封带上支持邮件链接。
func (s *Service) Assemble(ctx context.Context, orderID int64) *domain.PipelineResult {
	ctx, span := s.Tracer.Start(ctx, "odf.service.assemble", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	order, mo, err := s.assemble(ctx, orderID)
	if err != nil {
		res := s.failure(ctx, orderID, domain.StageManufacturing, err, "Manufacturing order failed")
		res.Actions = append(res.Actions, SupportAction(s.Support, order, res.Error))
		return s.publish(ctx, res)
	}

	res := domain.Success(orderID, domain.StageManufacturing, 100,
		fmt.Sprintf("manufacturing order submitted with %d lines and %d coupons", len(mo.Lines), len(mo.Coupons)))
	res.UniqueID = order.UniqueID
	res.Details = mo
	return s.publish(ctx, res)
}

func (s *Service) assemble(ctx context.Context, orderID int64) (*domain.Order, *domain.ManufacturingOrder, error) {
	order, err := s.Erp.FindOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.IsClosed() {
		return order, nil, errors.Wrapf(domain.ErrOrderClosed, "order %s", order.Number)
	}
	lines, err := s.Erp.FindOrderLines(ctx, orderID)
	if err != nil {
		return order, nil, err
	}

	// 1. 远程订单必须已经完成
	remote, err := s.Gateway.GetOrder(ctx, order)
	if err != nil {
		return order, nil, err
	}
	if !remote.Complete {
		return order, nil, domain.ValidationError("Manufacturing order failed", []string{
			fmt.Sprintf("external order %s is not complete", order.UniqueID),
		})
	}

	// 2. passcode，软错误时使用逐个序列号查询
	acts, res := s.Activation.GetPasscodes(ctx, order.CorrelationID(), order.Number)
	if res.Outcome == domain.OutcomeHardError {
		return order, nil, domain.ExternalError("Passcode retrieval failed", res.Err, res.Raw)
	}

	// 3. 组装并提交
	mo, err := s.Assembler.Assemble(ctx, order, lines, remote, domain.IndexActivations(acts))
	if err != nil {
		return order, nil, err
	}
	if err := s.Assembler.Submit(ctx, mo); err != nil {
		return order, nil, err
	}
	return order, mo, nil
}

// Cancel 是运维的补救操作：删除远程订单并释放锁，不清除 ERP 中的句柄
func (s *Service) Cancel(ctx context.Context, orderID int64) *domain.PipelineResult {
	order, err := s.Erp.FindOrder(ctx, orderID)
	if err != nil {
		return s.publish(ctx, s.failure(ctx, orderID, domain.StageCancel, err, "Order not found"))
	}
	if err := s.Gateway.Cancel(ctx, order); err != nil {
		return s.publish(ctx, s.failure(ctx, orderID, domain.StageCancel, err, "External order cancellation failed"))
	}
	res := domain.Success(orderID, domain.StageCancel, 0, fmt.Sprintf("external order for %s deleted, locks released", order.Number))
	res.UniqueID = order.UniqueID
	return s.publish(ctx, res)
}

// Sweep 手动清理过期锁
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.Locks.SweepExpired(ctx)
}

// failure 构造错误信封并释放订单的锁。
// 另一个创建者正在进行时不释放，那些锁属于它。
func (s *Service) failure(ctx context.Context, orderID int64, stage domain.Step, err error, title string) *domain.PipelineResult {
	perr := domain.AsPipelineError(err, title)
	logger.Ctx(ctx).Error().Err(err).Int64("order_id", orderID).Str("step", string(stage)).
		Str("kind", string(perr.Kind)).Msgf("[Order: %d] %s failed", orderID, stage)

	if !errors.Is(err, domain.ErrOrderCreationOngoing) {
		s.releaseOrder(ctx, orderID)
	}
	return domain.Failure(orderID, stage, 100, perr)
}

func (s *Service) exhausted(ctx context.Context, orderID int64, stage domain.Step, title string, policy domain.RetryPolicy) *domain.PipelineResult {
	poll := "order"
	if stage == domain.StagePasscodes {
		poll = "passcodes"
	}
	metrics.PollAttempts.WithLabelValues(poll, string(domain.StatusError)).Observe(float64(policy.MaxAttempts))
	logger.Ctx(ctx).Warn().Int64("order_id", orderID).Str("step", string(stage)).
		Msgf("[Order: %d] %s gave up after %d attempts", orderID, stage, policy.MaxAttempts)

	s.releaseOrder(ctx, orderID)
	res := domain.Failure(orderID, stage, 100, domain.RetryExhaustedError(title, policy.MaxAttempts))
	res.RetryCount = policy.MaxAttempts
	res.MaxRetries = policy.MaxAttempts
	return s.publish(ctx, res)
}

func (s *Service) releaseOrder(ctx context.Context, orderID int64) {
	if _, err := s.Locks.ReleaseOrder(context.WithoutCancel(ctx), orderID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %d] failed to release locks", orderID)
	}
}

// publish 把结果写入备忘录并推送给进度订阅者
func (s *Service) publish(ctx context.Context, res *domain.PipelineResult) *domain.PipelineResult {
	memo := port.Memo{
		OrderID:  res.OrderID,
		MemoID:   uuid.NewString(),
		User:     userFrom(ctx),
		Messages: res.Messages,
		Result:   res,
	}
	if err := s.Memos.Notify(ctx, memo); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("order_id", res.OrderID).Msg("failed to write memo")
	}
	if s.Progress != nil {
		s.Progress.Publish(res.OrderID, res)
	}
	return res
}

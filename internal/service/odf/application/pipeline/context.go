package pipeline

import (
	"context"
	"sync"
	"time"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/domain"
)

// StepContext 在一次步骤执行中传递订单数据和依赖
type StepContext struct {
	Ctx     context.Context
	Step    domain.Step
	OrderID int64
	Order   *domain.Order
	Lines   []domain.OrderLine
	Deps    *Deps

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

// AddCompensation 注册补偿操作，失败时按后进先出执行
func (c *StepContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

func (c *StepContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	if len(c.compensations) == 0 {
		return
	}
	logger.Ctx(ctx).Info().Msgf("[Order: %d] Executing %d compensation functions.", c.OrderID, len(c.compensations))
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

// CorrelationID 随外部调用传递
func (c *StepContext) CorrelationID() string {
	if c.Order == nil {
		return ""
	}
	return c.Order.CorrelationID()
}

func (c *StepContext) Now() time.Time {
	return c.Deps.Clock()
}

func (c *StepContext) success(text string) *domain.PipelineResult {
	res := domain.Success(c.OrderID, c.Step, c.Step.Progress(), text)
	if next, ok := c.Step.Next(); ok {
		res.NextStep = next
	}
	if c.Order != nil {
		res.UniqueID = c.Order.UniqueID
	}
	return res
}

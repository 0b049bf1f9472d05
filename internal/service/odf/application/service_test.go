package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odf/internal/service/odf/application/pipeline"
	"odf/internal/service/odf/domain"
)

func TestService_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res := f.runValidation(t, 42)
	require.Equal(t, domain.StatusSuccess, res.Status, res.Messages)
	assert.Equal(t, domain.StepCouponCheck, res.Step)
	assert.Equal(t, 100, res.Progress)

	locks, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, locks, 4, "one serial lock and three coupon locks")

	created := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusSuccess, created.Status, created.Messages)
	assert.Equal(t, "U-PCD42", created.UniqueID)

	polled := f.svc.PollOrder(ctx, 42, 1)
	require.Equal(t, domain.StatusSuccess, polled.Status, polled.Messages)
	assert.Equal(t, domain.StagePasscodes, polled.NextStep)

	pass := f.svc.ProcessPasscodes(ctx, 42, 1)
	require.Equal(t, domain.StatusSuccess, pass.Status, pass.Messages)

	mo := f.svc.Assemble(ctx, 42)
	require.Equal(t, domain.StatusSuccess, mo.Status, mo.Messages)
	require.Len(t, f.erp.submitted, 1)

	submitted := f.erp.submitted[0]
	require.Len(t, submitted.Coupons, 3)
	assert.Len(t, distinct(submitted.CouponSerials()), 3)
	for _, c := range submitted.Coupons {
		assert.Equal(t, "S1", c.ParentSerial)
		assert.Equal(t, "A1", c.ParentArticle)
		assert.Equal(t, "PC-S1", c.Passcode)
		assert.InDelta(t, 15.0, c.CostBasis, 1e-9)
	}
	assert.Equal(t, domain.OrderStatusClosed, f.erp.orders[42].Status)

	locks, err = f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, locks, "every lock is released after submission")

	assert.Len(t, f.memos.memos, 9)
	assert.Len(t, f.progress.results, 9)
	for _, m := range f.memos.memos {
		assert.NotEmpty(t, m.MemoID)
		assert.Equal(t, "system", m.User)
	}
}

func TestService_InitialisationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)

	first := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusSuccess, first.Status)

	for i := 0; i < 2; i++ {
		res := f.svc.Advance(ctx, 42, string(domain.StepInitialisation))
		require.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, first.UniqueID, res.UniqueID)
		assert.Equal(t, 100, res.Progress)
		assert.Contains(t, res.Messages[0].Text, "already validated")
	}

	again := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusSuccess, again.Status)
	assert.Equal(t, first.UniqueID, again.UniqueID)
	assert.Equal(t, 1, f.remote.Created(), "remote order is created once")
}

func TestService_SerialLockedByAnotherOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addOrder(f.erp, 43, "PCD43",
		domain.OrderLine{ID: 11, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 1, SerialNumber: "S1"},
	)

	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)

	res := f.runValidation(t, 43)
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, domain.StepSerialCheck, res.Step)
	assert.Equal(t, 60, res.Progress)
	assert.Equal(t, domain.KindLockConflict, res.Error.Kind)
	assert.True(t, res.Error.Retryable)

	// 订单 42 的锁不受影响
	locks, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, locks, 4)

	// 过期后订单 43 可以完成
	f.clock.Advance(31 * time.Minute)
	assert.Equal(t, domain.StatusSuccess, f.runValidation(t, 43).Status)
}

func TestService_SerialCheckSoftAndHardErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("soft error is a validation issue", func(t *testing.T) {
		f := newFixture(t)
		f.activation.check = func(serial string) domain.ActivationResult {
			return domain.ActivationResult{Outcome: domain.OutcomeSoftError, Code: domain.CodeSerialNotFound, Message: "unknown serial"}
		}
		res := f.runValidation(t, 42)
		require.Equal(t, domain.StatusError, res.Status)
		assert.Equal(t, domain.KindValidation, res.Error.Kind)
		assert.Equal(t, []string{"serial S1: SERIAL_NOT_FOUND unknown serial"}, res.Error.Issues)

		locks, err := f.store.ListByOrder(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, locks)
	})

	t.Run("hard error is external", func(t *testing.T) {
		f := newFixture(t)
		f.activation.check = func(serial string) domain.ActivationResult {
			return domain.ActivationResult{
				Outcome: domain.OutcomeHardError,
				Raw:     "<html>bad gateway</html>",
				Err:     &domain.RemoteError{API: "activation", Endpoint: "check", StatusCode: 502, Err: errors.New("bad gateway")},
			}
		}
		res := f.runValidation(t, 42)
		require.Equal(t, domain.StatusError, res.Status)
		assert.Equal(t, domain.KindExternal, res.Error.Kind)
		assert.Equal(t, "<html>bad gateway</html>", res.Error.Raw)
	})
}

func TestService_AffaireClosed(t *testing.T) {
	f := newFixture(t)
	f.erp.affaires["AFF1"].Status = "closed"

	res := f.runValidation(t, 42)
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, domain.StepAffaireCheck, res.Step)
	assert.Equal(t, []string{"affaire AFF1 is closed"}, res.Error.Issues)
}

func TestService_UnknownStep(t *testing.T) {
	f := newFixture(t)
	res := f.svc.Advance(context.Background(), 42, "shipping")
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, domain.KindValidation, res.Error.Kind)
}

func TestService_OrderPollingCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)

	calls := 0
	f.remote.get = func(uniqueID string) (*domain.RemoteOrder, error) {
		calls++
		return &domain.RemoteOrder{UniqueID: uniqueID}, nil
	}

	var res *domain.PipelineResult
	attempt := 1
	for ; attempt <= 200; attempt++ {
		res = f.svc.PollOrder(ctx, 42, attempt)
		if res.IsTerminal() {
			break
		}
		require.Equal(t, domain.StatusPending, res.Status)
		require.NotNil(t, res.Retry)
		assert.Equal(t, attempt+1, res.Retry.Attempt)
	}
	assert.Equal(t, 80, attempt)
	assert.Equal(t, 80, calls)
	assert.Equal(t, domain.KindRetryExhausted, res.Error.Kind)
	assert.True(t, res.NotifyHuman)

	res = f.svc.PollOrder(ctx, 42, 81)
	assert.Equal(t, domain.KindRetryExhausted, res.Error.Kind)
	assert.Equal(t, 80, calls, "no call after the cap")
}

func TestService_PollOrderNotYetVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)
	f.remote.get = func(string) (*domain.RemoteOrder, error) {
		return nil, &domain.RemoteError{API: "order", Endpoint: "get", StatusCode: 404, Err: domain.ErrRemoteOrderNotFound}
	}

	res := f.svc.PollOrder(ctx, 42, 3)
	assert.Equal(t, domain.StatusPending, res.Status)

	order := f.svc.PollOrder(ctx, 7, 1)
	assert.Equal(t, domain.KindValidation, order.Error.Kind)
}

func TestService_PasscodesNotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activation.passcodes = func(string) ([]domain.Activation, domain.ActivationResult) {
		return nil, domain.ActivationResult{Outcome: domain.OutcomeSoftError, Code: domain.CodePasscodesNotReady}
	}

	res := f.svc.ProcessPasscodes(ctx, 42, 1)
	require.Equal(t, domain.StatusPending, res.Status)
	assert.Equal(t, 2, res.Retry.Attempt)
	assert.Equal(t, 20, res.MaxRetries)

	res = f.svc.ProcessPasscodes(ctx, 42, 20)
	require.Equal(t, domain.StatusError, res.Status)
	assert.True(t, res.NotifyHuman)
	assert.Equal(t, 2, f.activation.Calls("passcodes"), "attempts 1 and 20 call the service")
}

func TestService_NoSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activation.activation = func(serial string) domain.ActivationResult {
		return domain.ActivationResult{Outcome: domain.OutcomeSoftError, Code: domain.CodeNoActiveSubscription, Message: "no active subscription"}
	}
	f.activation.passcodes = func(string) ([]domain.Activation, domain.ActivationResult) {
		return nil, domain.ActivationResult{Outcome: domain.OutcomeSoftError, Code: domain.CodeNoActiveSubscription}
	}

	res := f.runValidation(t, 42)
	require.Equal(t, domain.StatusSuccess, res.Status)
	var warned bool
	for _, m := range res.Messages {
		warned = warned || m.Level == domain.LevelWarning
	}
	assert.True(t, warned, "missing subscription is reported as a warning")

	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)
	pass := f.svc.ProcessPasscodes(ctx, 42, 1)
	require.Equal(t, domain.StatusSuccess, pass.Status)

	mo := f.svc.Assemble(ctx, 42)
	require.Equal(t, domain.StatusSuccess, mo.Status, mo.Messages)
	for _, c := range f.erp.submitted[0].Coupons {
		assert.Equal(t, domain.NoSubscription, c.DateEndSubs)
		assert.Equal(t, "2026-05-04", c.DateStartSubs)
		assert.Empty(t, c.Passcode)
	}
}

func TestService_AssembleFailureHasSupportAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)
	f.remote.get = func(uniqueID string) (*domain.RemoteOrder, error) {
		return &domain.RemoteOrder{UniqueID: uniqueID}, nil
	}

	res := f.svc.Assemble(ctx, 42)
	require.Equal(t, domain.StatusError, res.Status)
	require.Len(t, res.Actions, 1)
	assert.Contains(t, res.Actions[0].URL, "mailto:support@example.com?subject=%5BODF%5D%20Manufacturing%20order%20failed%20for%20PCD42")
	assert.Empty(t, f.erp.submitted)

	locks, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestService_CreateOrderCompensation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	f.erp.setUniqueErr = errors.New("deadlock found")

	res := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, []string{"PCD42"}, f.remote.deleted)

	// 进行中记录和校验锁都已经释放，重新校验后可以重试
	f.erp.setUniqueErr = nil
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	res = f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, 2, f.remote.Created())
}

func TestService_ConcurrentCreateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	f.remote.entered = make(chan struct{}, 1)
	f.remote.block = make(chan struct{})

	done := make(chan *domain.PipelineResult)
	go func() { done <- f.svc.CreateOrder(ctx, 42) }()
	<-f.remote.entered

	second := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusError, second.Status)
	assert.Equal(t, domain.KindLockConflict, second.Error.Kind)

	close(f.remote.block)
	first := <-done
	require.Equal(t, domain.StatusSuccess, first.Status)
	assert.Equal(t, 1, f.remote.Created())
}

func TestService_CreateOrderRequiresValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addOrder(f.erp, 43, "PCD43",
		domain.OrderLine{ID: 11, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 1, SerialNumber: "S1"},
	)
	addOrder(f.erp, 44, "PCD44",
		domain.OrderLine{ID: 21, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 99},
	)

	// 订单 42 的锁过期后，订单 43 校验并锁住同一个 S1
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	f.clock.Advance(31 * time.Minute)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 43).Status)

	stale := f.svc.CreateOrder(ctx, 42)
	require.Equal(t, domain.StatusError, stale.Status)
	assert.Equal(t, domain.KindValidation, stale.Error.Kind)
	assert.Equal(t, "Order must be validated (locks missing or expired)", stale.Error.Title)

	fresh := f.svc.CreateOrder(ctx, 43)
	require.Equal(t, domain.StatusSuccess, fresh.Status, fresh.Messages)

	// 从未校验过的订单不能创建远程订单
	never := f.svc.CreateOrder(ctx, 44)
	require.Equal(t, domain.StatusError, never.Status)
	assert.Equal(t, domain.KindValidation, never.Error.Kind)

	assert.Equal(t, 1, f.remote.Created())
	holders, err := f.store.Holders(ctx, []string{"serial:S1"})
	require.NoError(t, err)
	assert.Equal(t, int64(43), holders["serial:S1"].OrderID, "the stale order does not release the new holder")
}

func TestService_StepRerunAfterCreateOrderKeepsLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addOrder(f.erp, 43, "PCD43",
		domain.OrderLine{ID: 11, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 1, SerialNumber: "S1"},
	)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)
	before, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)

	f.erp.affaires["AFF1"].Status = "closed"
	res := f.svc.Advance(ctx, 42, string(domain.StepAffaireCheck))
	require.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, "U-PCD42", res.UniqueID)
	assert.Contains(t, res.Messages[0].Text, "already validated")

	after, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	other := f.svc.Advance(ctx, 43, string(domain.StepSerialCheck))
	require.Equal(t, domain.StatusError, other.Status)
	assert.Equal(t, domain.KindLockConflict, other.Error.Kind)
}

func TestService_AssembleRequiresHeldLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)

	f.clock.Advance(31 * time.Minute)
	require.NoError(t, f.locks.TryLock(ctx, domain.LockKindSerial, []string{"S1"}, 43, "A1", ""))

	res := f.svc.Assemble(ctx, 42)
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, domain.KindValidation, res.Error.Kind)
	assert.Empty(t, f.erp.submitted)
	assert.Equal(t, domain.OrderStatusOpen, f.erp.orders[42].Status)
}

func TestService_AssembleTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.erp.lines[42] = f.erp.lines[42][:1]
	require.Equal(t, domain.StatusSuccess, f.runValidation(t, 42).Status)
	require.Equal(t, domain.StatusSuccess, f.svc.CreateOrder(ctx, 42).Status)

	require.Equal(t, domain.StatusSuccess, f.svc.Assemble(ctx, 42).Status)
	again := f.svc.Assemble(ctx, 42)
	require.Equal(t, domain.StatusError, again.Status)
	assert.Len(t, f.erp.submitted, 1)
}

type panicValidator struct{}

func (panicValidator) Validate(context.Context, []domain.OrderLine) (*domain.ValidationReport, error) {
	panic("nil map write")
}

func TestPipeline_RecoversPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.locks.TryLock(ctx, domain.LockKindSerial, []string{"S9"}, 42, "A1", ""))

	p := pipeline.New(pipeline.Deps{Erp: f.erp, Validator: panicValidator{}, Locks: f.locks, Activation: f.activation, Tracer: tracer})
	res := p.Run(ctx, 42, domain.StepArticleCheck)
	require.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, domain.KindFatal, res.Error.Kind)
	assert.Equal(t, 20, res.Progress)
	assert.Equal(t, fmt.Sprintf("panic: %v", "nil map write"), res.Error.Message)

	locks, err := f.store.ListByOrder(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

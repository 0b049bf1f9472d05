package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace/noop"

	"odf/internal/service/odf/application/pipeline"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
	"odf/internal/service/odf/infrastructure/lockstore"
)

var tracer = noop.NewTracerProvider().Tracer("test")

// fakeClock 是可以手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeErp 是内存中的 ERP
type fakeErp struct {
	mu        sync.Mutex
	orders    map[int64]*domain.Order
	lines     map[int64][]domain.OrderLine
	articles  map[string]domain.Article
	stock     domain.StockSnapshot
	affaires  map[string]*domain.Affaire
	coupons   []domain.CouponSerial
	moves     map[string][]domain.InventoryMovement
	submitted []*domain.ManufacturingOrder

	setUniqueErr error
	stockCalls   int
}

func newFakeErp() *fakeErp {
	return &fakeErp{
		orders:   map[int64]*domain.Order{},
		lines:    map[int64][]domain.OrderLine{},
		articles: map[string]domain.Article{},
		stock:    domain.StockSnapshot{},
		affaires: map[string]*domain.Affaire{},
		moves:    map[string][]domain.InventoryMovement{},
	}
}

func (e *fakeErp) FindOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %d", orderID)
	}
	cp := *o
	return &cp, nil
}

func (e *fakeErp) FindOrderLines(_ context.Context, orderID int64) ([]domain.OrderLine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderLine(nil), e.lines[orderID]...), nil
}

func (e *fakeErp) SetUniqueID(_ context.Context, orderID int64, uniqueID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setUniqueErr != nil {
		return e.setUniqueErr
	}
	o, ok := e.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.UniqueID != "" {
		return domain.ErrUniqueIDAlreadySet
	}
	o.UniqueID = uniqueID
	return nil
}

func (e *fakeErp) AvailableStock(_ context.Context, codes []string) (domain.StockSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stockCalls++
	out := domain.StockSnapshot{}
	for _, c := range codes {
		out[c] = e.stock[c]
	}
	return out, nil
}

func (e *fakeErp) FindArticles(_ context.Context, codes []string) (map[string]domain.Article, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]domain.Article{}
	for _, c := range codes {
		if a, ok := e.articles[c]; ok {
			out[c] = a
		}
	}
	return out, nil
}

func (e *fakeErp) FindAffaire(_ context.Context, code string) (*domain.Affaire, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.affaires[code]
	if !ok {
		return nil, errors.Wrapf(domain.ErrAffaireNotFound, "affaire %s", code)
	}
	return a, nil
}

func (e *fakeErp) FreeCouponSerials(_ context.Context, articleCode string, exclude []string, limit int) ([]domain.CouponSerial, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	skip := map[string]bool{}
	for _, s := range exclude {
		skip[s] = true
	}
	var out []domain.CouponSerial
	for _, c := range e.coupons {
		if c.ArticleCode != articleCode || c.Status != domain.CouponSerialFree || skip[c.SerialNumber] {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (e *fakeErp) MovementsForArticle(_ context.Context, articleCode string) ([]domain.InventoryMovement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.moves[articleCode], nil
}

func (e *fakeErp) SubmitFabricationOrder(_ context.Context, mo *domain.ManufacturingOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.orders[mo.OrderID].IsClosed() {
		return errors.Wrapf(domain.ErrOrderClosed, "order %s", mo.OrderNumber)
	}
	used := map[string]bool{}
	for _, s := range mo.CouponSerials() {
		used[s] = true
	}
	for i := range e.coupons {
		if used[e.coupons[i].SerialNumber] {
			e.coupons[i].Status = domain.CouponSerialConsumed
		}
	}
	e.orders[mo.OrderID].Status = domain.OrderStatusClosed
	e.submitted = append(e.submitted, mo)
	return nil
}

// stubActivation 默认所有调用都成功
type stubActivation struct {
	mu         sync.Mutex
	check      func(serial string) domain.ActivationResult
	activation func(serial string) domain.ActivationResult
	passcodes  func(orderNumber string) ([]domain.Activation, domain.ActivationResult)
	calls      map[string]int
}

func (s *stubActivation) count(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
}

func (s *stubActivation) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubActivation) CheckSerialNumber(_ context.Context, _, serial string) domain.ActivationResult {
	s.count("check")
	if s.check != nil {
		return s.check(serial)
	}
	return domain.ActivationResult{Outcome: domain.OutcomeSuccess, Activation: &domain.Activation{SerialNumber: serial}}
}

func (s *stubActivation) GetActivationBySerial(_ context.Context, _, serial string) domain.ActivationResult {
	s.count("activation")
	if s.activation != nil {
		return s.activation(serial)
	}
	return domain.ActivationResult{Outcome: domain.OutcomeSuccess, Activation: &domain.Activation{
		SerialNumber: serial, ServiceStartDate: "2026-01-01", ServiceEndDate: "2027-01-01", Passcode: "PC-" + serial,
	}}
}

func (s *stubActivation) GetPasscodes(_ context.Context, _, orderNumber string) ([]domain.Activation, domain.ActivationResult) {
	s.count("passcodes")
	if s.passcodes != nil {
		return s.passcodes(orderNumber)
	}
	return nil, domain.ActivationResult{Outcome: domain.OutcomeSuccess}
}

// stubRemote 是远程订单服务
type stubRemote struct {
	mu      sync.Mutex
	created int
	nextID  string
	get     func(uniqueID string) (*domain.RemoteOrder, error)
	deleted []string
	entered chan struct{}
	block   chan struct{}
}

func (r *stubRemote) CreateOrder(_ context.Context, order *domain.Order, _ []domain.OrderLine) (string, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	if r.nextID != "" {
		return r.nextID, nil
	}
	return "U-" + order.Number, nil
}

func (r *stubRemote) GetOrderByUniqueID(_ context.Context, _, uniqueID string) (*domain.RemoteOrder, error) {
	r.mu.Lock()
	get := r.get
	r.mu.Unlock()
	if get != nil {
		return get(uniqueID)
	}
	return &domain.RemoteOrder{UniqueID: uniqueID, Complete: true}, nil
}

func (r *stubRemote) DeleteOrder(_ context.Context, _, orderNumber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, orderNumber)
	return nil
}

func (r *stubRemote) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

type memoRecorder struct {
	mu    sync.Mutex
	memos []port.Memo
}

func (m *memoRecorder) Notify(_ context.Context, memo port.Memo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memos = append(m.memos, memo)
	return nil
}

type progressRecorder struct {
	mu      sync.Mutex
	results []*domain.PipelineResult
}

func (p *progressRecorder) Publish(_ int64, res *domain.PipelineResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

type ruleFunc func(domain.Article) (bool, error)

func (f ruleFunc) Eligible(a domain.Article) (bool, error) { return f(a) }

var allowActive = ruleFunc(func(a domain.Article) (bool, error) { return a.Active && a.OdfEligible, nil })

// fixture 是订单 42：一台设备 A1 (S1) 加 3 张券 C1
type fixture struct {
	erp        *fakeErp
	store      *lockstore.MemoryStore
	clock      *fakeClock
	locks      *LockManager
	activation *stubActivation
	remote     *stubRemote
	memos      *memoRecorder
	progress   *progressRecorder
	svc        *Service
}

func addOrder(erp *fakeErp, id int64, number string, lines ...domain.OrderLine) {
	erp.orders[id] = &domain.Order{ID: id, Number: number, AffaireCode: "AFF1", RequestID: id * 10, Status: domain.OrderStatusOpen}
	for i := range lines {
		lines[i].OrderID = id
	}
	erp.lines[id] = lines
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	erp := newFakeErp()
	erp.articles["A1"] = domain.Article{Code: "A1", Family: "device", Active: true, OdfEligible: true, Serialized: true}
	erp.articles["C1"] = domain.Article{Code: "C1", Family: "coupon", Active: true, OdfEligible: true}
	erp.stock["A1"] = 5
	erp.stock["C1"] = 10
	erp.affaires["AFF1"] = &domain.Affaire{Code: "AFF1", Status: domain.AffaireStatusOpen}
	for _, s := range []string{"CS1", "CS2", "CS3", "CS4", "CS5"} {
		erp.coupons = append(erp.coupons, domain.CouponSerial{SerialNumber: s, ArticleCode: "C1", Status: domain.CouponSerialFree})
	}
	erp.moves["C1"] = []domain.InventoryMovement{
		{ArticleCode: "C1", Quantity: 2, UnitCost: 10},
		{ArticleCode: "C1", Quantity: 2, UnitCost: 20},
	}
	addOrder(erp, 42, "PCD42",
		domain.OrderLine{ID: 1, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 1, SerialNumber: "S1"},
		domain.OrderLine{ID: 2, Type: domain.LineTypeCoupon, ArticleCode: "C1", Quantity: 3, ParentLineID: 1},
	)

	f := &fixture{
		erp:        erp,
		store:      lockstore.NewMemoryStore(),
		clock:      newFakeClock(),
		activation: &stubActivation{},
		remote:     &stubRemote{},
		memos:      &memoRecorder{},
		progress:   &progressRecorder{},
	}
	f.locks = NewLockManager(f.store, erp, 30*time.Minute, f.clock.Now, tracer)
	validator := NewValidator(erp, allowActive, 20)
	p := pipeline.New(pipeline.Deps{
		Erp:                    erp,
		Validator:              validator,
		Locks:                  f.locks,
		Activation:             f.activation,
		Tracer:                 tracer,
		Clock:                  f.clock.Now,
		SerialCheckConcurrency: 2,
	})
	f.svc = NewService(ServiceDeps{
		Erp:        erp,
		Pipeline:   p,
		Gateway:    NewOrderGateway(erp, f.remote, f.locks, tracer),
		Assembler:  NewAssembler(erp, f.locks, f.activation, f.clock.Now, tracer),
		Locks:      f.locks,
		Activation: f.activation,
		Memos:      f.memos,
		Progress:   f.progress,
		Polls:      PollPolicy{OrderMaxAttempts: 80, OrderBackoff: 3 * time.Second, PasscodeMaxAttempts: 20, PasscodeBackoff: 5 * time.Second},
		Support:    SupportContact{Email: "support@example.com", SubjectPrefix: "[ODF]"},
		Tracer:     tracer,
	})
	return f
}

// runValidation 依次执行所有步骤，遇到非 success 时停止
func (f *fixture) runValidation(t *testing.T, orderID int64) *domain.PipelineResult {
	t.Helper()
	var res *domain.PipelineResult
	for _, step := range domain.Steps {
		res = f.svc.Advance(context.Background(), orderID, string(step))
		if res.Status != domain.StatusSuccess {
			return res
		}
	}
	return res
}

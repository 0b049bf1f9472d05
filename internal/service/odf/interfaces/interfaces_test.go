package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odf/internal/service/odf/domain"
)

type call struct {
	method  string
	orderID int64
	step    string
	attempt int
}

type stubService struct {
	mu     sync.Mutex
	calls  []call
	result *domain.PipelineResult
}

func (s *stubService) record(c call) *domain.PipelineResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if s.result != nil {
		return s.result
	}
	return domain.Success(c.orderID, domain.StepInitialisation, 20, "ok")
}

func (s *stubService) Advance(_ context.Context, id int64, step string) *domain.PipelineResult {
	return s.record(call{method: "advance", orderID: id, step: step})
}
func (s *stubService) CreateOrder(_ context.Context, id int64) *domain.PipelineResult {
	return s.record(call{method: "create", orderID: id})
}
func (s *stubService) PollOrder(_ context.Context, id int64, attempt int) *domain.PipelineResult {
	return s.record(call{method: "poll", orderID: id, attempt: attempt})
}
func (s *stubService) ProcessPasscodes(_ context.Context, id int64, attempt int) *domain.PipelineResult {
	return s.record(call{method: "passcodes", orderID: id, attempt: attempt})
}
func (s *stubService) Assemble(_ context.Context, id int64) *domain.PipelineResult {
	return s.record(call{method: "assemble", orderID: id})
}
func (s *stubService) Cancel(_ context.Context, id int64) *domain.PipelineResult {
	return s.record(call{method: "cancel", orderID: id})
}
func (s *stubService) Sweep(context.Context) (int, error) {
	s.record(call{method: "sweep"})
	return 3, nil
}

func newTestMux(svc PipelineService, hub *ProgressHub) *http.ServeMux {
	mux := http.NewServeMux()
	NewOdfHandler(svc, hub, time.Second).RegisterRoutes(mux)
	return mux
}

func TestRoutes(t *testing.T) {
	svc := &stubService{}
	mux := newTestMux(svc, nil)

	cases := []struct {
		method, path string
		want         call
	}{
		{http.MethodPost, "/odf/42/steps/serial_check", call{method: "advance", orderID: 42, step: "serial_check"}},
		{http.MethodPost, "/odf/42/external-order", call{method: "create", orderID: 42}},
		{http.MethodGet, "/odf/42/external-order?attempt=7", call{method: "poll", orderID: 42, attempt: 7}},
		{http.MethodGet, "/odf/42/external-order", call{method: "poll", orderID: 42, attempt: 1}},
		{http.MethodDelete, "/odf/42/external-order", call{method: "cancel", orderID: 42}},
		{http.MethodPost, "/odf/42/passcodes?attempt=2", call{method: "passcodes", orderID: 42, attempt: 2}},
		{http.MethodPost, "/odf/42/manufacturing-order", call{method: "assemble", orderID: 42}},
		{http.MethodPost, "/odf/locks/sweep", call{method: "sweep"}},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		require.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, tc.want, svc.calls[len(svc.calls)-1], tc.path)
	}
}

func TestRoutes_BadInput(t *testing.T) {
	svc := &stubService{}
	mux := newTestMux(svc, nil)

	for _, path := range []string{"/odf/abc/external-order", "/odf/42/external-order?attempt=0", "/odf/42/external-order?attempt=x"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Empty(t, svc.calls)
}

func TestStatusCode(t *testing.T) {
	pending := domain.Pending(1, domain.StagePollOrder, 100, "wait", domain.NewRetryPolicy(2, 80, 3*time.Second))
	cases := []struct {
		res  *domain.PipelineResult
		want int
	}{
		{domain.Success(1, domain.StepInitialisation, 20, "ok"), http.StatusOK},
		{pending, http.StatusAccepted},
		{domain.Failure(1, domain.StepArticleCheck, 20, domain.ValidationError("x", nil)), http.StatusUnprocessableEntity},
		{domain.Failure(1, domain.StepSerialCheck, 60, domain.LockConflictError(domain.ErrLockConflict)), http.StatusUnprocessableEntity},
		{domain.Failure(1, domain.StagePollOrder, 100, domain.RetryExhaustedError("x", 80)), http.StatusUnprocessableEntity},
		{domain.Failure(1, domain.StepSerialCheck, 60, domain.ExternalError("x", nil, "")), http.StatusBadGateway},
		{domain.Failure(1, domain.StepSerialCheck, 60, domain.FatalError("x", nil)), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusCode(tc.res))
	}
}

func TestPendingResponse(t *testing.T) {
	svc := &stubService{result: domain.Pending(42, domain.StagePollOrder, 100, "wait", domain.NewRetryPolicy(2, 80, 3*time.Second))}
	mux := newTestMux(svc, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/odf/42/external-order?attempt=1", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pending", body["status"])
	retry := body["retry"].(map[string]interface{})
	assert.EqualValues(t, 2, retry["attempt"])
	assert.EqualValues(t, 3000, retry["backoffMs"])
}

func TestProgressHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewProgressHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(newTestMux(&stubService{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/odf/42/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers(42) == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(43, domain.Success(43, domain.StepInitialisation, 20, "other order"))
	hub.Publish(42, domain.Success(42, domain.StepArticleCheck, 40, "articles ok"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.PipelineResult
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(42), got.OrderID)
	assert.Equal(t, 40, got.Progress)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers(42) == 0 }, 2*time.Second, 10*time.Millisecond)
}

type countingSweeper struct{ n atomic.Int32 }

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	s.n.Add(1)
	return 0, nil
}

func TestLockSweeper(t *testing.T) {
	sweeper := &countingSweeper{}
	ls := NewLockSweeper(sweeper, 5*time.Millisecond)
	ls.Start(context.Background())

	require.Eventually(t, func() bool { return sweeper.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ls.Stop(context.Background()))

	n := sweeper.n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sweeper.n.Load(), "no sweep after stop")
}

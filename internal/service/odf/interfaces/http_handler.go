// internal/service/odf/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/application"
	"odf/internal/service/odf/domain"
)

const serviceName = "odf-service"

// PipelineService 是 HTTP 层驱动的用例，由 application.Service 实现
type PipelineService interface {
	Advance(ctx context.Context, orderID int64, step string) *domain.PipelineResult
	CreateOrder(ctx context.Context, orderID int64) *domain.PipelineResult
	PollOrder(ctx context.Context, orderID int64, attempt int) *domain.PipelineResult
	ProcessPasscodes(ctx context.Context, orderID int64, attempt int) *domain.PipelineResult
	Assemble(ctx context.Context, orderID int64) *domain.PipelineResult
	Cancel(ctx context.Context, orderID int64) *domain.PipelineResult
	Sweep(ctx context.Context) (int, error)
}

// OdfHandler 封装了 ODF 流水线的 HTTP 处理器
type OdfHandler struct {
	service PipelineService
	hub     *ProgressHub
	timeout time.Duration // 单个请求的处理上限，0 表示不限制
}

func NewOdfHandler(service PipelineService, hub *ProgressHub, timeout time.Duration) *OdfHandler {
	return &OdfHandler{service: service, hub: hub, timeout: timeout}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OdfHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /odf/{orderId}/steps/{step}", h.withOrder("advance", func(ctx context.Context, id int64, r *http.Request) *domain.PipelineResult {
		return h.service.Advance(ctx, id, r.PathValue("step"))
	}))
	mux.HandleFunc("POST /odf/{orderId}/external-order", h.withOrder("create_order", func(ctx context.Context, id int64, _ *http.Request) *domain.PipelineResult {
		return h.service.CreateOrder(ctx, id)
	}))
	mux.HandleFunc("GET /odf/{orderId}/external-order", h.withAttempt("poll_order", h.service.PollOrder))
	mux.HandleFunc("DELETE /odf/{orderId}/external-order", h.withOrder("cancel", func(ctx context.Context, id int64, _ *http.Request) *domain.PipelineResult {
		return h.service.Cancel(ctx, id)
	}))
	mux.HandleFunc("POST /odf/{orderId}/passcodes", h.withAttempt("passcodes", h.service.ProcessPasscodes))
	mux.HandleFunc("POST /odf/{orderId}/manufacturing-order", h.withOrder("manufacturing_order", func(ctx context.Context, id int64, _ *http.Request) *domain.PipelineResult {
		return h.service.Assemble(ctx, id)
	}))
	mux.HandleFunc("POST /odf/locks/sweep", h.sweep)
	if h.hub != nil {
		mux.HandleFunc("GET /odf/{orderId}/progress", h.progress)
	}
}

type orderFunc func(ctx context.Context, orderID int64, r *http.Request) *domain.PipelineResult

// withOrder 解析订单 ID、提取上游 trace 并写回结果信封
func (h *OdfHandler) withOrder(name string, fn orderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(serviceName).Start(ctx, "odf.http."+name)
		defer span.End()
		if h.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}

		orderID, err := strconv.ParseInt(r.PathValue("orderId"), 10, 64)
		if err != nil || orderID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid order id")
			return
		}
		span.SetAttributes(attribute.Int64("order.id", orderID))
		if user := r.Header.Get("X-User"); user != "" {
			ctx = application.WithUser(ctx, user)
		}

		res := fn(ctx, orderID, r)
		span.SetAttributes(attribute.String("result.status", string(res.Status)))
		writeResult(ctx, w, res)
	}
}

func (h *OdfHandler) withAttempt(name string, fn func(ctx context.Context, orderID int64, attempt int) *domain.PipelineResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attempt := 1
		if raw := r.URL.Query().Get("attempt"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "attempt must be a positive integer")
				return
			}
			attempt = n
		}
		h.withOrder(name, func(ctx context.Context, id int64, _ *http.Request) *domain.PipelineResult {
			return fn(ctx, id, attempt)
		})(w, r)
	}
}

func (h *OdfHandler) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "odf.http.sweep")
	defer span.End()

	n, err := h.service.Sweep(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("manual lock sweep failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *OdfHandler) progress(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	h.hub.ServeWS(w, r, orderID)
}

// StatusCode 把结果信封映射为 HTTP 状态码
func StatusCode(res *domain.PipelineResult) int {
	switch res.Status {
	case domain.StatusSuccess:
		return http.StatusOK
	case domain.StatusPending:
		return http.StatusAccepted
	}
	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch res.Error.Kind {
	case domain.KindValidation, domain.KindLockConflict, domain.KindRetryExhausted:
		return http.StatusUnprocessableEntity
	case domain.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(ctx context.Context, w http.ResponseWriter, res *domain.PipelineResult) {
	if res.Retry != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.Retry.Backoff.Seconds())))
	}
	if err := writeJSON(w, StatusCode(res), res); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("order_id", res.OrderID).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"odf/internal/pkg/httpclient"
	"odf/internal/pkg/nacos"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

const orderAPI = "order"

const (
	endpointCreateOrder = "create_order"
	endpointGetOrder    = "get_order"
	endpointDeleteOrder = "delete_order"
)

// createOrderRequest 按物料代码和序列号组织的外部订单请求
type createOrderRequest struct {
	Reference   string             `json:"reference"`
	AffaireCode string             `json:"affaireCode"`
	RequestedBy string             `json:"requestedBy,omitempty"`
	Lines       []createOrderLine `json:"lines"`
}

type createOrderLine struct {
	LineID       int64  `json:"lineId"`
	Type         string `json:"type"`
	ArticleCode  string `json:"articleCode"`
	Quantity     int    `json:"quantity"`
	SerialNumber string `json:"serialNumber,omitempty"`
	ParentSerial string `json:"parentSerial,omitempty"`
}

// OrderHTTPAdapter 实现了 port.OrderService 接口。每个方法只调用一次，不做重试。
type OrderHTTPAdapter struct {
	client   *httpclient.Client
	resolver nacos.Resolver
	apiKey   string
	audit    callAudit
}

var _ port.OrderService = (*OrderHTTPAdapter)(nil)

// NewOrderHTTPAdapter 创建一个新的订单管理服务适配器。
func NewOrderHTTPAdapter(client *httpclient.Client, resolver nacos.Resolver, apiKey string, audit port.AuditLogger, clock func() time.Time) *OrderHTTPAdapter {
	return &OrderHTTPAdapter{
		client:   client,
		resolver: resolver,
		apiKey:   apiKey,
		audit:    callAudit{audit: audit, api: orderAPI, clock: clock},
	}
}

func (a *OrderHTTPAdapter) CreateOrder(ctx context.Context, order *domain.Order, lines []domain.OrderLine) (string, error) {
	idx := domain.IndexLines(lines)
	body := createOrderRequest{
		Reference:   order.Number,
		AffaireCode: order.AffaireCode,
		RequestedBy: order.CreatedBy,
	}
	for _, l := range lines {
		line := createOrderLine{
			LineID:       l.ID,
			Type:         string(l.Type),
			ArticleCode:  l.ArticleCode,
			Quantity:     l.Quantity,
			SerialNumber: l.SerialNumber,
		}
		if l.IsCoupon() {
			if parent, ok := idx[l.ParentLineID]; ok {
				line.ParentSerial = parent.SerialNumber
			}
		}
		body.Lines = append(body.Lines, line)
	}

	resp, err := a.call(ctx, endpointCreateOrder, order.CorrelationID(), http.MethodPost, "/v1/orders", body)
	if err != nil {
		return "", err
	}

	var out struct {
		UniqueID string `json:"uniqueId"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", a.remoteErr(endpointCreateOrder, resp, fmt.Errorf("malformed response: %w", err))
	}
	if out.UniqueID == "" {
		return "", a.remoteErr(endpointCreateOrder, resp, domain.ErrMissingUniqueID)
	}
	return out.UniqueID, nil
}

func (a *OrderHTTPAdapter) GetOrderByUniqueID(ctx context.Context, correlationID, uniqueID string) (*domain.RemoteOrder, error) {
	resp, err := a.call(ctx, endpointGetOrder, correlationID, http.MethodGet, "/v1/orders/"+url.PathEscape(uniqueID), nil)
	if err != nil {
		return nil, err
	}
	var ro domain.RemoteOrder
	if err := json.Unmarshal(resp.Body, &ro); err != nil {
		return nil, a.remoteErr(endpointGetOrder, resp, fmt.Errorf("malformed response: %w", err))
	}
	if ro.UniqueID == "" {
		ro.UniqueID = uniqueID
	}
	return &ro, nil
}

// DeleteOrder 按 pcdnum 删除外部订单；404 视为已经删除
func (a *OrderHTTPAdapter) DeleteOrder(ctx context.Context, correlationID, orderNumber string) error {
	_, err := a.call(ctx, endpointDeleteOrder, correlationID, http.MethodDelete, "/v1/orders/by-reference/"+url.PathEscape(orderNumber), nil)
	if errors.Is(err, domain.ErrRemoteOrderNotFound) {
		return nil
	}
	return err
}

// call 发送请求并审计；传输失败和非 2xx 返回 *domain.RemoteError
func (a *OrderHTTPAdapter) call(ctx context.Context, endpoint, correlationID, method, path string, body interface{}) (*httpclient.Response, error) {
	base, err := a.resolver.BaseURL()
	if err != nil {
		rerr := &domain.RemoteError{API: orderAPI, Endpoint: endpoint, Err: err}
		a.audit.record(ctx, endpoint, correlationID, nil, string(domain.OutcomeHardError), rerr)
		return nil, rerr
	}

	resp, err := a.client.Do(ctx, "order."+endpoint, httpclient.Request{
		Method: method,
		URL:    base + path,
		Headers: map[string]string{
			"X-Api-Key":        a.apiKey,
			"X-Correlation-Id": correlationID,
		},
		Body: body,
	})
	switch {
	case err != nil:
		rerr := a.remoteErr(endpoint, resp, err)
		a.audit.record(ctx, endpoint, correlationID, resp, string(domain.OutcomeHardError), rerr)
		return nil, rerr
	case resp.StatusCode == http.StatusNotFound:
		rerr := a.remoteErr(endpoint, resp, domain.ErrRemoteOrderNotFound)
		a.audit.record(ctx, endpoint, correlationID, resp, string(domain.OutcomeHardError), rerr)
		return nil, rerr
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		rerr := a.remoteErr(endpoint, resp, fmt.Errorf("unexpected status %d", resp.StatusCode))
		a.audit.record(ctx, endpoint, correlationID, resp, string(domain.OutcomeHardError), rerr)
		return nil, rerr
	}
	a.audit.record(ctx, endpoint, correlationID, resp, string(domain.OutcomeSuccess), nil)
	return resp, nil
}

func (a *OrderHTTPAdapter) remoteErr(endpoint string, resp *httpclient.Response, err error) *domain.RemoteError {
	rerr := &domain.RemoteError{API: orderAPI, Endpoint: endpoint, Err: err}
	if resp != nil {
		rerr.StatusCode = resp.StatusCode
		rerr.Raw = string(resp.Body)
	}
	return rerr
}

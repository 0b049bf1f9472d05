package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"odf/internal/pkg/httpclient"
	"odf/internal/pkg/nacos"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

const activationAPI = "activation"

const (
	endpointCheckSerial = "check_serial"
	endpointActivation  = "activation_by_serial"
	endpointPasscodes   = "passcodes"
)

// 激活服务的路径模板
const (
	pathCheckSerial        = "/v1/serials/%s/check"
	pathActivationBySerial = "/v1/serials/%s/activation"
	pathPasscodes          = "/v1/orders/%s/passcodes"
)

var softCodes = map[string]bool{
	domain.CodeNoActiveSubscription: true,
	domain.CodeSerialNotFound:       true,
	domain.CodePasscodesNotReady:    true,
}

// activationEnvelope 是激活服务的统一响应格式
type activationEnvelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ActivationHTTPAdapter 实现了 port.ActivationGateway 接口。
type ActivationHTTPAdapter struct {
	client   *httpclient.Client
	resolver nacos.Resolver
	apiKey   string
	audit    callAudit
}

var _ port.ActivationGateway = (*ActivationHTTPAdapter)(nil)

// NewActivationHTTPAdapter 创建一个新的激活服务适配器。
func NewActivationHTTPAdapter(client *httpclient.Client, resolver nacos.Resolver, apiKey string, audit port.AuditLogger, clock func() time.Time) *ActivationHTTPAdapter {
	return &ActivationHTTPAdapter{
		client:   client,
		resolver: resolver,
		apiKey:   apiKey,
		audit:    callAudit{audit: audit, api: activationAPI, clock: clock},
	}
}

func (a *ActivationHTTPAdapter) CheckSerialNumber(ctx context.Context, correlationID, serial string) domain.ActivationResult {
	res, data := a.call(ctx, endpointCheckSerial, correlationID, fmt.Sprintf(pathCheckSerial, url.PathEscape(serial)))
	if res.Outcome == domain.OutcomeSuccess {
		res.Activation = decodeActivation(&res, endpointCheckSerial, data, serial)
	}
	return res
}

func (a *ActivationHTTPAdapter) GetActivationBySerial(ctx context.Context, correlationID, serial string) domain.ActivationResult {
	res, data := a.call(ctx, endpointActivation, correlationID, fmt.Sprintf(pathActivationBySerial, url.PathEscape(serial)))
	if res.Outcome == domain.OutcomeSuccess {
		res.Activation = decodeActivation(&res, endpointActivation, data, serial)
	}
	return res
}

func (a *ActivationHTTPAdapter) GetPasscodes(ctx context.Context, correlationID, orderNumber string) ([]domain.Activation, domain.ActivationResult) {
	res, data := a.call(ctx, endpointPasscodes, correlationID, fmt.Sprintf(pathPasscodes, url.PathEscape(orderNumber)))
	if res.Outcome != domain.OutcomeSuccess {
		return nil, res
	}
	var payload struct {
		Activations []domain.Activation `json:"activations"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, hardResult(endpointPasscodes, http.StatusOK, res.Raw, fmt.Errorf("decode passcodes: %w", err))
	}
	return payload.Activations, res
}

func decodeActivation(res *domain.ActivationResult, endpoint string, data json.RawMessage, serial string) *domain.Activation {
	if len(data) == 0 || string(data) == "null" {
		return &domain.Activation{SerialNumber: serial}
	}
	var act domain.Activation
	if err := json.Unmarshal(data, &act); err != nil {
		*res = hardResult(endpoint, http.StatusOK, res.Raw, fmt.Errorf("decode activation: %w", err))
		return nil
	}
	if act.SerialNumber == "" {
		act.SerialNumber = serial
	}
	return &act
}

// call 发送请求并分类：业务错误码为软错误；传输失败、非 2xx、无法解析的响应为硬错误
func (a *ActivationHTTPAdapter) call(ctx context.Context, endpoint, correlationID, path string) (domain.ActivationResult, json.RawMessage) {
	base, err := a.resolver.BaseURL()
	if err != nil {
		res := hardResult(endpoint, 0, "", err)
		a.audit.record(ctx, endpoint, correlationID, nil, string(res.Outcome), err)
		return res, nil
	}

	resp, err := a.client.Do(ctx, "activation."+endpoint, httpclient.Request{
		Method: http.MethodGet,
		URL:    base + path,
		Headers: map[string]string{
			"X-Api-Key":        a.apiKey,
			"X-Correlation-Id": correlationID,
		},
	})
	res, data := classifyActivation(endpoint, resp, err)
	a.audit.record(ctx, endpoint, correlationID, resp, string(res.Outcome), res.Err)
	return res, data
}

func classifyActivation(endpoint string, resp *httpclient.Response, err error) (domain.ActivationResult, json.RawMessage) {
	if err != nil {
		return hardResult(endpoint, 0, "", err), nil
	}
	raw := string(resp.Body)

	var env activationEnvelope
	decodeErr := json.Unmarshal(resp.Body, &env)
	if decodeErr == nil && softCodes[env.Code] {
		return domain.ActivationResult{
			Outcome: domain.OutcomeSoftError,
			Code:    env.Code,
			Message: env.Message,
			Raw:     raw,
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return hardResult(endpoint, resp.StatusCode, raw, fmt.Errorf("unexpected status %d", resp.StatusCode)), nil
	}
	if decodeErr != nil {
		return hardResult(endpoint, resp.StatusCode, raw, fmt.Errorf("malformed response: %w", decodeErr)), nil
	}
	if env.Status != "" && env.Status != "ok" {
		return hardResult(endpoint, resp.StatusCode, raw, fmt.Errorf("activation service error %s: %s", env.Code, env.Message)), nil
	}
	return domain.ActivationResult{Outcome: domain.OutcomeSuccess, Code: env.Code, Message: env.Message, Raw: raw}, env.Data
}

func hardResult(endpoint string, status int, raw string, err error) domain.ActivationResult {
	return domain.ActivationResult{
		Outcome: domain.OutcomeHardError,
		Message: err.Error(),
		Raw:     raw,
		Err:     &domain.RemoteError{API: activationAPI, Endpoint: endpoint, StatusCode: status, Raw: raw, Err: err},
	}
}

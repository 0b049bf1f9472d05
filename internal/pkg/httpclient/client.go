// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client 是一个可追踪的 JSON HTTP 客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Request 描述一次下游调用
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    interface{} // 非 nil 时按 JSON 编码
}

// Response 保存原始响应，分类由调用方完成
type Response struct {
	StatusCode  int
	Body        []byte
	Duration    time.Duration
	RequestBody []byte
}

// NewClient 创建一个新的客户端实例。超时在每次请求的 context 上施加。
func NewClient(tracer trace.Tracer, timeout time.Duration) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:     tracer,
		HTTPClient: httpClient,
		Timeout:    timeout,
	}
}

// Do 发送请求并读取完整响应体。
// 只有传输层失败返回 error；非 2xx 状态码由调用方判断。
func (c *Client) Do(ctx context.Context, spanName string, r Request) (*Response, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	target, err := url.Parse(r.URL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(r.Query) > 0 {
		q := target.Query()
		for key, values := range r.Query {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		target.RawQuery = q.Encode()
	}

	resp := &Response{}
	var body io.Reader
	if r.Body != nil {
		resp.RequestBody, err = json.Marshal(r.Body)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(resp.RequestBody)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	span.SetAttributes(
		attribute.String("http.url", target.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		resp.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	defer httpResp.Body.Close()

	resp.StatusCode = httpResp.StatusCode
	resp.Body, err = io.ReadAll(httpResp.Body)
	resp.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", httpResp.StatusCode))
	}
	return resp, nil
}

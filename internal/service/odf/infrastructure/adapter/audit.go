package adapter

import (
	"context"
	"time"

	"odf/internal/pkg/httpclient"
	"odf/internal/pkg/metrics"
	"odf/internal/service/odf/domain/port"
)

// callAudit 汇总一次外部调用，写入审计并记录耗时指标
type callAudit struct {
	audit port.AuditLogger
	api   string
	clock func() time.Time
}

func (a callAudit) record(ctx context.Context, endpoint, correlationID string, resp *httpclient.Response, outcome string, err error) {
	var duration time.Duration
	rec := port.AuditRecord{
		API:           a.api,
		Endpoint:      endpoint,
		CorrelationID: correlationID,
		Outcome:       outcome,
		At:            a.now(),
	}
	if resp != nil {
		duration = resp.Duration
		rec.Request = string(resp.RequestBody)
		rec.Response = string(resp.Body)
		rec.StatusCode = resp.StatusCode
	}
	rec.Duration = duration
	if err != nil {
		rec.Error = err.Error()
	}

	metrics.ExternalCallDuration.WithLabelValues(a.api, endpoint, outcome).Observe(duration.Seconds())
	if a.audit != nil {
		a.audit.Record(ctx, rec)
	}
}

func (a callAudit) now() time.Time {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now()
}

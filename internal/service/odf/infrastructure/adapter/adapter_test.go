package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"odf/internal/pkg/httpclient"
	"odf/internal/pkg/nacos"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

type recordingAudit struct {
	mu      sync.Mutex
	records []port.AuditRecord
}

func (r *recordingAudit) Record(_ context.Context, rec port.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func newTestClient() *httpclient.Client {
	return httpclient.NewClient(noop.NewTracerProvider().Tracer("test"), 2*time.Second)
}

func newActivationAdapter(t *testing.T, h http.HandlerFunc) (*ActivationHTTPAdapter, *recordingAudit) {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	audit := &recordingAudit{}
	return NewActivationHTTPAdapter(newTestClient(), nacos.Resolver{StaticURL: srv.URL}, "key", audit, nil), audit
}

func TestActivationCheckSerialSuccess(t *testing.T) {
	a, audit := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/serials/S1/check", r.URL.Path)
		assert.Equal(t, "odf-42-PCD42", r.Header.Get("X-Correlation-Id"))
		_, _ = w.Write([]byte(`{"status":"ok","data":{"serialNumber":"S1","partDescription":"Router"}}`))
	})

	res := a.CheckSerialNumber(context.Background(), "odf-42-PCD42", "S1")
	require.Equal(t, domain.OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Activation)
	assert.Equal(t, "Router", res.Activation.PartDescription)

	require.Len(t, audit.records, 1)
	assert.Equal(t, "activation", audit.records[0].API)
	assert.Equal(t, "check_serial", audit.records[0].Endpoint)
	assert.Equal(t, "odf-42-PCD42", audit.records[0].CorrelationID)
	assert.Equal(t, http.StatusOK, audit.records[0].StatusCode)
}

func TestActivationSoftErrorEvenOn404(t *testing.T) {
	a, _ := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","code":"NO_ACTIVE_SUBSCRIPTION","message":"no subscription"}`))
	})

	res := a.GetActivationBySerial(context.Background(), "c", "S1")
	assert.Equal(t, domain.OutcomeSoftError, res.Outcome)
	assert.Equal(t, domain.CodeNoActiveSubscription, res.Code)

	act, ok := res.ActivationOrDefault("S1", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, domain.NoSubscription, act.ServiceEndDate)
}

func TestActivationHardErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"non 2xx": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`upstream down`))
		},
		"malformed json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":`))
		},
		"unknown business error": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"error","code":"QUOTA","message":"quota exceeded"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			a, _ := newActivationAdapter(t, h)
			res := a.CheckSerialNumber(context.Background(), "c", "S1")
			assert.Equal(t, domain.OutcomeHardError, res.Outcome)

			var rerr *domain.RemoteError
			require.True(t, errors.As(res.Err, &rerr))
			assert.Equal(t, "activation", rerr.API)
		})
	}
}

func TestActivationTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	audit := &recordingAudit{}
	a := NewActivationHTTPAdapter(newTestClient(), nacos.Resolver{StaticURL: url}, "", audit, nil)
	res := a.CheckSerialNumber(context.Background(), "c", "S1")
	assert.Equal(t, domain.OutcomeHardError, res.Outcome)
	require.Len(t, audit.records, 1)
	assert.NotEmpty(t, audit.records[0].Error)
}

func TestActivationPasscodes(t *testing.T) {
	a, _ := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/PCD42/passcodes", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","data":{"activations":[
			{"serialNumber":"S1","passcode":"P-1","serviceStartDate":"2026-01-01","serviceEndDate":"2027-01-01"}]}}`))
	})
	acts, res := a.GetPasscodes(context.Background(), "c", "PCD42")
	require.True(t, res.OK())
	require.Len(t, acts, 1)
	assert.Equal(t, "P-1", acts[0].Passcode)
}

func newOrderAdapter(t *testing.T, h http.HandlerFunc) *OrderHTTPAdapter {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOrderHTTPAdapter(newTestClient(), nacos.Resolver{StaticURL: srv.URL}, "key", &recordingAudit{}, nil)
}

func TestOrderCreate(t *testing.T) {
	a := newOrderAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body createOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PCD42", body.Reference)
		require.Len(t, body.Lines, 2)
		assert.Equal(t, "S1", body.Lines[1].ParentSerial)
		_, _ = w.Write([]byte(`{"uniqueId":"U-1"}`))
	})

	order := &domain.Order{ID: 42, Number: "PCD42", AffaireCode: "AF1"}
	lines := []domain.OrderLine{
		{ID: 1, OrderID: 42, Type: domain.LineTypeArticle, ArticleCode: "A1", Quantity: 1, SerialNumber: "S1"},
		{ID: 2, OrderID: 42, Type: domain.LineTypeCoupon, ArticleCode: "C1", Quantity: 1, ParentLineID: 1},
	}
	id, err := a.CreateOrder(context.Background(), order, lines)
	require.NoError(t, err)
	assert.Equal(t, "U-1", id)
}

func TestOrderCreateMissingUniqueID(t *testing.T) {
	a := newOrderAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})
	_, err := a.CreateOrder(context.Background(), &domain.Order{ID: 1, Number: "N"}, nil)
	assert.ErrorIs(t, err, domain.ErrMissingUniqueID)

	var rerr *domain.RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.JSONEq(t, `{"status":"accepted"}`, rerr.Raw)
}

func TestOrderGetAndDelete(t *testing.T) {
	a := newOrderAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/v1/orders/U-1", r.URL.Path)
			_, _ = w.Write([]byte(`{"complete":true,"orderNumber":"R-9","lines":[{"serialNumber":"S1","partNumber":"P1","quantity":1}]}`))
		case http.MethodDelete:
			assert.Equal(t, "/v1/orders/by-reference/PCD42", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ro, err := a.GetOrderByUniqueID(context.Background(), "c", "U-1")
	require.NoError(t, err)
	assert.True(t, ro.Complete)
	assert.Equal(t, "U-1", ro.UniqueID)
	assert.Len(t, ro.Lines, 1)

	assert.NoError(t, a.DeleteOrder(context.Background(), "c", "PCD42"))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestMemoKafkaAdapter(t *testing.T) {
	w := &fakeWriter{}
	a := NewMemoKafkaAdapter(w)
	res := domain.Success(42, domain.StepArticleCheck, 40, "ok")
	require.NoError(t, a.Notify(context.Background(), port.Memo{OrderID: 42, MemoID: "m-1", Messages: res.Messages, Result: res}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))
	var memo map[string]interface{}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &memo))
	assert.Equal(t, "m-1", memo["memoId"])
}

func TestAuditKafkaAdapterSwallowsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	a := NewAuditKafkaAdapter(w)
	assert.NotPanics(t, func() {
		a.Record(context.Background(), port.AuditRecord{API: "order", Endpoint: "create_order"})
	})
}

func TestEligibilityRule(t *testing.T) {
	rule, err := NewEligibilityCELAdapter("")
	require.NoError(t, err)

	ok, err := rule.Eligible(domain.Article{Code: "A1", Active: true, OdfEligible: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Eligible(domain.Article{Code: "A2", Active: true})
	require.NoError(t, err)
	assert.False(t, ok)

	custom, err := NewEligibilityCELAdapter(`article.active && article.family in ["ROUTER", "MODEM"]`)
	require.NoError(t, err)
	ok, err = custom.Eligible(domain.Article{Code: "A3", Active: true, Family: "MODEM"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewEligibilityCELAdapter("article.active &&")
	assert.Error(t, err)

	notBool, err := NewEligibilityCELAdapter("article.code")
	require.NoError(t, err)
	_, err = notBool.Eligible(domain.Article{Code: "A1"})
	assert.Error(t, err)
}

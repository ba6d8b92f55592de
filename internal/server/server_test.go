package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcore/internal/config"
	"erpcore/internal/core"
	"erpcore/pkg/domain"
)

type fixture struct {
	srv   *httptest.Server
	orgID string
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetrics(reg)
	require.NoError(t, err)
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), core.WithMetrics(metrics))
	org, _, err := svc.CreateOrganization(context.Background(), domain.Organization{Name: "Acme"})
	require.NoError(t, err)

	opts = append([]Option{WithGatherer(reg), WithAccessLog(io.Discard)}, opts...)
	s := New(core.NewDispatcher(svc), config.HTTP{}, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return fixture{srv: ts, orgID: org.ID, reg: reg}
}

func post(t *testing.T, f fixture, path, body string) (int, core.Response) {
	t.Helper()
	res, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	var out core.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func TestEntityRoundTripOverHTTP(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"CREATE","organization_id":"` + f.orgID + `",
		"entity":{"entity_type":"CUSTOMER","entity_name":"Jane Doe","taxonomy_code":"ERP.CRM.CUSTOMER.PROFILE.v1"},
		"dynamic_fields":{"tier":"gold"}}`
	status, resp := post(t, f, "/v1/entities", body)
	require.Equal(t, http.StatusCreated, status, "%+v", resp)
	assert.True(t, resp.Success)

	status, resp = post(t, f, "/v1/entities", body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.KindIdentityConflict, resp.ErrorKind)
	assert.Equal(t, domain.CodeDuplicateEntity, resp.ErrorCode)

	status, resp = post(t, f, "/v1/entities", `{"action":"QUERY","organization_id":"`+f.orgID+`"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, resp.Data.List, 1)
}

func TestGuardrailStatusCodes(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing organization", "/v1/entities", `{"action":"QUERY"}`, http.StatusUnprocessableEntity, "ORG-FILTER-REQUIRED"},
		{"bad json", "/v1/entities", `{"action":`, http.StatusBadRequest, core.CodePayloadInvalid},
		{"unknown version", "/v9/entities", `{"action":"QUERY","organization_id":"` + f.orgID + `"}`, http.StatusNotFound, "UNSUPPORTED-OPERATION"},
		{"unknown aggregate", "/v1/widgets", `{"action":"QUERY","organization_id":"` + f.orgID + `"}`, http.StatusNotFound, "UNSUPPORTED-OPERATION"},
		{"missing entity", "/v1/entities", `{"action":"READ","organization_id":"` + f.orgID + `","entity":{"id":"nope"}}`, http.StatusNotFound, "NOT-FOUND"},
		{"unbalanced journal", "/v1/transactions", `{"action":"CREATE","organization_id":"` + f.orgID + `",
			"transaction":{"transaction_type":"journal","transaction_date":"2026-05-01T00:00:00Z","taxonomy_code":"ERP.FIN.GL.JOURNAL.v1",
			"lines":[{"line_number":1,"line_amount":"10","posting_type":"debit"},{"line_number":2,"line_amount":"9","posting_type":"credit"}]}}`,
			http.StatusUnprocessableEntity, "GL-BALANCED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := post(t, f, tc.path, tc.body)
			assert.Equal(t, tc.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.code, resp.ErrorCode)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	f := newFixture(t, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("store down")
	}))

	res, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	healthy = false
	res, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	post(t, f, "/v1/entities", `{"action":"QUERY","organization_id":"`+f.orgID+`"}`)
	res, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), "erpcore_operation_duration_seconds")
}

func TestOperationsListing(t *testing.T) {
	f := newFixture(t)
	res, err := http.Get(f.srv.URL + "/v1/operations")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	var ops []core.Operation
	require.NoError(t, json.NewDecoder(res.Body).Decode(&ops))
	assert.Len(t, ops, 15)
}

func TestStatusFor(t *testing.T) {
	created := true
	assert.Equal(t, http.StatusCreated, StatusFor(core.Response{Success: true, Data: &core.ResponseData{Created: &created}}))
	assert.Equal(t, http.StatusOK, StatusFor(core.Response{Success: true}))
	assert.Equal(t, http.StatusConflict, StatusFor(core.Response{ErrorKind: domain.KindReferential}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(core.Response{ErrorKind: domain.KindStorage}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(core.Response{ErrorKind: domain.KindInternal}))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	var logs bytes.Buffer
	s := New(core.NewDispatcher(svc), config.HTTP{ShutdownTimeout: time.Second}, WithAccessLog(&logs))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, logs.String(), "GET /healthz")
}

package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/shared"
)

func TestOutcomeLabels(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "conflict", Outcome(shared.Conflict("already_canceled", "x")))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestObserveLedgerCountsByOutcome(t *testing.T) {
	m := NewMetrics()
	m.ObserveLedger("invoice.create", nil)
	m.ObserveLedger("invoice.create", shared.Validation("invalid_amount", "x"))
	m.ObserveLedger("invoice.create", nil)
	require.Equal(t, 2.0, testutil.ToFloat64(m.ledgerOps.WithLabelValues("invoice.create", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ledgerOps.WithLabelValues("invoice.create", "validation")))
}

func TestMetricsHandlerExposesDrift(t *testing.T) {
	m := NewMetrics()
	m.ObserveDrift("account")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `backoffice_balance_drift_total{entity="account"} 1`))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveLedger("x", nil)
	m.ObserveDrift("x")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

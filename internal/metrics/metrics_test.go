package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.MintAttempts.WithLabelValues("confirmed").Inc()
	m.MintAttempts.WithLabelValues("confirmed").Inc()
	m.RateLimited.WithLabelValues("invite").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MintAttempts.WithLabelValues("confirmed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cert_engine_mint_attempts_total{outcome="confirmed"} 2`)
	assert.Contains(t, rec.Body.String(), `cert_engine_rate_limited_total{action="invite"} 1`)
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersLoopMetrics(t *testing.T) {
	m := New()

	m.AttemptsTotal.Inc()
	m.VerificationsTotal.WithLabelValues("pass").Inc()
	m.VerificationsTotal.WithLabelValues("fail").Add(2)
	m.SpawnsTotal.WithLabelValues("worker").Inc()
	m.QuestionsOpen.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "ralph_attempts_total 1")
	assert.Contains(t, out, `ralph_verifications_total{verdict="pass"} 1`)
	assert.Contains(t, out, `ralph_verifications_total{verdict="fail"} 2`)
	assert.Contains(t, out, `ralph_session_spawns_total{role="worker"} 1`)
	assert.Contains(t, out, "ralph_questions_open 3")
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.AttemptsTotal.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "ralph_attempts_total 0")
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilReceiversAreNoops(t *testing.T) {
	var hm *HubMetrics
	hm.ObservePublish(true)
	hm.ObserveDrop()
	hm.ObserveExpired(3)
	hm.SetRetained(1)
	hm.SetSubscribers(1)

	var sm *SessionMetrics
	sm.ObserveCommand("start", "ok")
	sm.SetActive(true)
	sm.SetPendingWorkers(2)
}

func TestHubMetrics(t *testing.T) {
	m := NewHubMetrics(prometheus.NewRegistry())

	m.ObservePublish(true)
	m.ObservePublish(false)
	m.ObservePublish(false)
	m.ObserveDrop()
	m.ObserveExpired(0)
	m.ObserveExpired(2)
	m.SetRetained(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Expired))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Retained))
}

func TestSessionMetrics(t *testing.T) {
	m := NewSessionMetrics(prometheus.NewRegistry())

	m.ObserveCommand("start", "ok")
	m.SetActive(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Active))

	m.SetActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Active))
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware("control"))
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("control", "GET", "/items/{id}", "418"))
	assert.Equal(t, 2.0, got)
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewCollector()

	ctr := c.Counter("test_total", "Test counter")
	ctr.Inc()
	ctr.Add(4)
	if ctr.Value() != 5 {
		t.Errorf("counter = %d, want 5", ctr.Value())
	}

	if again := c.Counter("test_total", "Test counter"); again != ctr {
		t.Error("same name must return the same counter")
	}

	g := c.Gauge("test_current", "Test gauge")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("gauge = %d, want 9", g.Value())
	}
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector()
	c.Counter("msgs_total", "Messages").Add(3)
	c.Gauge("conns_current", "Connections").Set(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE msgs_total counter",
		"msgs_total 3",
		"# TYPE conns_current gauge",
		"conns_current 2",
		"msghub_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

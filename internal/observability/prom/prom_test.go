package prom

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelMap(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestSinkCounterUsesFirstLabelSet(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink := NewSink(Options{Registerer: reg})

	sink.Count("job.transition", 1, map[string]string{"kind": "render", "result": "success"})
	sink.Count("job.transition", 2, map[string]string{"kind": "render", "result": "success", "extra": "x"})
	sink.Count("job.transition", 1, map[string]string{"kind": "publish"})

	fams := gather(t, reg)
	fam, ok := fams["jobcoord_job_transition_total"]
	require.True(t, ok)
	require.Len(t, fam.GetMetric(), 2)

	totals := map[string]float64{}
	for _, m := range fam.GetMetric() {
		labels := labelMap(m)
		assert.NotContains(t, labels, "extra")
		totals[labels["kind"]+"/"+labels["result"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"render/success": 3, "publish/": 1}, totals)
}

func TestSinkDeclaredLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink := NewSink(Options{
		Registerer: reg,
		Labels:     map[string][]string{"job.transition": {"result", "error_class"}},
	})

	sink.Count("job.transition", 1, map[string]string{"result": "success"})
	sink.Count("job.transition", 1, map[string]string{"result": "error", "error_class": "timeout"})

	fam := gather(t, reg)["jobcoord_job_transition_total"]
	require.NotNil(t, fam)
	classes := map[string]bool{}
	for _, m := range fam.GetMetric() {
		classes[labelMap(m)["error_class"]] = true
	}
	assert.Equal(t, map[string]bool{"": true, "timeout": true}, classes)
}

func TestSinkGaugeAndTiming(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink := NewSink(Options{Registerer: reg, Namespace: "test"})

	sink.Gauge("queue.depth", 7, nil)
	sink.Timing("job.duration", 1500*time.Millisecond, map[string]string{"kind": "render"})

	fams := gather(t, reg)
	require.Contains(t, fams, "test_queue_depth")
	assert.InDelta(t, 7.0, fams["test_queue_depth"].GetMetric()[0].GetGauge().GetValue(), 0.0001)

	require.Contains(t, fams, "test_job_duration_seconds")
	h := fams["test_job_duration_seconds"].GetMetric()[0].GetHistogram()
	assert.EqualValues(t, 1, h.GetSampleCount())
	assert.InDelta(t, 1.5, h.GetSampleSum(), 0.0001)
}

func TestHandlerForServesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewSink(Options{Registerer: reg}).Count("reclaimer.sweep", 1, map[string]string{"result": "noop"})

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `jobcoord_reclaimer_sweep_total{result="noop"} 1`)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "job_transition", sanitize("job.transition"))
	assert.Equal(t, "_9lives", sanitize("9lives"))
	assert.Equal(t, "a_b_c", sanitize("a-b/c"))
}

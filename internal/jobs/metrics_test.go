package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestTrackerCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	require.NoError(t, metrics.Track("settlement:cheques-due").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("settlement:cheques-due").End(boom), boom)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1.0, metricValue(t, families, "harvest_jobs_total", map[string]string{"job": "settlement:cheques-due", "status": "success"}))
	require.Equal(t, 1.0, metricValue(t, families, "harvest_jobs_total", map[string]string{"job": "settlement:cheques-due", "status": "failure"}))
	require.Equal(t, 1.0, metricValue(t, families, "harvest_jobs_failures_total", map[string]string{"job": "settlement:cheques-due"}))
}

func TestChequesDueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.SetChequesDue(3, 17500)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 3.0, metricValue(t, families, "harvest_cheques_due", nil))
	require.Equal(t, 17500.0, metricValue(t, families, "harvest_cheques_due_amount", nil))

	var none *Metrics
	none.SetChequesDue(1, 1)
	require.NoError(t, none.Track("x").End(nil))
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				return metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		want, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != want {
			return false
		}
		matched++
	}
	return matched == len(labels)
}

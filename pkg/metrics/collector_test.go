package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	snap  Snapshot
	calls int
}

func (f *fakeSource) CountSnapshot(ctx context.Context) (Snapshot, error) {
	f.calls++
	return f.snap, nil
}

// TestCollectorPublishesGauges tests that one collect cycle publishes counts
func TestCollectorPublishesGauges(t *testing.T) {
	source := &fakeSource{
		snap: Snapshot{
			Models: map[string]map[string]int{
				"ndb": {"complete": 3, "in_progress": 1},
			},
			Deployments: map[string]int{"complete": 2},
			Reports:     map[string]int{"queued": 5},
		},
	}

	collector := NewCollector(source, time.Minute)
	collector.collect()

	require.Equal(t, 1, source.calls)

	assert.InDelta(t, 3, testGaugeValue(t, "bazaar_models_total", map[string]string{
		"type": "ndb", "status": "complete",
	}), 0.001)
	assert.InDelta(t, 2, testGaugeValue(t, "bazaar_deployments_total", map[string]string{
		"status": "complete",
	}), 0.001)
	assert.InDelta(t, 5, testGaugeValue(t, "bazaar_reports_total", map[string]string{
		"status": "queued",
	}), 0.001)
}

// TestCollectorStartStop tests the collection loop lifecycle
func TestCollectorStartStop(t *testing.T) {
	source := &fakeSource{snap: Snapshot{}}

	collector := NewCollector(source, 10*time.Millisecond)
	collector.Start()

	// The collector collects once immediately and then on each tick.
	time.Sleep(50 * time.Millisecond)
	collector.Stop()

	assert.GreaterOrEqual(t, source.calls, 2)
}

func testGaugeValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
					break
				}
			}
			if match && len(m.GetLabel()) == len(labels) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

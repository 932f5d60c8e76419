package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncTablesCopied("Aria", ModeOnline)
	m.AddBytesCopied("data", 10)
	m.TrackTask("table")()
	m.ObserveStageDuration("FLUSH", time.Second)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.IncTablesCopied("Aria", ModeOnline)
	m.IncTablesCopied("Aria", ModeOnline)
	m.IncTablesDeferred("Aria")
	m.AddBytesCopied("index", 8192)
	m.IncSegmentsCopied()

	require.Equal(t, 2.0, testutil.ToFloat64(m.TablesCopied.WithLabelValues("Aria", ModeOnline)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TablesDeferred.WithLabelValues("Aria")))
	require.Equal(t, 8192.0, testutil.ToFloat64(m.BytesCopied.WithLabelValues("index")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsCopied))

	done := m.TrackTask("segment")
	require.Equal(t, 1.0, testutil.ToFloat64(m.InFlightTasks))
	done()
	require.Equal(t, 0.0, testutil.ToFloat64(m.InFlightTasks))
}

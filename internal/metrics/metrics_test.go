package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCounters(t *testing.T) {
	before := counterValue(t, NotificationsTotal.WithLabelValues("done"))
	IncNotification("done")
	if got := counterValue(t, NotificationsTotal.WithLabelValues("done")); got != before+1 {
		t.Fatalf("notifications = %v, want %v", got, before+1)
	}

	before = counterValue(t, HistoryEventsTotal.WithLabelValues("label_added"))
	AddHistoryEvents("label_added", 3)
	if got := counterValue(t, HistoryEventsTotal.WithLabelValues("label_added")); got != before+3 {
		t.Fatalf("history events = %v, want %v", got, before+3)
	}
}

func TestObserveBatch(t *testing.T) {
	var m dto.Metric
	if err := BatchDuration.Write(&m); err != nil {
		t.Fatal(err)
	}
	before := m.GetHistogram().GetSampleCount()

	ObserveBatch(25 * time.Millisecond)

	if err := BatchDuration.Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != before+1 {
		t.Fatalf("sample count = %d, want %d", got, before+1)
	}
}

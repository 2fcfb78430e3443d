package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func counterValue(c prometheus.Counter) float64 {
	var m io_prometheus_client.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestRecordTask(t *testing.T) {
	c := TasksTotal.WithLabelValues("aggregates.rebuild", "done")
	before := counterValue(c)
	RecordTask("aggregates.rebuild", "done")
	if got := counterValue(c); got != before+1 {
		t.Fatalf("counter=%v want %v", got, before+1)
	}
}

func TestRecordAggregateRebuild(t *testing.T) {
	created := AggregateRowsWrittenTotal.WithLabelValues("created")
	deleted := AggregateRowsWrittenTotal.WithLabelValues("deleted")
	beforeCreated, beforeDeleted := counterValue(created), counterValue(deleted)

	RecordAggregateRebuild("unweighted", 20*time.Millisecond, 3, 2, 1)

	if got := counterValue(created); got != beforeCreated+2 {
		t.Fatalf("created=%v want %v", got, beforeCreated+2)
	}
	if got := counterValue(deleted); got != beforeDeleted+1 {
		t.Fatalf("deleted=%v want %v", got, beforeDeleted+1)
	}
}

func TestRecordScheduled(t *testing.T) {
	c := TasksScheduledTotal.WithLabelValues("notify.options_changed", "true")
	before := counterValue(c)
	RecordScheduled("notify.options_changed", true)
	if got := counterValue(c); got != before+1 {
		t.Fatalf("counter=%v want %v", got, before+1)
	}
}

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
)

func testReport() *requeue.Report {
	return &requeue.Report{
		RunID:      "run-1",
		Queue:      "orders.dlq",
		StartedAt:  time.Unix(1700000000, 0),
		FinishedAt: time.Unix(1700000004, 0),
		Drained:    4,
		Selected:   3,
		Results: []requeue.Result{
			{Outcome: requeue.OutcomePublished},
			{Outcome: requeue.OutcomePublished},
			{Outcome: requeue.OutcomePublishFailed},
		},
	}
}

func TestRecorder_Observe(t *testing.T) {
	t.Parallel()
	r := NewRecorder("", "dlq_requeue")

	if err := r.Record(context.Background(), testReport()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if got := testutil.ToFloat64(r.messages.WithLabelValues("orders.dlq", "published")); got != 2 {
		t.Errorf("published counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.messages.WithLabelValues("orders.dlq", "publish_failed")); got != 1 {
		t.Errorf("publish_failed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.drained.WithLabelValues("orders.dlq")); got != 4 {
		t.Errorf("drained counter = %v, want 4", got)
	}
	if got := testutil.ToFloat64(r.lastRun.WithLabelValues("orders.dlq")); got != 1700000004 {
		t.Errorf("last run timestamp = %v, want 1700000004", got)
	}
	if got := testutil.ToFloat64(r.runDuration.WithLabelValues("orders.dlq")); got != 4 {
		t.Errorf("run duration = %v, want 4", got)
	}
}

func TestRecorder_Push(t *testing.T) {
	t.Parallel()

	var (
		pushes atomic.Int32
		path   atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		pushes.Add(1)
		path.Store(req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder(srv.URL, "dlq_requeue")
	if err := r.Record(context.Background(), testReport()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if pushes.Load() != 1 {
		t.Fatalf("pushes = %d, want 1", pushes.Load())
	}
	p, _ := path.Load().(string)
	if !strings.Contains(p, "/job/dlq_requeue") || !strings.Contains(p, "/queue/orders.dlq") {
		t.Errorf("push path = %q, want job and queue grouping", p)
	}
}

func TestRecorder_PushError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRecorder(srv.URL, "dlq_requeue")
	if err := r.Record(context.Background(), testReport()); err == nil {
		t.Error("Record should report a failed push")
	}
}

package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
)

type memStore struct {
	objects     map[string][]byte
	contentType string
}

func (m *memStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+key] = data
	m.contentType = contentType
	return nil
}

func TestReportArchiver_Record(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	a := &ReportArchiver{store: store, bucket: "requeue-reports"}

	report := &requeue.Report{
		RunID:     "run-1",
		Queue:     "orders.dlq",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Drained:   2,
		Selected:  2,
		Results: []requeue.Result{
			{DeliveryTag: 1, Exchange: "orders", RoutingKey: "orders.process", Outcome: requeue.OutcomePublished},
			{DeliveryTag: 2, Outcome: requeue.OutcomeNoRoutingMetadata, Error: "routing metadata missing"},
		},
	}

	if err := a.Record(context.Background(), report); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, ok := store.objects["requeue-reports/orders.dlq/2024/05/01/run-1.json"]
	if !ok {
		t.Fatalf("object not stored, have %v", store.objects)
	}
	if store.contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", store.contentType)
	}

	var got struct {
		RunID   string `json:"run_id"`
		Results []struct {
			Outcome string `json:"outcome"`
		} `json:"results"`
		Summary struct {
			Published         int `json:"published"`
			NoRoutingMetadata int `json:"no_routing_metadata"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stored report is not JSON: %v", err)
	}
	if got.RunID != "run-1" || len(got.Results) != 2 {
		t.Errorf("stored report = %+v", got)
	}
	if got.Summary.Published != 1 || got.Summary.NoRoutingMetadata != 1 {
		t.Errorf("summary = %+v, want 1 published and 1 without routing metadata", got.Summary)
	}
}

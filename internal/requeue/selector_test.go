package requeue

import (
	"slices"
	"testing"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

func TestSelectorMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter string
		body   string
		want   bool
	}{
		{"no filter selects anything", "", "not json", true},
		{"matching id", "B", `{"Attributes":{"MessageId":"B"}}`, true},
		{"different id", "B", `{"Attributes":{"MessageId":"A"}}`, false},
		{"unparsable body", "B", `{"Attributes":`, false},
		{"missing attributes", "B", `{"Payload":{}}`, false},
		{"missing message id", "B", `{"Attributes":{"Sender":"x"}}`, false},
		{"numeric id", "7", `{"Attributes":{"MessageId":7}}`, false},
		{"attributes not an object", "B", `{"Attributes":"B"}`, false},
		{"top-level array", "B", `[{"Attributes":{"MessageId":"B"}}]`, false},
		{"empty body", "B", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSelector(tt.filter, "")
			if got := s.Match(queue.DeadLetter{Body: []byte(tt.body)}); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestSelectorCustomPath(t *testing.T) {
	t.Parallel()
	s := NewSelector("evt-1", "meta.event.id")

	if !s.Match(queue.DeadLetter{Body: []byte(`{"meta":{"event":{"id":"evt-1"}}}`)}) {
		t.Error("expected match on nested custom path")
	}
	if s.Match(queue.DeadLetter{Body: []byte(`{"Attributes":{"MessageId":"evt-1"}}`)}) {
		t.Error("default path should not be consulted when a custom path is set")
	}
}

func TestSelect_PreservesOrderAndPassesErrors(t *testing.T) {
	t.Parallel()
	b := newFakeBroker(
		deadLetter("A", "orders", "orders.process"),
		deadLetter("B", "orders", "orders.process"),
		deadLetter("B", "billing", "billing.in"),
	)

	var tags []uint64
	for msg, err := range Select(Drain(t.Context(), b, "dlq"), "B") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		tags = append(tags, msg.DeliveryTag)
	}

	if want := []uint64{2, 3}; !slices.Equal(tags, want) {
		t.Errorf("selected tags = %v, want %v", tags, want)
	}
}

package requeue

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Outcome string

const (
	OutcomePublished         Outcome = "published"
	OutcomeNoRoutingMetadata Outcome = "no_routing_metadata"
	OutcomePublishFailed     Outcome = "publish_failed"
	// OutcomeAckFailed means the message was published but remains in the
	// dead-letter queue, so it will be delivered again.
	OutcomeAckFailed    Outcome = "ack_failed"
	OutcomeWouldPublish Outcome = "would_publish"
	OutcomeNotAttempted Outcome = "not_attempted"
)

// Result is the outcome for one selected message. BodySHA256 identifies the
// payload in reports without storing it.
type Result struct {
	DeliveryTag uint64  `json:"delivery_tag"`
	MessageID   string  `json:"message_id,omitempty"`
	BodySHA256  string  `json:"body_sha256,omitempty"`
	Exchange    string  `json:"exchange"`
	RoutingKey  string  `json:"routing_key"`
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`
	Err         error   `json:"-"`
}

func bodyHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func (r *Result) fail(outcome Outcome, err error) {
	r.Outcome = outcome
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

type Report struct {
	RunID      string    `json:"run_id"`
	Queue      string    `json:"queue"`
	Filter     string    `json:"filter,omitempty"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Drained    int       `json:"drained"`
	Selected   int       `json:"selected"`
	Results    []Result  `json:"results"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
}

// Summary counts results per outcome.
type Summary struct {
	Drained           int `json:"drained"`
	Selected          int `json:"selected"`
	Published         int `json:"published"`
	NoRoutingMetadata int `json:"no_routing_metadata"`
	PublishFailed     int `json:"publish_failed"`
	Duplicated        int `json:"duplicated"`
	WouldPublish      int `json:"would_publish"`
	NotAttempted      int `json:"not_attempted"`
}

func (r *Report) Summary() Summary {
	s := Summary{Drained: r.Drained, Selected: r.Selected}
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomePublished:
			s.Published++
		case OutcomeNoRoutingMetadata:
			s.NoRoutingMetadata++
		case OutcomePublishFailed:
			s.PublishFailed++
		case OutcomeAckFailed:
			s.Duplicated++
		case OutcomeWouldPublish:
			s.WouldPublish++
		case OutcomeNotAttempted:
			s.NotAttempted++
		}
	}
	return s
}

// Count returns the number of results with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

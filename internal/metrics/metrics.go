package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
)

// Recorder turns run reports into Prometheus series. A run is a short-lived
// batch job, so series are pushed to a Pushgateway instead of being scraped.
type Recorder struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	drained     *prometheus.CounterVec
	lastRun     *prometheus.GaugeVec
	runDuration *prometheus.GaugeVec
	halted      *prometheus.GaugeVec

	pushURL string
	job     string
}

// NewRecorder registers the requeue series on a private registry. An empty
// pushURL records in memory only.
func NewRecorder(pushURL, job string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requeue_messages_total",
				Help: "Selected dead-lettered messages by outcome",
			},
			[]string{"queue", "outcome"},
		),
		drained: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requeue_messages_drained_total",
				Help: "Messages fetched from the dead-letter queue",
			},
			[]string{"queue"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "requeue_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
			[]string{"queue"},
		),
		runDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "requeue_last_run_duration_seconds",
				Help: "Wall time of the last run",
			},
			[]string{"queue"},
		),
		halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "requeue_last_run_halted",
				Help: "1 if the last run stopped early on a connection failure",
			},
			[]string{"queue"},
		),
		pushURL: pushURL,
		job:     job,
	}
	r.registry.MustRegister(r.messages, r.drained, r.lastRun, r.runDuration, r.halted)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Record(ctx context.Context, report *requeue.Report) error {
	r.observe(report)
	if r.pushURL == "" {
		return nil
	}
	if err := push.New(r.pushURL, r.job).
		Gatherer(r.registry).
		Grouping("queue", report.Queue).
		PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", r.pushURL, err)
	}
	return nil
}

func (r *Recorder) observe(report *requeue.Report) {
	for _, res := range report.Results {
		r.messages.WithLabelValues(report.Queue, string(res.Outcome)).Inc()
	}
	r.drained.WithLabelValues(report.Queue).Add(float64(report.Drained))
	r.lastRun.WithLabelValues(report.Queue).Set(float64(report.FinishedAt.Unix()))
	r.runDuration.WithLabelValues(report.Queue).Set(report.Duration().Seconds())

	halted := 0.0
	if report.Halted {
		halted = 1
	}
	r.halted.WithLabelValues(report.Queue).Set(halted)
}

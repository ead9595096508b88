package requeue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

// Recorder receives the finished report of every run, including failed ones.
type Recorder interface {
	Record(ctx context.Context, report *Report) error
}

const recordTimeout = 30 * time.Second

type Options struct {
	// RunID is generated when empty.
	RunID       string
	Queue       string
	Filter      string
	IDPath      string
	DryRun      bool
	MaxMessages int
}

type Runner struct {
	broker    Broker
	throttle  Throttle
	recorders []Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type RunnerOption func(*Runner)

func WithThrottle(t Throttle) RunnerOption {
	return func(r *Runner) { r.throttle = t }
}

func WithRecorders(recs ...Recorder) RunnerOption {
	return func(r *Runner) { r.recorders = append(r.recorders, recs...) }
}

func NewRunner(b Broker, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		broker: b,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains opts.Queue completely, then republishes the selected messages in
// the order they were drained. Per-message failures are reported, not
// returned; the returned error is non-nil only when the run was cut short.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Queue == "" {
		return nil, errors.New("dead-letter queue name is required")
	}

	runID := opts.RunID
	if runID == "" {
		runID = r.newID()
	}
	report := &Report{
		RunID:     runID,
		Queue:     opts.Queue,
		Filter:    opts.Filter,
		DryRun:    opts.DryRun,
		StartedAt: r.now(),
	}
	logger := r.logger.With("run_id", report.RunID, "queue", opts.Queue)
	logger.Info("starting run", "filter", opts.Filter, "dry_run", opts.DryRun, "max_messages", opts.MaxMessages)

	selected, err := r.drainAndSelect(ctx, opts, report)
	if err != nil {
		for _, msg := range selected {
			report.Results = append(report.Results, Result{DeliveryTag: msg.DeliveryTag, MessageID: msg.MessageID, Outcome: OutcomeNotAttempted})
		}
		r.halt(report, err)
		logger.Error("drain failed", "error", err, "drained", report.Drained)
		return report, r.finish(ctx, logger, report, err)
	}

	logger.Info("drain complete", "drained", report.Drained, "selected", report.Selected)

	router := NewRouter(r.broker, r.throttle, opts.DryRun)
	var runErr error
	for i, msg := range selected {
		res := router.Republish(ctx, msg)
		report.Results = append(report.Results, res)
		r.logResult(logger, res)

		if isFatal(res.Err) {
			for _, rest := range selected[i+1:] {
				report.Results = append(report.Results, Result{DeliveryTag: rest.DeliveryTag, MessageID: rest.MessageID, Outcome: OutcomeNotAttempted})
			}
			runErr = &Error{Kind: ConnectionError, Tag: msg.DeliveryTag, Err: res.Err}
			r.halt(report, runErr)
			logger.Error("run halted", "error", runErr, "not_attempted", len(selected)-i-1)
			break
		}
	}

	return report, r.finish(ctx, logger, report, runErr)
}

func (r *Runner) drainAndSelect(ctx context.Context, opts Options, report *Report) ([]queue.DeadLetter, error) {
	src := Limit(Drain(ctx, r.broker, opts.Queue), opts.MaxMessages)
	selector := NewSelector(opts.Filter, opts.IDPath)

	var selected []queue.DeadLetter
	for msg, err := range selector.Select(counting(src, &report.Drained)) {
		if err != nil {
			return selected, err
		}
		selected = append(selected, msg)
		report.Selected++
	}
	return selected, nil
}

func counting(seq iter.Seq2[queue.DeadLetter, error], n *int) iter.Seq2[queue.DeadLetter, error] {
	return func(yield func(queue.DeadLetter, error) bool) {
		for msg, err := range seq {
			if err == nil {
				*n++
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

func (r *Runner) halt(report *Report, err error) {
	report.Halted = true
	report.HaltReason = err.Error()
}

func (r *Runner) logResult(logger *slog.Logger, res Result) {
	attrs := []any{
		"delivery_tag", res.DeliveryTag,
		"exchange", res.Exchange,
		"routing_key", res.RoutingKey,
		"outcome", res.Outcome,
	}
	switch res.Outcome {
	case OutcomePublished, OutcomeWouldPublish:
		logger.Info("message processed", attrs...)
	case OutcomeAckFailed:
		logger.Error("message published but not acknowledged, it will be delivered twice", append(attrs, "error", res.Err)...)
	default:
		logger.Warn("message skipped", append(attrs, "error", res.Err)...)
	}
}

// finish stamps the report and hands it to every recorder. Recorder failures
// are logged; they never change the run's result.
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, report *Report, runErr error) error {
	report.FinishedAt = r.now()
	s := report.Summary()
	logger.Info("run summary",
		"drained", s.Drained,
		"selected", s.Selected,
		"published", s.Published,
		"no_routing_metadata", s.NoRoutingMetadata,
		"publish_failed", s.PublishFailed,
		"duplicated", s.Duplicated,
		"would_publish", s.WouldPublish,
		"not_attempted", s.NotAttempted,
		"halted", report.Halted,
		"duration", report.Duration(),
	)

	// Recording must still happen after a cancelled run.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	for _, rec := range r.recorders {
		if err := rec.Record(recCtx, report); err != nil {
			logger.Error("recording report", "recorder", fmt.Sprintf("%T", rec), "error", err)
		}
	}
	return runErr
}

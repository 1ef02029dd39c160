package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/models"
	"fitsync/internal/queue"
	"fitsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Deliverer sends one queued action to the backend
type Deliverer interface {
	Deliver(ctx context.Context, action models.QueuedAction) error
}

// Report summarises one drain pass
type Report struct {
	Attempted    int   `json:"attempted"`
	Delivered    int   `json:"delivered"`
	Failed       int   `json:"failed"`
	DeadLettered int   `json:"dead_lettered"`
	Remaining    int   `json:"remaining"`
	Interrupted  bool  `json:"interrupted,omitempty"`
	ReadError    error `json:"-"`
}

// Complete reports whether the pass left no undelivered work behind
func (r Report) Complete() bool {
	return r.ReadError == nil && !r.Interrupted && r.Remaining == 0
}

// Replayer drains the queue once per trigger. Actions are attempted in
// queue order; a failure leaves that action queued and moves on.
type Replayer struct {
	store       queue.Store
	deliverer   Deliverer
	timeout     time.Duration
	maxAttempts int
	logger      *apperrors.Logger

	// one pass at a time, whether started by the host or a manual flush
	mu sync.Mutex
}

// NewReplayer creates a replayer. A MaxAttempts of zero keeps failing
// actions queued forever.
func NewReplayer(store queue.Store, deliverer Deliverer, config models.SyncConfig, logger *logrus.Logger) *Replayer {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := time.Duration(config.DeliveryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultDeliveryTimeoutSec * time.Second
	}
	return &Replayer{
		store:       store,
		deliverer:   deliverer,
		timeout:     timeout,
		maxAttempts: config.MaxAttempts,
		logger:      apperrors.WrapLogger(logger),
	}
}

// Handler adapts the replayer to a background sync handler
func (r *Replayer) Handler() Handler {
	return func(ctx context.Context) bool {
		return r.Drain(ctx).Complete()
	}
}

// Backlog reports whether any action is queued. A store that cannot be read
// reports no backlog; the next drain surfaces the error.
func (r *Replayer) Backlog(ctx context.Context) bool {
	queued, err := r.store.GetAll(ctx)
	if err != nil {
		r.logger.LogWarn(err, "Failed to check action queue backlog")
		return false
	}
	return len(queued) > 0
}

// Drain runs one pass over the queue
func (r *Replayer) Drain(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = tracing.WithStartTime(ctx, time.Now())
	ctx = tracing.WithDrainID(ctx, tracing.GenerateDrainID())
	ctx, span := tracing.StartSpan(ctx, "sync.drain")
	defer span.End()

	var report Report
	queued, err := r.store.GetAll(ctx)
	if err != nil {
		report.ReadError = err
		r.logger.LogError(err, "Failed to read action queue", logrus.Fields(tracing.Fields(ctx)))
		tracing.RecordError(ctx, err)
		metrics.IncrementCounter(metrics.DrainPasses, map[string]string{"result": "read_error"}, "Drain passes")
		return report
	}

	for _, action := range queued {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		report.Attempted++

		switch r.replay(ctx, action) {
		case outcomeDelivered:
			report.Delivered++
		case outcomeDeadLettered:
			report.DeadLettered++
		case outcomeInterrupted:
			report.Interrupted = true
		default:
			report.Failed++
		}
		if report.Interrupted {
			break
		}
	}

	report.Remaining = len(queued) - report.Delivered - report.DeadLettered
	r.finish(ctx, report)
	return report
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDelivered
	outcomeDeadLettered
	outcomeInterrupted
)

func (r *Replayer) replay(ctx context.Context, action models.QueuedAction) outcome {
	fields := logrus.Fields(tracing.Fields(ctx))
	fields["action_id"] = action.ID
	fields["action_type"] = action.Type

	deliverCtx, cancel := context.WithTimeout(ctx, r.timeout)
	deliveryStart := time.Now()
	err := r.deliverer.Deliver(deliverCtx, action)
	timedOut := errors.Is(deliverCtx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.RecordTimer(metrics.DeliveryDuration, time.Since(deliveryStart), map[string]string{"type": action.Type}, "Per-action delivery latency")

	if err == nil {
		metrics.IncrementCounter(metrics.DeliveriesTotal, map[string]string{"type": action.Type, "result": "success"}, "Action deliveries")
		if delErr := r.store.DeleteByID(ctx, action.ID); delErr != nil {
			// Delivered but still queued; the idempotency key absorbs the
			// replay on the next pass.
			r.logger.LogError(delErr, "Failed to remove delivered action", fields)
			return outcomeFailed
		}
		r.logger.WithFields(fields).Debug("Action delivered")
		return outcomeDelivered
	}

	if ctx.Err() != nil {
		// Shutting down; the action was not judged
		return outcomeInterrupted
	}

	metrics.IncrementCounter(metrics.DeliveriesTotal, map[string]string{"type": action.Type, "result": "failure"}, "Action deliveries")
	if timedOut {
		err = apperrors.NewTimeoutError("delivery of "+action.Type, r.timeout.String())
	}
	r.logger.LogRetryableError(err, "Action delivery failed, leaving it queued", fields)

	attempts, recErr := r.store.RecordFailure(ctx, action.ID, err.Error())
	if recErr != nil {
		r.logger.LogError(recErr, "Failed to record delivery failure", fields)
		return outcomeFailed
	}

	if r.maxAttempts > 0 && attempts >= r.maxAttempts {
		if dlErr := r.store.MoveToDeadLetter(ctx, action.ID, "max delivery attempts reached: "+err.Error()); dlErr != nil {
			r.logger.LogError(dlErr, "Failed to dead-letter action", fields)
			return outcomeFailed
		}
		metrics.IncrementCounter(metrics.DeadLettered, map[string]string{"type": action.Type}, "Actions moved to dead letters")
		r.logger.WithFields(fields).WithField("attempts", attempts).Warn("Action moved to dead letters")
		return outcomeDeadLettered
	}
	return outcomeFailed
}

func (r *Replayer) finish(ctx context.Context, report Report) {
	elapsed := tracing.Duration(ctx)
	result := "complete"
	if !report.Complete() {
		result = "incomplete"
	}
	metrics.IncrementCounter(metrics.DrainPasses, map[string]string{"result": result}, "Drain passes")
	metrics.RecordTimer(metrics.DrainDuration, elapsed, nil, "Drain pass duration")
	metrics.SetGauge(metrics.QueueDepth, float64(report.Remaining), nil, "Queued actions after the last drain")

	tracing.AddSpanAttributes(ctx,
		attribute.Int("drain.attempted", report.Attempted),
		attribute.Int("drain.delivered", report.Delivered),
		attribute.Int("drain.failed", report.Failed),
		attribute.Int("drain.dead_lettered", report.DeadLettered),
	)

	entry := r.logger.WithFields(tracing.Fields(ctx)).WithFields(logrus.Fields{
		"attempted":     report.Attempted,
		"delivered":     report.Delivered,
		"failed":        report.Failed,
		"dead_lettered": report.DeadLettered,
		"remaining":     report.Remaining,
		"duration_ms":   elapsed.Milliseconds(),
	})
	if report.Attempted == 0 {
		entry.Debug("Drain pass finished")
		return
	}
	entry.Info("Drain pass finished")
}

package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
)

const (
	// DefaultPollInterval is how often a background task is polled.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxPolls bounds the polling loop (~5 minutes wall-clock at
	// the default interval).
	DefaultMaxPolls = 60

	// The first 40% of the progress bar is attributed to the upload
	// phase; remote progress [0,1] maps onto [40,100].
	processingProgressFloor = 40
)

// StatusFunc fetches the state of one background task.
type StatusFunc func(ctx context.Context, taskID string) (*api.StatusResponse, error)

// Monitor polls background processing tasks until a terminal state, the
// poll ceiling, or cancellation.
type Monitor struct {
	status   StatusFunc
	interval time.Duration
	maxPolls int
	logger   *slog.Logger
}

// NewMonitor creates a monitor. Zero interval/maxPolls select the defaults.
func NewMonitor(status StatusFunc, interval time.Duration, maxPolls int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		status:   status,
		interval: interval,
		maxPolls: maxPolls,
		logger:   logger,
	}
}

// Watch polls taskID until it reaches a terminal state or the attempt
// ceiling, delivering every record change through update as a
// whole-record replacement. It returns when the task is terminal or ctx
// is cancelled. Callers run it on its own goroutine and cancel ctx to
// stop polling for removed records.
func (m *Monitor) Watch(ctx context.Context, taskID string, update func(func(Record) Record)) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= m.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		st, err := m.status(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cls := Classify(err, "")
			if !cls.Retryable {
				m.logger.Warn("status poll failed, aborting monitor", "task_id", taskID, "code", cls.Code, "error", err)
				update(failRecord(cls, 0))
				return
			}
			// Transient poll failure: consumes an attempt, keep polling.
			m.logger.Debug("status poll failed, will retry", "task_id", taskID, "attempt", attempt, "error", err)
			timer.Reset(m.interval)
			continue
		}

		switch st.Status {
		case api.StatusCompleted:
			update(func(rec Record) Record {
				if rec.Phase != PhaseProcessing {
					return rec
				}
				rec.Phase = PhaseSuccess
				rec.Progress = 100
				rec.Err = nil
				return rec
			})
			return

		case api.StatusFailed, api.StatusError:
			// Processing failures are content failures, not transient.
			update(failRecord(Classification{
				Code:        CodeProcessingFailed,
				Retryable:   false,
				Severity:    SeverityError,
				UserMessage: "Processing failed. The document could not be added to the knowledge graph.",
			}, 0))
			return

		default:
			update(func(rec Record) Record {
				if rec.Phase != PhaseProcessing {
					return rec
				}
				p := scaleProcessingProgress(st.Progress)
				if p > rec.Progress {
					rec.Progress = p
				}
				return rec
			})
		}

		timer.Reset(m.interval)
	}

	// Ceiling exceeded without a terminal status: assume transient.
	m.logger.Warn("processing monitor timed out", "task_id", taskID, "polls", m.maxPolls)
	update(failRecord(Classification{
		Code:        CodeProcessingTimeout,
		Retryable:   true,
		Severity:    SeverityWarning,
		UserMessage: "Processing is taking longer than expected. You can retry the upload.",
	}, 0))
}

// scaleProcessingProgress maps remote progress [0,1] onto the record's
// displayed range [40,100].
func scaleProcessingProgress(remote float64) int {
	if remote < 0 {
		remote = 0
	}
	if remote > 1 {
		remote = 1
	}
	return processingProgressFloor + int(remote*(100-processingProgressFloor))
}

// failRecord builds an update that moves a record to the error phase,
// preserving the retry count already consumed.
func failRecord(cls Classification, retryCount int) func(Record) Record {
	return func(rec Record) Record {
		if rec.Phase.Terminal() {
			return rec
		}
		if rec.Err != nil && retryCount == 0 {
			retryCount = rec.Err.RetryCount
		}
		rec.Phase = PhaseError
		rec.Err = &ErrorInfo{
			Message:    cls.UserMessage,
			Code:       cls.Code,
			Retryable:  cls.Retryable,
			RetryCount: retryCount,
		}
		return rec
	}
}

package ingest

import (
	"context"
	"log/slog"
	"sync"
)

// MaxRetries is the per-entity retry budget. A fourth attempt is refused
// before any network call is made.
const MaxRetries = 3

// Controller wraps asynchronous operations with consistent loading-state
// cleanup, error classification and bounded retry budgets.
//
// Errors are keyed by a logical source name ("analyze", "upload", ...);
// retry budgets are keyed by entity (record) id.
type Controller struct {
	logger *slog.Logger

	mu       sync.Mutex
	loading  map[string]bool
	errors   map[string]Classification
	attempts map[string]int
}

// NewController creates a retry controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:   logger,
		loading:  make(map[string]bool),
		errors:   make(map[string]Classification),
		attempts: make(map[string]int),
	}
}

// Run executes op with the loading flag set for source. The flag is
// cleared on every exit path, including panics unwinding through Run.
// A failed operation is classified, recorded under source, and reported
// as (zero, false); callers treat false as "handled failure".
func Run[T any](ctx context.Context, c *Controller, source string, op func(context.Context) (T, error)) (T, bool) {
	c.setLoading(source, true)
	defer c.setLoading(source, false)

	result, err := op(ctx)
	if err != nil {
		cls := Classify(err, "")
		c.record(source, cls)
		c.logger.Warn("operation failed",
			"source", source,
			"code", cls.Code,
			"retryable", cls.Retryable,
			"error", err)
		var zero T
		return zero, false
	}

	c.clearError(source)
	return result, true
}

// Loading reports whether an operation is in flight for source.
func (c *Controller) Loading(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading[source]
}

// LastError returns the most recent classification recorded for source.
func (c *Controller) LastError(source string) (Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cls, ok := c.errors[source]
	return cls, ok
}

// Dismiss clears the recorded error for source.
func (c *Controller) Dismiss(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, source)
}

// Attempts returns how many retries entity has consumed.
func (c *Controller) Attempts(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[entity]
}

// Attempt reserves one retry attempt for entity. Once the budget is spent
// the attempt is refused and surfaced as a non-retryable terminal
// classification; no further network call may be made for it.
func (c *Controller) Attempt(entity string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts[entity] >= MaxRetries {
		c.errors[entity] = Classification{
			Code:        CodeRetryLimitReached,
			Retryable:   false,
			Severity:    SeverityError,
			UserMessage: "Retry limit reached. Remove the file and submit it again.",
		}
		return c.attempts[entity], false
	}

	c.attempts[entity]++
	return c.attempts[entity], true
}

// Forget drops all state held for entity (budget and errors).
func (c *Controller) Forget(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, entity)
	delete(c.errors, entity)
	delete(c.loading, entity)
}

func (c *Controller) setLoading(source string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.loading[source] = true
	} else {
		delete(c.loading, source)
	}
}

func (c *Controller) record(source string, cls Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[source] = cls
}

func (c *Controller) clearError(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, source)
}

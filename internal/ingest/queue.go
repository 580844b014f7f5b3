package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
)

// Remote is the slice of the graphdoc service the queue consumes.
// *api.Client satisfies it; tests substitute stubs.
type Remote interface {
	Analyze(ctx context.Context, filename string, content io.Reader) (*api.AnalyzeResponse, error)
	Upload(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error)
	GetStatus(ctx context.Context, taskID string) (*api.StatusResponse, error)
}

// Errors returned by queue operations.
var (
	ErrNotFound   = errors.New("record not found")
	ErrBusy       = errors.New("record has an operation in flight")
	ErrWrongPhase = errors.New("record is not in a startable phase")
)

// Options configures an ingestion queue. Zero values select defaults.
type Options struct {
	MaxFileSize  int64
	AllowedTypes []string
	PollInterval time.Duration
	MaxPolls     int
}

// Queue holds the ordered collection of ingestion records and is the only
// component that replaces a record's value. All transitions are
// whole-record functional replacements keyed by id, so concurrently
// polling records never interleave partial writes.
type Queue struct {
	remote  Remote
	retry   *Controller
	monitor *Monitor
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	order    []string
	entries  map[string]*entry
	version  uint64
	watchers []chan struct{}
}

// entry pairs a record value with its private bookkeeping: the content
// opener, the single-flight latch and the active monitor's cancel.
type entry struct {
	rec    Record
	open   func() (io.ReadCloser, error)
	busy   bool
	cancel context.CancelFunc
}

// NewQueue creates a queue backed by remote.
func NewQueue(remote Remote, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 50 << 20
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = []string{".pdf", ".docx", ".doc", ".txt", ".md", ".markdown"}
	}

	q := &Queue{
		remote:  remote,
		retry:   NewController(logger),
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	q.monitor = NewMonitor(remote.GetStatus, opts.PollInterval, opts.MaxPolls, logger)
	return q
}

// Controller exposes the retry controller for loading/error inspection.
func (q *Queue) Controller() *Controller {
	return q.retry
}

// Enqueue filters the given files by type and size and creates one
// pending record per accepted file. Rejected files are reported through
// the joined error; accepted ones are enqueued regardless.
func (q *Queue) Enqueue(files ...File) ([]Record, error) {
	var (
		created []Record
		errs    []error
	)

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !slices.Contains(q.opts.AllowedTypes, ext) {
			errs = append(errs, fmt.Errorf("%s: unsupported file type %q", f.Name, ext))
			continue
		}
		if f.Size > q.opts.MaxFileSize {
			errs = append(errs, fmt.Errorf("%s: file too large (%d bytes, limit %d)", f.Name, f.Size, q.opts.MaxFileSize))
			continue
		}

		rec := Record{
			ID: uuid.New().String()[:8], // Short ID for convenience
			File: FileDescriptor{
				Name:      f.Name,
				Size:      f.Size,
				MediaType: f.MediaType,
			},
			Phase:      PhasePending,
			EnqueuedAt: time.Now(),
		}

		q.mu.Lock()
		q.entries[rec.ID] = &entry{rec: rec, open: f.Open}
		q.order = append(q.order, rec.ID)
		q.bumpLocked()
		q.mu.Unlock()

		q.logger.Info("file enqueued", "record_id", rec.ID, "file", f.Name, "size", f.Size)
		created = append(created, rec)
	}

	return created, errors.Join(errs...)
}

// StartAnalysis runs the advisory preview for a pending record. Analysis
// never fails the record: a failed call produces a low-confidence
// fallback and the record returns to pending either way.
func (q *Queue) StartAnalysis(ctx context.Context, id string) (Record, error) {
	ref, err := q.begin(id, PhasePending)
	if err != nil {
		return Record{}, err
	}
	defer q.end(id)

	q.apply(id, func(rec Record) Record {
		rec.Phase = PhaseAnalyzing
		return rec
	})

	resp, ok := Run(ctx, q.retry, "analyze/"+id, func(ctx context.Context) (*api.AnalyzeResponse, error) {
		content, err := ref.open()
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		defer content.Close()
		return q.remote.Analyze(ctx, ref.name, content)
	})

	analysis := fallbackAnalysis(ref.name)
	if ok {
		analysis = normalizeAnalysis(resp, ref.size)
	} else {
		q.logger.Info("analysis degraded to fallback", "record_id", id, "file", ref.name)
	}

	q.apply(id, func(rec Record) Record {
		rec.Phase = PhasePending
		rec.Analysis = analysis
		return rec
	})
	return q.mustGet(id), nil
}

// StartUpload submits a pending record. Depending on the service's
// discriminated response the record either terminates immediately or is
// handed to the processing monitor.
func (q *Queue) StartUpload(ctx context.Context, id string) (Record, error) {
	ref, err := q.begin(id, PhasePending)
	if err != nil {
		return Record{}, err
	}
	defer q.end(id)

	q.apply(id, func(rec Record) Record {
		rec.Phase = PhaseUploading
		rec.Progress = 0
		rec.Err = nil
		return rec
	})

	resp, ok := Run(ctx, q.retry, "upload/"+id, func(ctx context.Context) (*api.UploadResponse, error) {
		content, err := ref.open()
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		defer content.Close()
		return q.remote.Upload(ctx, ref.name, content)
	})

	if !ok {
		cls, _ := q.retry.LastError("upload/" + id)
		q.apply(id, failRecord(cls, q.retry.Attempts(id)))
		return q.mustGet(id), nil
	}

	q.interpretUpload(id, resp)
	return q.mustGet(id), nil
}

// interpretUpload maps the service's discriminated response onto the
// record's next phase.
func (q *Queue) interpretUpload(id string, resp *api.UploadResponse) {
	switch resp.Status {
	case api.StatusCompleted, api.StatusUploadOnly, api.StatusProcessedSimple:
		// All success terminals; the distinction is informational.
		result := resultFromUpload(resp)
		q.apply(id, func(rec Record) Record {
			rec.Phase = PhaseSuccess
			rec.Progress = 100
			rec.Result = &result
			rec.Err = nil
			return rec
		})

	case api.StatusProcessing:
		if resp.TaskID == "" {
			q.apply(id, failRecord(Classification{
				Code:        CodeUnknown,
				Retryable:   false,
				Severity:    SeverityError,
				UserMessage: "The service accepted the upload but returned no task handle.",
			}, q.retry.Attempts(id)))
			return
		}

		q.apply(id, func(rec Record) Record {
			rec.Phase = PhaseProcessing
			rec.Progress = processingProgressFloor
			rec.TaskID = resp.TaskID
			return rec
		})
		q.watchTask(id, resp.TaskID)

	default:
		q.apply(id, failRecord(Classification{
			Code:        CodeUnknown,
			Retryable:   false,
			Severity:    SeverityError,
			UserMessage: fmt.Sprintf("The service returned an unexpected status %q.", resp.Status),
		}, q.retry.Attempts(id)))
	}
}

// watchTask starts the cancellable background monitor for a task handle.
// The cancel func is stored on the entry so Remove/Clear stop polling;
// apply's liveness check makes any late update a no-op.
func (q *Queue) watchTask(id, taskID string) {
	mctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	q.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			q.mu.Lock()
			if e, ok := q.entries[id]; ok {
				e.cancel = nil
			}
			q.mu.Unlock()
		}()
		q.monitor.Watch(mctx, taskID, func(fn func(Record) Record) {
			q.apply(id, fn)
		})
	}()
}

// Retry re-submits a failed record. The attempt is refused without any
// network call once the retry budget (3) is spent.
func (q *Queue) Retry(ctx context.Context, id string) (Record, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if e.busy {
		q.mu.Unlock()
		return Record{}, ErrBusy
	}
	if e.rec.Phase != PhaseError || e.rec.Err == nil || !e.rec.Err.Retryable {
		rec := e.rec
		q.mu.Unlock()
		return rec, fmt.Errorf("record %s is not retryable", id)
	}
	q.mu.Unlock()

	count, ok := q.retry.Attempt(id)
	if !ok {
		cls, _ := q.retry.LastError(id)
		// The record already sits in the error phase, so failRecord's
		// terminal guard would drop the refusal; it must replace the
		// existing retryable error regardless.
		q.apply(id, func(rec Record) Record {
			rec.Phase = PhaseError
			rec.Err = &ErrorInfo{
				Message:    cls.UserMessage,
				Code:       cls.Code,
				Retryable:  cls.Retryable,
				RetryCount: count,
			}
			return rec
		})
		return q.mustGet(id), nil
	}

	q.logger.Info("retrying upload", "record_id", id, "attempt", count, "budget", MaxRetries)
	q.apply(id, func(rec Record) Record {
		rec.Phase = PhasePending
		return rec
	})
	return q.StartUpload(ctx, id)
}

// Remove deletes a record. An active monitor is cancelled so no poll
// ever mutates a record that no longer exists.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(q.entries, id)
	q.order = slices.DeleteFunc(q.order, func(s string) bool { return s == id })
	q.bumpLocked()
	q.mu.Unlock()

	q.retry.Forget(id)
	q.logger.Info("record removed", "record_id", id)
	return true
}

// Clear removes every record and cancels all active monitors.
func (q *Queue) Clear() {
	q.mu.Lock()
	for id, e := range q.entries {
		if e.cancel != nil {
			e.cancel()
		}
		q.retry.Forget(id)
	}
	q.entries = make(map[string]*entry)
	q.order = nil
	q.bumpLocked()
	q.mu.Unlock()
}

// Records returns a snapshot of all records in enqueue order.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs := make([]Record, 0, len(q.order))
	for _, id := range q.order {
		recs = append(recs, q.entries[id].rec)
	}
	return recs
}

// Get returns a snapshot of one record.
func (q *Queue) Get(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Settled reports whether every record is in a terminal phase.
func (q *Queue) Settled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if !e.rec.Phase.Terminal() {
			return false
		}
	}
	return true
}

// Subscribe returns a channel that receives a signal after every queue
// mutation. The channel is never closed; sends are non-blocking.
func (q *Queue) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.watchers = append(q.watchers, ch)
	q.mu.Unlock()
	return ch
}

// apply replaces the record's value by id. A missing id is a deliberate
// no-op: results arriving for removed records are ignored on arrival.
func (q *Queue) apply(id string, fn func(Record) Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}
	e.rec = fn(e.rec)
	q.bumpLocked()
}

// fileRef captures what a phase operation needs without holding the lock.
type fileRef struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

// begin acquires the single-flight latch for id if the record is in one
// of the allowed phases. Callers must pair it with end.
func (q *Queue) begin(id string, allowed ...Phase) (fileRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fileRef{}, ErrNotFound
	}
	if e.busy {
		return fileRef{}, ErrBusy
	}
	if !slices.Contains(allowed, e.rec.Phase) {
		return fileRef{}, fmt.Errorf("record %s in phase %s: %w", id, e.rec.Phase, ErrWrongPhase)
	}

	e.busy = true
	return fileRef{name: e.rec.File.Name, size: e.rec.File.Size, open: e.open}, nil
}

func (q *Queue) end(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.busy = false
	}
}

func (q *Queue) mustGet(id string) Record {
	rec, _ := q.Get(id)
	return rec
}

// bumpLocked advances the version counter and wakes subscribers.
// Callers hold q.mu.
func (q *Queue) bumpLocked() {
	q.version++
	for _, ch := range q.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// normalizeAnalysis converts the service preview into the record's
// analysis shape, substituting conservative placeholders for missing
// optional sub-fields.
func normalizeAnalysis(resp *api.AnalyzeResponse, size int64) *Analysis {
	a := &Analysis{
		PredictedDocumentType: resp.PredictedDocumentType,
		FileType:              resp.FileType,
		PreviewText:           resp.PreviewText,
		Warnings:              resp.Warnings,
		Confidence:            overallConfidence(resp.ConfidenceIndicators),
	}

	if est := resp.ProcessingEstimate; est != nil {
		a.EstimatedDurationSeconds = est.EstimatedDurationSeconds
		a.EstimatedChunks = est.EstimatedChunks
		a.ProcessingSteps = est.ProcessingSteps
	} else {
		// Conservative placeholders when the service omits the estimate.
		a.EstimatedDurationSeconds = 60
		a.EstimatedChunks = int(max(int64(1), size/(4<<10)))
	}

	if a.PredictedDocumentType == "" {
		a.PredictedDocumentType = "document"
	}
	return a
}

// fallbackAnalysis is the low-confidence stand-in used when the preview
// call fails. Analysis is advisory, never a gate.
func fallbackAnalysis(filename string) *Analysis {
	return &Analysis{
		PredictedDocumentType:    "document",
		FileType:                 strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		EstimatedDurationSeconds: 60,
		EstimatedChunks:          1,
		Confidence:               0.1,
		Warnings:                 []string{"Preliminary analysis unavailable; the document can still be uploaded."},
		Fallback:                 true,
	}
}

func overallConfidence(indicators map[string]float64) float64 {
	if len(indicators) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range indicators {
		sum += v
	}
	return sum / float64(len(indicators))
}

// resultFromUpload builds a terminal result, defaulting missing counts
// to zero.
func resultFromUpload(resp *api.UploadResponse) Result {
	return Result{
		DocumentType:              resp.DocumentType,
		NumChunks:                 resp.NumChunks,
		NumControls:               resp.NumControls,
		QualityScore:              resp.QualityScore,
		ProcessingDuration:        resp.ProcessingDuration,
		ExtractedEntities:         resp.ExtractedEntities,
		GraphNodesCreated:         resp.GraphNodesCreated,
		GraphRelationshipsCreated: resp.GraphRelationshipsCreated,
	}
}

package ingest

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
)

// stubRemote implements Remote with swappable behaviors.
type stubRemote struct {
	analyze func(ctx context.Context, filename string, content io.Reader) (*api.AnalyzeResponse, error)
	upload  func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error)
	status  func(ctx context.Context, taskID string) (*api.StatusResponse, error)

	uploadCalls atomic.Int32
	statusCalls atomic.Int32
}

func (s *stubRemote) Analyze(ctx context.Context, filename string, content io.Reader) (*api.AnalyzeResponse, error) {
	if s.analyze == nil {
		return &api.AnalyzeResponse{PredictedDocumentType: "report", FileType: "pdf"}, nil
	}
	return s.analyze(ctx, filename, content)
}

func (s *stubRemote) Upload(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
	s.uploadCalls.Add(1)
	if s.upload == nil {
		return &api.UploadResponse{Success: true, Status: api.StatusCompleted, Filename: filename}, nil
	}
	return s.upload(ctx, filename, content)
}

func (s *stubRemote) GetStatus(ctx context.Context, taskID string) (*api.StatusResponse, error) {
	s.statusCalls.Add(1)
	if s.status == nil {
		return &api.StatusResponse{Status: api.StatusCompleted, Progress: 1}, nil
	}
	return s.status(ctx, taskID)
}

func newTestQueue(remote Remote) *Queue {
	// A short but non-trivial interval: fast tests, and upload calls
	// still return before the first poll fires.
	return NewQueue(remote, Options{
		PollInterval: 25 * time.Millisecond,
		MaxPolls:     60,
	}, nil)
}

func pdfFile(name string, size int) File {
	return FileFromBytes(name, "application/pdf", make([]byte, size))
}

func TestEnqueueFiltering(t *testing.T) {
	q := NewQueue(&stubRemote{}, Options{MaxFileSize: 1 << 20}, nil)

	records, err := q.Enqueue(
		pdfFile("ok.pdf", 512),
		FileFromBytes("image.png", "image/png", []byte("x")),
		pdfFile("huge.pdf", 2<<20),
	)

	require.Error(t, err)
	assert.ErrorContains(t, err, "image.png")
	assert.ErrorContains(t, err, "huge.pdf")

	require.Len(t, records, 1, "the valid file must be enqueued despite the rejections")
	assert.Equal(t, "ok.pdf", records[0].File.Name)
	assert.Equal(t, PhasePending, records[0].Phase)
	assert.NotEmpty(t, records[0].ID)
}

func TestFullLifecycle(t *testing.T) {
	// A 2MB PDF that the service processes in the background: the upload
	// returns a task handle, three polls report progress, the fourth
	// completes.
	progress := []api.StatusResponse{
		{Status: "processing", Progress: 0.1},
		{Status: "processing", Progress: 0.4},
		{Status: "processing", Progress: 1},
		{Status: api.StatusCompleted, Progress: 1},
	}
	var polls atomic.Int32

	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			return &api.UploadResponse{Success: true, Status: api.StatusProcessing, TaskID: "t1", Filename: filename}, nil
		},
		status: func(ctx context.Context, taskID string) (*api.StatusResponse, error) {
			assert.Equal(t, "t1", taskID)
			i := int(polls.Add(1)) - 1
			if i >= len(progress) {
				i = len(progress) - 1
			}
			resp := progress[i]
			return &resp, nil
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("report.pdf", 2<<20))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, rec.Phase, "analysis returns the record to pending")
	require.NotNil(t, rec.Analysis)
	assert.Equal(t, "report", rec.Analysis.PredictedDocumentType)
	assert.False(t, rec.Analysis.Fallback)

	rec, err = q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhaseProcessing, rec.Phase)
	assert.Equal(t, 40, rec.Progress, "processing starts at the upload share of the bar")
	assert.Equal(t, "t1", rec.TaskID)

	require.Eventually(t, func() bool {
		rec, _ := q.Get(id)
		return rec.Phase == PhaseSuccess
	}, 5*time.Second, time.Millisecond)

	rec, _ = q.Get(id)
	assert.Equal(t, 100, rec.Progress)
	assert.Nil(t, rec.Err)
	assert.True(t, q.Settled())
}

func TestAnalysisDegradesToFallback(t *testing.T) {
	remote := &stubRemote{
		analyze: func(ctx context.Context, filename string, content io.Reader) (*api.AnalyzeResponse, error) {
			return nil, &api.Error{Code: CodeServiceUnavailable, Message: "down"}
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("report.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartAnalysis(context.Background(), id)
	require.NoError(t, err, "a failed analysis must not fail the record")
	assert.Equal(t, PhasePending, rec.Phase)
	require.NotNil(t, rec.Analysis)
	assert.True(t, rec.Analysis.Fallback)
	assert.InDelta(t, 0.1, rec.Analysis.Confidence, 0.001)
	assert.NotEmpty(t, rec.Analysis.Warnings)

	// The record can still be uploaded.
	rec, err = q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhaseSuccess, rec.Phase)
}

func TestUploadImmediateTerminals(t *testing.T) {
	for _, status := range []string{api.StatusCompleted, api.StatusUploadOnly, api.StatusProcessedSimple} {
		t.Run(status, func(t *testing.T) {
			remote := &stubRemote{
				upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
					return &api.UploadResponse{
						Success:   true,
						Status:    status,
						Filename:  filename,
						NumChunks: 7,
					}, nil
				},
			}

			q := newTestQueue(remote)
			records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
			require.NoError(t, err)

			rec, err := q.StartUpload(context.Background(), records[0].ID)
			require.NoError(t, err)
			assert.Equal(t, PhaseSuccess, rec.Phase)
			assert.Equal(t, 100, rec.Progress)
			require.NotNil(t, rec.Result)
			assert.Equal(t, 7, rec.Result.NumChunks)
			assert.Zero(t, remote.statusCalls.Load(), "immediate terminals must not start a monitor")
		})
	}
}

func TestUploadProcessingWithoutTaskID(t *testing.T) {
	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			return &api.UploadResponse{Success: true, Status: api.StatusProcessing}, nil
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)

	rec, err := q.StartUpload(context.Background(), records[0].ID)
	require.NoError(t, err)
	require.Equal(t, PhaseError, rec.Phase)
	require.NotNil(t, rec.Err)
	assert.Equal(t, CodeUnknown, rec.Err.Code)
	assert.False(t, rec.Err.Retryable)
}

func TestUploadFailureAndRetry(t *testing.T) {
	var fails atomic.Int32
	fails.Store(1)

	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			if fails.Add(-1) >= 0 {
				return nil, &api.Error{Code: CodeRateLimited, Message: "slow down"}
			}
			return &api.UploadResponse{Success: true, Status: api.StatusCompleted, Filename: filename}, nil
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, PhaseError, rec.Phase)
	require.NotNil(t, rec.Err)
	assert.Equal(t, CodeRateLimited, rec.Err.Code)
	assert.True(t, rec.Err.Retryable)

	rec, err = q.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhaseSuccess, rec.Phase)
	assert.Equal(t, int32(2), remote.uploadCalls.Load())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			return nil, &api.Error{Code: CodeServiceUnavailable, Message: "down"}
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, PhaseError, rec.Phase)

	for i := 1; i <= MaxRetries; i++ {
		rec, err = q.Retry(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, PhaseError, rec.Phase, "retry %d should fail again", i)
		require.NotNil(t, rec.Err)
		assert.True(t, rec.Err.Retryable)
	}

	callsBefore := remote.uploadCalls.Load()
	rec, err = q.Retry(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec.Err)
	assert.Equal(t, CodeRetryLimitReached, rec.Err.Code)
	assert.False(t, rec.Err.Retryable)
	assert.Equal(t, callsBefore, remote.uploadCalls.Load(), "a refused retry must not reach the network")

	// Once refused the record is terminal: further retries are rejected
	// outright instead of being offered again.
	_, err = q.Retry(context.Background(), id)
	assert.Error(t, err)
}

func TestRetryRejectsNonRetryableRecords(t *testing.T) {
	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			return nil, &api.Error{Code: CodeUnsupportedFileType, Message: "nope"}
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, PhaseError, rec.Phase)
	require.NotNil(t, rec.Err)
	require.False(t, rec.Err.Retryable)

	_, err = q.Retry(context.Background(), id)
	assert.Error(t, err)
}

func TestRemoveCancelsMonitor(t *testing.T) {
	remote := &stubRemote{
		upload: func(ctx context.Context, filename string, content io.Reader) (*api.UploadResponse, error) {
			return &api.UploadResponse{Success: true, Status: api.StatusProcessing, TaskID: "t1"}, nil
		},
		status: func(ctx context.Context, taskID string) (*api.StatusResponse, error) {
			return &api.StatusResponse{Status: "processing", Progress: 0.5}, nil
		},
	}

	q := newTestQueue(remote)
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, PhaseProcessing, rec.Phase)

	// Let the monitor poll at least once, then remove the record.
	require.Eventually(t, func() bool { return remote.statusCalls.Load() > 0 }, time.Second, time.Millisecond)
	require.True(t, q.Remove(id))

	_, ok := q.Get(id)
	assert.False(t, ok)

	// Polling stops shortly after cancellation; at most one in-flight
	// poll may still land (and is ignored on arrival).
	before := remote.statusCalls.Load()
	time.Sleep(150 * time.Millisecond)
	after := remote.statusCalls.Load()
	assert.LessOrEqual(t, after, before+1, "monitor kept polling after removal")

	assert.Empty(t, q.Records())
}

func TestRemoveUnknownID(t *testing.T) {
	q := newTestQueue(&stubRemote{})
	assert.False(t, q.Remove("nope"))
}

func TestOperationsOnUnknownID(t *testing.T) {
	q := newTestQueue(&stubRemote{})

	_, err := q.StartAnalysis(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = q.StartUpload(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = q.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartUploadRequiresPendingPhase(t *testing.T) {
	q := newTestQueue(&stubRemote{})
	records, err := q.Enqueue(pdfFile("doc.pdf", 1024))
	require.NoError(t, err)
	id := records[0].ID

	rec, err := q.StartUpload(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, PhaseSuccess, rec.Phase)

	_, err = q.StartUpload(context.Background(), id)
	assert.ErrorIs(t, err, ErrWrongPhase, "a settled record cannot be uploaded again")
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestClear(t *testing.T) {
	q := newTestQueue(&stubRemote{})
	_, err := q.Enqueue(pdfFile("a.pdf", 1), pdfFile("b.pdf", 1))
	require.NoError(t, err)
	require.Len(t, q.Records(), 2)

	q.Clear()
	assert.Empty(t, q.Records())
	assert.True(t, q.Settled(), "an empty queue is settled")
}

func TestRecordsPreserveEnqueueOrder(t *testing.T) {
	q := newTestQueue(&stubRemote{})
	_, err := q.Enqueue(pdfFile("a.pdf", 1), pdfFile("b.pdf", 1), pdfFile("c.pdf", 1))
	require.NoError(t, err)

	recs := q.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a.pdf", recs[0].File.Name)
	assert.Equal(t, "b.pdf", recs[1].File.Name)
	assert.Equal(t, "c.pdf", recs[2].File.Name)
}

func TestSubscribeSignalsMutations(t *testing.T) {
	q := newTestQueue(&stubRemote{})
	updates := q.Subscribe()

	_, err := q.Enqueue(pdfFile("a.pdf", 1))
	require.NoError(t, err)

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
}

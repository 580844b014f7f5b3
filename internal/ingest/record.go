// Package ingest implements the per-document ingestion state machine:
// an ordered queue of records driven through analysis, upload and
// background processing against the graphdoc service.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Phase is a record's current stage in the ingestion lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseSuccess    Phase = "success"
	PhaseError      Phase = "error"
)

// Terminal reports whether no further automatic transitions happen.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseError
}

// FileDescriptor identifies the submitted file. Immutable once created.
type FileDescriptor struct {
	Name      string
	Size      int64
	MediaType string
}

// Analysis is the advisory preview produced before upload. It never gates
// later phases; a failed analysis is replaced by a low-confidence fallback.
type Analysis struct {
	PredictedDocumentType    string
	FileType                 string
	PreviewText              string
	EstimatedDurationSeconds float64
	EstimatedChunks          int
	ProcessingSteps          []string
	Confidence               float64
	Warnings                 []string
	Fallback                 bool
}

// Result is the terminal payload of a successful ingestion.
type Result struct {
	DocumentType              string
	NumChunks                 int
	NumControls               int
	QualityScore              float64
	ProcessingDuration        float64
	ExtractedEntities         []string
	GraphNodesCreated         int
	GraphRelationshipsCreated int
}

// ErrorInfo describes a terminal or retryable failure.
type ErrorInfo struct {
	Message    string
	Code       string
	Retryable  bool
	RetryCount int
}

// Record is one file's end-to-end submission state. Records are values:
// the queue replaces them whole, callers never mutate them in place.
type Record struct {
	ID         string
	File       FileDescriptor
	Phase      Phase
	Progress   int
	Analysis   *Analysis
	TaskID     string
	Result     *Result
	Err        *ErrorInfo
	EnqueuedAt time.Time
}

// File couples a descriptor with a way to (re)open its content. Open is
// called once per network operation so retries read from the start.
type File struct {
	Name      string
	Size      int64
	MediaType string
	Open      func() (io.ReadCloser, error)
}

// FileFromPath builds a File backed by the local filesystem.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("path is a directory: %s", path)
	}

	return File{
		Name:      filepath.Base(path),
		Size:      info.Size(),
		MediaType: mediaTypeForExt(filepath.Ext(path)),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FileFromBytes builds an in-memory File, used by tests and stdin input.
func FileFromBytes(name, mediaType string, data []byte) File {
	return File{
		Name:      name,
		Size:      int64(len(data)),
		MediaType: mediaType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func mediaTypeForExt(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

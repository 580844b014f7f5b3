// Package api provides the HTTP client for the graphdoc extraction service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Error is a structured error returned by the service. Code carries the
// backend error code used by the ingest classifier.
type Error struct {
	Code       string `json:"error_code"`
	Message    string `json:"detail"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// ErrorCode extracts the backend error code from err, if any.
func ErrorCode(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Client talks to the graphdoc service.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses GRAPHDOC_SERVER_URL env var or defaults to localhost:8591.
// Timeout bounds every Analyze/Upload/GetStatus call.
func New(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("GRAPHDOC_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8591"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ProcessingEstimate predicts the cost of fully processing a document.
type ProcessingEstimate struct {
	EstimatedDurationSeconds float64  `json:"estimated_duration_seconds"`
	EstimatedChunks          int      `json:"estimated_chunks"`
	WillExtractControls      bool     `json:"will_extract_controls"`
	ProcessingSteps          []string `json:"processing_steps,omitempty"`
}

// AnalyzeResponse is the preview returned before upload.
type AnalyzeResponse struct {
	PredictedDocumentType string              `json:"predicted_document_type"`
	FileType              string              `json:"file_type"`
	PreviewText           string              `json:"preview_text"`
	ProcessingEstimate    *ProcessingEstimate `json:"processing_estimate,omitempty"`
	ConfidenceIndicators  map[string]float64  `json:"confidence_indicators,omitempty"`
	Warnings              []string            `json:"warnings,omitempty"`
}

// Upload statuses returned by the service. All but StatusProcessing are
// immediate terminals.
const (
	StatusCompleted       = "completed"
	StatusProcessing      = "processing"
	StatusUploadOnly      = "upload_only"
	StatusProcessedSimple = "processed_simple"
	StatusFailed          = "failed"
	StatusError           = "error"
)

// UploadResponse is the discriminated outcome of an upload.
type UploadResponse struct {
	Success                   bool     `json:"success"`
	Status                    string   `json:"status"`
	TaskID                    string   `json:"task_id,omitempty"`
	Filename                  string   `json:"filename"`
	DocumentType              string   `json:"document_type,omitempty"`
	NumChunks                 int      `json:"num_chunks,omitempty"`
	NumControls               int      `json:"num_controls,omitempty"`
	ProcessingDuration        float64  `json:"processing_duration,omitempty"`
	QualityScore              float64  `json:"quality_score,omitempty"`
	ExtractedEntities         []string `json:"extracted_entities,omitempty"`
	GraphNodesCreated         int      `json:"graph_nodes_created,omitempty"`
	GraphRelationshipsCreated int      `json:"graph_relationships_created,omitempty"`
}

// StatusResponse reports progress of a background processing task.
type StatusResponse struct {
	Status           string         `json:"status"`
	Progress         float64        `json:"progress"`
	CurrentStep      string         `json:"current_step,omitempty"`
	CurrentOperation string         `json:"current_operation,omitempty"`
	LLMMetadata      map[string]any `json:"llm_metadata,omitempty"`
}

// Analyze requests a preliminary analysis of a document.
func (c *Client) Analyze(ctx context.Context, filename string, content io.Reader) (*AnalyzeResponse, error) {
	var result AnalyzeResponse
	if err := c.postFile(ctx, "/documents/analyze", filename, content, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Upload submits a document for ingestion.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (*UploadResponse, error) {
	var result UploadResponse
	if err := c.postFile(ctx, "/documents/upload", filename, content, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus reports the state of a background processing task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*StatusResponse, error) {
	u := c.endpoint + "/tasks/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var result StatusResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// postFile sends a multipart upload and decodes the JSON response.
func (c *Client) postFile(ctx context.Context, path, filename string, content io.Reader, result any) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req, result)
}

// do executes the request and decodes either the result or a service Error.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" && apiErr.Code == "" {
			apiErr.Message = fmt.Sprintf("server error: %s", resp.Status)
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

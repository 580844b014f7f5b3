package ingest

import (
	"strings"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
)

// Severity indicates how an error is surfaced to the user.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Backend error codes returned by the graphdoc service.
const (
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeTimeout            = "TIMEOUT"

	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeEmptyContent        = "EMPTY_CONTENT"
	CodeUnreadableContent   = "UNREADABLE_CONTENT"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
)

// Codes synthesized on the client side.
const (
	CodeNetwork           = "NETWORK_ERROR"
	CodeUnknown           = "UNKNOWN_ERROR"
	CodeProcessingFailed  = "PROCESSING_FAILED"
	CodeProcessingTimeout = "PROCESSING_TIMEOUT"
	CodeRetryLimitReached = "RETRY_LIMIT_REACHED"
)

// Prefixes for per-backing-store infrastructure faults. GRAPH_DB_* covers
// the knowledge-graph database, DOC_STORE_* the document database; both
// families are transient.
const (
	prefixGraphDB  = "GRAPH_DB_"
	prefixDocStore = "DOC_STORE_"
)

// Classification is the structured outcome of classifying a raw fault.
type Classification struct {
	Code        string
	Retryable   bool
	Severity    Severity
	UserMessage string
}

var transientCodes = map[string]string{
	CodeQuotaExceeded:      "The service is over its processing quota. Please try again shortly.",
	CodeRateLimited:        "Too many requests right now. Please try again shortly.",
	CodeServiceUnavailable: "The service is temporarily unavailable. Please try again shortly.",
	CodeConnectionFailed:   "The service could not reach its backing stores. Please try again shortly.",
	CodeTimeout:            "The request timed out. Please try again shortly.",
}

var validationCodes = map[string]string{
	CodeUnsupportedFileType: "This file type is not supported. Upload a PDF, Word or text document.",
	CodeFileTooLarge:        "The file exceeds the maximum allowed size.",
	CodeEmptyContent:        "The file appears to be empty.",
	CodeUnreadableContent:   "The file content could not be read. It may be corrupted or password-protected.",
	CodeExtractionFailed:    "The document could not be processed into the knowledge graph.",
}

// Classify maps a raw fault and an optional backend error code to a
// structured outcome. Pure and deterministic: same inputs, same result.
// When backendCode is empty, the code is extracted from err if it is a
// service error; a fault with no code at all is a transport failure and
// is always considered retryable.
func Classify(err error, backendCode string) Classification {
	if backendCode == "" {
		backendCode = api.ErrorCode(err)
	}

	if backendCode == "" {
		return Classification{
			Code:        CodeNetwork,
			Retryable:   true,
			Severity:    SeverityWarning,
			UserMessage: "Could not reach the service. Check your connection and try again.",
		}
	}

	if msg, ok := transientCodes[backendCode]; ok {
		return Classification{
			Code:        backendCode,
			Retryable:   true,
			Severity:    SeverityWarning,
			UserMessage: msg,
		}
	}
	if strings.HasPrefix(backendCode, prefixGraphDB) || strings.HasPrefix(backendCode, prefixDocStore) {
		return Classification{
			Code:        backendCode,
			Retryable:   true,
			Severity:    SeverityWarning,
			UserMessage: "A backing database is temporarily unavailable. Please try again shortly.",
		}
	}

	if msg, ok := validationCodes[backendCode]; ok {
		return Classification{
			Code:        backendCode,
			Retryable:   false,
			Severity:    SeverityError,
			UserMessage: msg,
		}
	}

	// Unknown codes fail safe: terminal, not retried.
	return Classification{
		Code:        CodeUnknown,
		Retryable:   false,
		Severity:    SeverityError,
		UserMessage: "Something went wrong while processing the document.",
	}
}

// Package errors implements the platform's closed EXXXYYYY error taxonomy:
// a fixed enumeration plus two total lookup tables (HTTP status, message),
// instead of branching logic scattered across handlers.
package errors

import "net/http"

// Code is a closed enumeration of platform error codes, format EXXXYYYY where
// XXX is the 3-digit module code and YYYY the 4-digit specific code.
type Code string

const (
	// generic (100)
	CodeInvalidRequest   Code = "E1000001"
	CodeInvalidParameter Code = "E1000002"
	CodeMissingParameter Code = "E1000003"
	CodeInvalidJSON      Code = "E1000004"
	CodeNotFound         Code = "E1000005"
	CodeInternal         Code = "E1000099"

	// auth (200)
	CodeUnauthorized      Code = "E2000001"
	CodeInvalidAPIKey     Code = "E2000002"
	CodeMissingAPIKey     Code = "E2000003"
	CodeForbidden         Code = "E2000004"
	CodeInvalidInternalKey Code = "E2000005"

	// task management (300)
	CodeTaskNotFound      Code = "E3000001"
	CodeTaskCreateFailed  Code = "E3000002"
	CodeTaskTimeout       Code = "E3000003"
	CodeTaskMaxRetries    Code = "E3000004"
	CodeTaskAlreadyExists Code = "E3000005"
	CodeTaskInvalidStatus Code = "E3000006"
	CodeTaskProcessing    Code = "E3000007"
	CodeTaskFailed        Code = "E3000008"
	CodeInvalidTaskType   Code = "E3000009"
	CodeInvalidModelSpec  Code = "E3000010"
	CodeInvalidPayload    Code = "E3000011"
	CodeInvalidCallback   Code = "E3000012"

	// inference (400)
	CodeInferenceFailed      Code = "E4000001"
	CodeModelNotFound        Code = "E4000002"
	CodeModelUnavailable     Code = "E4000003"
	CodeForwarderBusy        Code = "E4000004"
	CodeForwarderNotFound    Code = "E4000005"
	CodeInvalidInferenceArgs Code = "E4000006"
	CodeModelAPIError        Code = "E4000007"

	// storage (500)
	CodeStorageError       Code = "E5000001"
	CodeStorageConnFailed  Code = "E5000002"
	CodeStorageUpload      Code = "E5000003"
	CodeStorageDownload    Code = "E5000004"
	CodeStorageDelete      Code = "E5000005"
	CodeStorageNoBucket    Code = "E5000006"
	CodeFileTooLarge       Code = "E5000007"
	CodeInvalidFileFormat  Code = "E5000008"

	// queue (600)
	CodeQueueConnFailed Code = "E6000001"
	CodeQueuePublish    Code = "E6000002"
	CodeQueueConsume    Code = "E6000003"
	CodeQueueNotFound   Code = "E6000004"
	CodeMessageInvalid  Code = "E6000005"

	// registry (700)
	CodeRegistryConnFailed Code = "E7000001"
	CodeRegistrationFailed Code = "E7000002"
	CodeServiceNotFound    Code = "E7000003"
	CodeServiceUnavailable Code = "E7000004"

	// log bus (800)
	CodeLogWriteFailed Code = "E8000001"
	CodeLogQueryFailed Code = "E8000002"

	// system (900)
	CodeStateStoreConnFailed Code = "E9000001"
	CodeStateStoreOpFailed   Code = "E9000002"
	CodeDatabaseError        Code = "E9000003"
	CodeNetworkError         Code = "E9000004"
	CodeTimeoutError         Code = "E9000005"
	CodeConfigurationError   Code = "E9000006"
	CodeServiceShutdown      Code = "E9000007"
)

var httpStatus = map[Code]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeInvalidParameter: http.StatusBadRequest,
	CodeMissingParameter: http.StatusBadRequest,
	CodeInvalidJSON:      http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeInternal:         http.StatusInternalServerError,

	CodeUnauthorized:       http.StatusUnauthorized,
	CodeInvalidAPIKey:      http.StatusUnauthorized,
	CodeMissingAPIKey:      http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeInvalidInternalKey: http.StatusUnauthorized,

	CodeTaskNotFound:      http.StatusNotFound,
	CodeTaskCreateFailed:  http.StatusInternalServerError,
	CodeTaskTimeout:       http.StatusRequestTimeout,
	CodeTaskMaxRetries:    http.StatusInternalServerError,
	CodeTaskAlreadyExists: http.StatusConflict,
	CodeTaskInvalidStatus: http.StatusBadRequest,
	CodeTaskProcessing:    http.StatusAccepted,
	CodeTaskFailed:        http.StatusInternalServerError,
	CodeInvalidTaskType:   http.StatusBadRequest,
	CodeInvalidModelSpec:  http.StatusBadRequest,
	CodeInvalidPayload:    http.StatusBadRequest,
	CodeInvalidCallback:   http.StatusBadRequest,

	CodeInferenceFailed:      http.StatusInternalServerError,
	CodeModelNotFound:        http.StatusNotFound,
	CodeModelUnavailable:     http.StatusServiceUnavailable,
	CodeForwarderBusy:        http.StatusServiceUnavailable,
	CodeForwarderNotFound:    http.StatusNotFound,
	CodeInvalidInferenceArgs: http.StatusBadRequest,
	CodeModelAPIError:        http.StatusBadGateway,

	CodeStorageError:      http.StatusInternalServerError,
	CodeStorageConnFailed: http.StatusServiceUnavailable,
	CodeStorageUpload:     http.StatusInternalServerError,
	CodeStorageDownload:   http.StatusInternalServerError,
	CodeStorageDelete:     http.StatusInternalServerError,
	CodeStorageNoBucket:   http.StatusNotFound,
	CodeFileTooLarge:      http.StatusRequestEntityTooLarge,
	CodeInvalidFileFormat: http.StatusBadRequest,

	CodeQueueConnFailed: http.StatusServiceUnavailable,
	CodeQueuePublish:    http.StatusInternalServerError,
	CodeQueueConsume:    http.StatusInternalServerError,
	CodeQueueNotFound:   http.StatusNotFound,
	CodeMessageInvalid:  http.StatusBadRequest,

	CodeRegistryConnFailed: http.StatusServiceUnavailable,
	CodeRegistrationFailed: http.StatusInternalServerError,
	CodeServiceNotFound:    http.StatusNotFound,
	CodeServiceUnavailable: http.StatusServiceUnavailable,

	CodeLogWriteFailed: http.StatusInternalServerError,
	CodeLogQueryFailed: http.StatusInternalServerError,

	CodeStateStoreConnFailed: http.StatusServiceUnavailable,
	CodeStateStoreOpFailed:   http.StatusInternalServerError,
	CodeDatabaseError:        http.StatusInternalServerError,
	CodeNetworkError:         http.StatusBadGateway,
	CodeTimeoutError:         http.StatusGatewayTimeout,
	CodeConfigurationError:   http.StatusInternalServerError,
	CodeServiceShutdown:      http.StatusServiceUnavailable,
}

var message = map[Code]string{
	CodeInvalidRequest:   "invalid request",
	CodeInvalidParameter: "invalid parameter",
	CodeMissingParameter: "missing required parameter",
	CodeInvalidJSON:      "invalid JSON body",
	CodeNotFound:         "resource not found",
	CodeInternal:         "internal error",

	CodeUnauthorized:       "unauthorized",
	CodeInvalidAPIKey:      "invalid API key",
	CodeMissingAPIKey:      "missing API key",
	CodeForbidden:          "forbidden",
	CodeInvalidInternalKey: "invalid internal service key",

	CodeTaskNotFound:      "task not found",
	CodeTaskCreateFailed:  "failed to create task",
	CodeTaskTimeout:       "task timed out",
	CodeTaskMaxRetries:    "task exceeded max retries",
	CodeTaskAlreadyExists: "task already exists",
	CodeTaskInvalidStatus: "invalid task status",
	CodeTaskProcessing:    "task is processing",
	CodeTaskFailed:        "task failed",
	CodeInvalidTaskType:   "invalid task type",
	CodeInvalidModelSpec:  "invalid model spec",
	CodeInvalidPayload:    "invalid task payload",
	CodeInvalidCallback:   "invalid callback configuration",

	CodeInferenceFailed:      "inference failed",
	CodeModelNotFound:        "model not found",
	CodeModelUnavailable:     "model unavailable",
	CodeForwarderBusy:        "forwarder busy",
	CodeForwarderNotFound:    "forwarder not found",
	CodeInvalidInferenceArgs: "invalid inference parameters",
	CodeModelAPIError:        "model API error",

	CodeStorageError:      "object store error",
	CodeStorageConnFailed: "object store connection failed",
	CodeStorageUpload:     "object store upload failed",
	CodeStorageDownload:   "object store download failed",
	CodeStorageDelete:     "object store delete failed",
	CodeStorageNoBucket:   "bucket not found",
	CodeFileTooLarge:      "file too large",
	CodeInvalidFileFormat: "invalid file format",

	CodeQueueConnFailed: "queue connection failed",
	CodeQueuePublish:    "queue publish failed",
	CodeQueueConsume:    "queue consume failed",
	CodeQueueNotFound:   "queue not found",
	CodeMessageInvalid:  "invalid queue message",

	CodeRegistryConnFailed: "service registry connection failed",
	CodeRegistrationFailed: "service registration failed",
	CodeServiceNotFound:    "service not found",
	CodeServiceUnavailable: "service unavailable",

	CodeLogWriteFailed: "log write failed",
	CodeLogQueryFailed: "log query failed",

	CodeStateStoreConnFailed: "state store connection failed",
	CodeStateStoreOpFailed:   "state store operation failed",
	CodeDatabaseError:        "database error",
	CodeNetworkError:         "network error",
	CodeTimeoutError:         "timeout",
	CodeConfigurationError:   "configuration error",
	CodeServiceShutdown:      "service shutting down",
}

// HTTPStatus maps a Code to its deterministic HTTP status. Unknown codes map to 500.
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Message returns the human-readable message for a Code.
func Message(c Code) string {
	if m, ok := message[c]; ok {
		return m
	}
	return "unknown error"
}

// Error is the envelope every HTTP-facing component returns on failure.
type Error struct {
	Code    Code   `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// New builds an envelope for code with the table message; a non-empty details
// is carried alongside it in Details.
func New(code Code, details string) *Error {
	return &Error{Code: code, Message: Message(code), Details: details}
}

func (e *Error) Error() string {
	if e.Details != "" {
		return string(e.Code) + ": " + e.Message + ": " + e.Details
	}
	return string(e.Code) + ": " + e.Message
}

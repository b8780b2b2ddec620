// Package errors provides the unified error taxonomy for the pipeline
// orchestration core, following the same structured-error idiom used
// throughout the broader codebase this package was adapted from: a single
// concrete error type carrying a stable code, a human message, an HTTP
// status for the inspector surface, optional structured details, and an
// optional wrapped cause.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies which of the seven error categories the core's components
// raise, matching the exit-code and propagation table in the operational
// contract.
type Kind string

const (
	KindConfig    Kind = "CONFIG"
	KindLayout    Kind = "LAYOUT"
	KindEngine    Kind = "ENGINE"
	KindIntegrity Kind = "INTEGRITY"
	KindCancelled Kind = "CANCELLED"
	KindTimeout   Kind = "TIMEOUT"
	KindPackage   Kind = "PACKAGE"
)

// ErrorCode is a stable, fine-grained identifier within a Kind.
type ErrorCode string

const (
	// Config (pipeline document rejected before any node runs)
	CodeConfigInvalidJSON     ErrorCode = "CONFIG_INVALID_JSON"
	CodeConfigMissingField    ErrorCode = "CONFIG_MISSING_FIELD"
	CodeConfigInvalidSizeSpec ErrorCode = "CONFIG_INVALID_SIZE_SPEC"
	CodeConfigInvalidField    ErrorCode = "CONFIG_INVALID_FIELD"

	// Layout (DAG/resource validation)
	CodeLayoutDuplicateResource ErrorCode = "LAYOUT_DUPLICATE_RESOURCE"
	CodeLayoutDuplicateNode     ErrorCode = "LAYOUT_DUPLICATE_NODE"
	CodeLayoutCycle             ErrorCode = "LAYOUT_CYCLE"
	CodeLayoutOrphanInput       ErrorCode = "LAYOUT_ORPHAN_INPUT"
	CodeLayoutUnknownEngine     ErrorCode = "LAYOUT_UNKNOWN_ENGINE"
	CodeLayoutAlignment         ErrorCode = "LAYOUT_ALIGNMENT"

	// Engine (node adapter failures)
	CodeEngineInitFailed    ErrorCode = "ENGINE_INIT_FAILED"
	CodeEngineRunFailed     ErrorCode = "ENGINE_RUN_FAILED"
	CodeEngineInvalidState  ErrorCode = "ENGINE_INVALID_STATE_TRANSITION"
	CodeEngineDisposeFailed ErrorCode = "ENGINE_DISPOSE_FAILED"

	// Integrity (corrupted shared-memory resource)
	CodeIntegrityChecksumMismatch ErrorCode = "INTEGRITY_CHECKSUM_MISMATCH"
	CodeIntegrityEpochMismatch    ErrorCode = "INTEGRITY_EPOCH_MISMATCH"

	// Cancelled / Timeout
	CodeCancelledByCaller ErrorCode = "CANCELLED_BY_CALLER"
	CodeCancelledByAbort  ErrorCode = "CANCELLED_BY_ABORT"
	CodeTimeoutNode       ErrorCode = "TIMEOUT_NODE"
	CodeTimeoutRun        ErrorCode = "TIMEOUT_RUN"

	// Package (build/load)
	CodePackageChecksumMismatch ErrorCode = "PACKAGE_CHECKSUM_MISMATCH"
	CodePackageManifestInvalid  ErrorCode = "PACKAGE_MANIFEST_INVALID"
	CodePackageAssetMissing     ErrorCode = "PACKAGE_ASSET_MISSING"
)

// CoreError is the structured error type every component in the core
// raises. It implements error and Unwrap so callers can use errors.As /
// errors.Is against either CoreError itself or a wrapped cause.
type CoreError struct {
	Kind       Kind                   `json:"kind"`
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail and returns the receiver for
// chaining.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a CoreError with no wrapped cause.
func New(kind Kind, code ErrorCode, message string, httpStatus int) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a CoreError wrapping an existing error.
func Wrap(kind Kind, code ErrorCode, message string, httpStatus int, err error) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// ExitCode returns the CLI exit code for an error, or 0 if err is nil.
// 0 success, 1 config/layout rejection, 2 engine failure, 3 integrity
// failure, 4 cancelled or timed out.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	ce := Get(err)
	if ce == nil {
		return 2
	}
	switch ce.Kind {
	case KindConfig, KindLayout:
		return 1
	case KindEngine, KindPackage:
		return 2
	case KindIntegrity:
		return 3
	case KindCancelled, KindTimeout:
		return 4
	default:
		return 2
	}
}

// Config errors

func ConfigInvalidJSON(err error) *CoreError {
	return Wrap(KindConfig, CodeConfigInvalidJSON, "pipeline document is not valid JSON", http.StatusBadRequest, err)
}

func ConfigMissingField(field string) *CoreError {
	return New(KindConfig, CodeConfigMissingField, "missing required field", http.StatusBadRequest).
		WithDetails("field", field)
}

func ConfigInvalidSizeSpec(field, raw string) *CoreError {
	return New(KindConfig, CodeConfigInvalidSizeSpec, "invalid size specification", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("value", raw)
}

func ConfigInvalidField(field, value, reason string) *CoreError {
	return New(KindConfig, CodeConfigInvalidField, "invalid field value", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("value", value).
		WithDetails("reason", reason)
}

// Layout errors

func DuplicateResource(name string) *CoreError {
	return New(KindLayout, CodeLayoutDuplicateResource, "duplicate resource name", http.StatusBadRequest).
		WithDetails("resource", name)
}

func DuplicateNode(id string) *CoreError {
	return New(KindLayout, CodeLayoutDuplicateNode, "duplicate node id", http.StatusBadRequest).
		WithDetails("node_id", id)
}

func CyclicGraph(cycle []string) *CoreError {
	return New(KindLayout, CodeLayoutCycle, "pipeline graph contains a cycle", http.StatusBadRequest).
		WithDetails("cycle", cycle)
}

func OrphanInput(nodeID, inputName string) *CoreError {
	return New(KindLayout, CodeLayoutOrphanInput, "node input has no producer", http.StatusBadRequest).
		WithDetails("node_id", nodeID).
		WithDetails("input", inputName)
}

func UnknownEngine(uri string) *CoreError {
	return New(KindLayout, CodeLayoutUnknownEngine, "unrecognized engine URI scheme", http.StatusBadRequest).
		WithDetails("engine", uri)
}

func AlignmentViolation(resource string, offset, alignment int64) *CoreError {
	return New(KindLayout, CodeLayoutAlignment, "resource offset violates alignment", http.StatusBadRequest).
		WithDetails("resource", resource).
		WithDetails("offset", offset).
		WithDetails("alignment", alignment)
}

// Engine errors

func EngineInitFailed(nodeID string, err error) *CoreError {
	return Wrap(KindEngine, CodeEngineInitFailed, "node adapter init failed", http.StatusInternalServerError, err).
		WithDetails("node_id", nodeID)
}

func EngineRunFailed(nodeID string, err error) *CoreError {
	return Wrap(KindEngine, CodeEngineRunFailed, "node adapter run failed", http.StatusInternalServerError, err).
		WithDetails("node_id", nodeID)
}

func InvalidStateTransition(nodeID string, from, to int32) *CoreError {
	return New(KindEngine, CodeEngineInvalidState, "illegal node state transition", http.StatusConflict).
		WithDetails("node_id", nodeID).
		WithDetails("from", from).
		WithDetails("to", to)
}

func EngineDisposeFailed(nodeID string, err error) *CoreError {
	return Wrap(KindEngine, CodeEngineDisposeFailed, "node adapter dispose failed", http.StatusInternalServerError, err).
		WithDetails("node_id", nodeID)
}

// Integrity errors

func ChecksumMismatch(resource string, producer, consumer uint32, diffOffset int64) *CoreError {
	return New(KindIntegrity, CodeIntegrityChecksumMismatch, "resource checksum mismatch", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("producer_checksum", producer).
		WithDetails("consumer_checksum", consumer).
		WithDetails("diff_offset", diffOffset)
}

func EpochMismatch(resource string, producerEpoch, consumerEpoch uint64) *CoreError {
	return New(KindIntegrity, CodeIntegrityEpochMismatch, "resource write-epoch mismatch", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("producer_epoch", producerEpoch).
		WithDetails("consumer_epoch", consumerEpoch)
}

// Cancelled / Timeout errors

func CancelledByCaller(runID string) *CoreError {
	return New(KindCancelled, CodeCancelledByCaller, "run cancelled by caller context", http.StatusRequestTimeout).
		WithDetails("run_id", runID)
}

func CancelledByAbort(runID string) *CoreError {
	return New(KindCancelled, CodeCancelledByAbort, "run aborted via breakpoint controller", http.StatusRequestTimeout).
		WithDetails("run_id", runID)
}

func NodeTimeout(nodeID string, limit interface{}) *CoreError {
	return New(KindTimeout, CodeTimeoutNode, "node execution exceeded its deadline", http.StatusGatewayTimeout).
		WithDetails("node_id", nodeID).
		WithDetails("limit", limit)
}

func RunTimeout(runID string, limit interface{}) *CoreError {
	return New(KindTimeout, CodeTimeoutRun, "run exceeded its deadline", http.StatusGatewayTimeout).
		WithDetails("run_id", runID).
		WithDetails("limit", limit)
}

// Package errors

func PackageChecksumMismatch(asset string) *CoreError {
	return New(KindPackage, CodePackageChecksumMismatch, "package asset failed checksum verification", http.StatusConflict).
		WithDetails("asset", asset)
}

func PackageManifestInvalid(reason string) *CoreError {
	return New(KindPackage, CodePackageManifestInvalid, "package manifest invalid", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func PackageAssetMissing(asset string) *CoreError {
	return New(KindPackage, CodePackageAssetMissing, "package asset missing from archive", http.StatusBadRequest).
		WithDetails("asset", asset)
}

// Helpers

// Is reports whether err is (or wraps) a CoreError.
func Is(err error) bool {
	var ce *CoreError
	return errors.As(err, &ce)
}

// Get extracts a *CoreError from an error chain, or nil.
func Get(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// GetHTTPStatus returns the HTTP status for an error's CoreError, or 500.
func GetHTTPStatus(err error) int {
	if ce := Get(err); ce != nil {
		return ce.HTTPStatus
	}
	return http.StatusInternalServerError
}

package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestCoreError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CoreError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindConfig, CodeConfigMissingField, "missing required field", http.StatusBadRequest),
			want: "[CONFIG/CONFIG_MISSING_FIELD] missing required field",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindEngine, CodeEngineRunFailed, "node adapter run failed", http.StatusInternalServerError, errors.New("underlying")),
			want: "[ENGINE/ENGINE_RUN_FAILED] node adapter run failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoreError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindEngine, CodeEngineRunFailed, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestCoreError_WithDetails(t *testing.T) {
	err := New(KindConfig, CodeConfigMissingField, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}
	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestDuplicateResource(t *testing.T) {
	err := DuplicateResource("prices")

	if err.Code != CodeLayoutDuplicateResource {
		t.Errorf("Code = %v, want %v", err.Code, CodeLayoutDuplicateResource)
	}
	if err.Kind != KindLayout {
		t.Errorf("Kind = %v, want %v", err.Kind, KindLayout)
	}
	if err.Details["resource"] != "prices" {
		t.Errorf("Details[resource] = %v, want prices", err.Details["resource"])
	}
}

func TestCyclicGraph(t *testing.T) {
	err := CyclicGraph([]string{"a", "b", "a"})

	if err.Code != CodeLayoutCycle {
		t.Errorf("Code = %v, want %v", err.Code, CodeLayoutCycle)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestOrphanInput(t *testing.T) {
	err := OrphanInput("node-b", "prices")

	if err.Code != CodeLayoutOrphanInput {
		t.Errorf("Code = %v, want %v", err.Code, CodeLayoutOrphanInput)
	}
	if err.Details["node_id"] != "node-b" {
		t.Errorf("Details[node_id] = %v, want node-b", err.Details["node_id"])
	}
}

func TestEngineRunFailed(t *testing.T) {
	underlying := errors.New("panic in script")
	err := EngineRunFailed("node-a", underlying)

	if err.Code != CodeEngineRunFailed {
		t.Errorf("Code = %v, want %v", err.Code, CodeEngineRunFailed)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestInvalidStateTransition(t *testing.T) {
	err := InvalidStateTransition("node-a", 0, 2)

	if err.Code != CodeEngineInvalidState {
		t.Errorf("Code = %v, want %v", err.Code, CodeEngineInvalidState)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestChecksumMismatch(t *testing.T) {
	err := ChecksumMismatch("prices", 111, 222, 48)

	if err.Code != CodeIntegrityChecksumMismatch {
		t.Errorf("Code = %v, want %v", err.Code, CodeIntegrityChecksumMismatch)
	}
	if err.Details["diff_offset"] != int64(48) {
		t.Errorf("Details[diff_offset] = %v, want 48", err.Details["diff_offset"])
	}
}

func TestEpochMismatch(t *testing.T) {
	err := EpochMismatch("prices", 5, 4)

	if err.Code != CodeIntegrityEpochMismatch {
		t.Errorf("Code = %v, want %v", err.Code, CodeIntegrityEpochMismatch)
	}
}

func TestCancelledByCaller(t *testing.T) {
	err := CancelledByCaller("run-1")

	if err.Code != CodeCancelledByCaller {
		t.Errorf("Code = %v, want %v", err.Code, CodeCancelledByCaller)
	}
	if err.Kind != KindCancelled {
		t.Errorf("Kind = %v, want %v", err.Kind, KindCancelled)
	}
}

func TestNodeTimeout(t *testing.T) {
	err := NodeTimeout("node-a", "30s")

	if err.Code != CodeTimeoutNode {
		t.Errorf("Code = %v, want %v", err.Code, CodeTimeoutNode)
	}
	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
}

func TestPackageChecksumMismatch(t *testing.T) {
	err := PackageChecksumMismatch("nodes/a.wasm")

	if err.Code != CodePackageChecksumMismatch {
		t.Errorf("Code = %v, want %v", err.Code, CodePackageChecksumMismatch)
	}
	if err.Kind != KindPackage {
		t.Errorf("Kind = %v, want %v", err.Kind, KindPackage)
	}
}

func TestConfigInvalidField(t *testing.T) {
	err := ConfigInvalidField("id", "9bad", "must match ^[A-Za-z][A-Za-z0-9_-]*$")

	if err.Code != CodeConfigInvalidField {
		t.Errorf("Code = %v, want %v", err.Code, CodeConfigInvalidField)
	}
	if err.Details["value"] != "9bad" {
		t.Errorf("Details[value] = %v, want 9bad", err.Details["value"])
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "core error", err: New(KindEngine, CodeEngineRunFailed, "test", http.StatusInternalServerError), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	coreErr := New(KindEngine, CodeEngineRunFailed, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *CoreError
	}{
		{name: "core error", err: coreErr, want: coreErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Get(tt.err)
			if got != tt.want {
				t.Errorf("Get() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "core error", err: New(KindConfig, CodeConfigMissingField, "test", http.StatusBadRequest), want: http.StatusBadRequest},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "config", err: ConfigMissingField("nodes"), want: 1},
		{name: "layout", err: CyclicGraph([]string{"a", "b"}), want: 1},
		{name: "engine", err: EngineRunFailed("n", errors.New("x")), want: 2},
		{name: "package", err: PackageChecksumMismatch("a"), want: 2},
		{name: "integrity", err: ChecksumMismatch("r", 1, 2, 0), want: 3},
		{name: "cancelled", err: CancelledByCaller("r"), want: 4},
		{name: "timeout", err: NodeTimeout("n", "1s"), want: 4},
		{name: "unknown", err: errors.New("boom"), want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

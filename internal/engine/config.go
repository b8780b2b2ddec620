// Package engine implements the pipeline orchestration core: DAG
// validation, shared-memory layout, atomic node signaling, integrity
// checking, timing, breakpoint control, data inspection, and package
// build/load for parity execution.
package engine

import (
	"encoding/json"
	"regexp"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// ElementType is one of the bus resource element types a node can declare.
type ElementType string

const (
	ElementF64 ElementType = "f64"
	ElementF32 ElementType = "f32"
	ElementI32 ElementType = "i32"
	ElementU32 ElementType = "u32"
	ElementI16 ElementType = "i16"
	ElementU16 ElementType = "u16"
	ElementI8  ElementType = "i8"
	ElementU8  ElementType = "u8"
)

// ElementSize returns the byte width of a single element of t, falling
// back to the f64 width for any unrecognized type string.
func ElementSize(t ElementType) int {
	switch t {
	case ElementF64:
		return 8
	case ElementF32, ElementI32, ElementU32:
		return 4
	case ElementI16, ElementU16:
		return 2
	case ElementI8, ElementU8:
		return 1
	default:
		return 8
	}
}

// Reserved input symbols supplied by the host rather than the bus.
const (
	InputPolicies    = "$policies"
	InputAssumptions = "$assumptions"
	InputScenarios   = "$scenarios"
)

var (
	nodeIDPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	engineRefPat    = regexp.MustCompile(`^(native|script)://[A-Za-z][A-Za-z0-9_-]*$`)
	busRefPattern   = regexp.MustCompile(`^bus://[A-Za-z][A-Za-z0-9_/-]*$`)
	reservedInputs  = map[string]bool{InputPolicies: true, InputAssumptions: true, InputScenarios: true}
)

// NodeConfig is one node entry in the pipeline configuration document.
type NodeConfig struct {
	ID      string          `json:"id"`
	Engine  string          `json:"engine"`
	Inputs  []string        `json:"inputs"`
	Outputs []string        `json:"outputs"`
	Config  json.RawMessage `json:"config"`
}

// EngineKind returns the "native" or "script" prefix of the node's engine
// reference.
func (n *NodeConfig) EngineKind() string {
	for i, c := range n.Engine {
		if c == ':' {
			return n.Engine[:i]
		}
	}
	return ""
}

// EngineName returns the name portion of the node's engine reference, the
// text after "kind://".
func (n *NodeConfig) EngineName() string {
	kind := n.EngineKind()
	prefix := kind + "://"
	if len(n.Engine) <= len(prefix) {
		return ""
	}
	return n.Engine[len(prefix):]
}

// DebugConfig controls breakpoints and integrity enforcement for a run.
type DebugConfig struct {
	Breakpoints             []string `json:"breakpoints"`
	EnableIntegrityChecks   bool     `json:"enable_integrity_checks"`
	HaltOnIntegrityFailure  bool     `json:"halt_on_integrity_failure"`
	ZeroMemoryBetweenRuns   bool     `json:"zero_memory_between_runs"`
}

// ErrorHandlingConfig controls the orchestrator's failure-propagation
// policy for a run.
type ErrorHandlingConfig struct {
	ContinueOnError bool `json:"continue_on_error"`
	TimeoutMs       int  `json:"timeout_ms"`
}

// PipelineDef is the "pipeline" object of the configuration schema.
type PipelineDef struct {
	Nodes         []NodeConfig        `json:"nodes"`
	Debug         DebugConfig         `json:"debug"`
	ErrorHandling ErrorHandlingConfig `json:"errorHandling"`
}

// PipelineConfig is the top-level configuration document the core
// consumes. Other top-level fields the external loader may have attached
// are ignored by the core.
type PipelineConfig struct {
	Pipeline PipelineDef `json:"pipeline"`
}

// ParsePipelineConfig parses a configuration document. The core never
// receives raw bytes in its primary entry points (the external config
// loader does that), but the package and CLI surfaces accept bytes
// directly, so this lives alongside the types it produces.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, coreerrors.ConfigInvalidJSON(err)
	}
	return &cfg, nil
}

func isReservedInput(ref string) bool {
	return reservedInputs[ref]
}

package engine

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// IntegrityCheckResult is the outcome of one consumer-side recomputation,
// per §4.3.
type IntegrityCheckResult struct {
	Valid       bool
	BusResource string
	Expected    uint32
	Actual      uint32
	Culprit     string
	Consumer    string
	DiffOffset  int64
	Timestamp   time.Time
}

// IntegrityReport aggregates every check performed during a run.
type IntegrityReport struct {
	AllValid       bool
	TotalChecked   int
	TotalFailed    int
	CulpritNodeIDs map[string]bool
	Failures       []IntegrityCheckResult
}

// IntegrityChecker is the Integrity Checker (C3). It computes and
// verifies CRC-32/IEEE checksums over bus resource slabs, writing them
// into each slab's integrity trailer, and keeps a private snapshot of
// each slab taken at write-completion so that a later mismatch can be
// localized to a byte offset without re-deriving the original content
// from the checksum alone.
type IntegrityChecker struct {
	buf              []byte
	resources        map[string]ResourceOffset
	integrityOffsets map[string]int64
	haltOnFailure    bool

	mu        sync.Mutex
	snapshots map[string][]byte
	results   []IntegrityCheckResult
}

// NewIntegrityChecker binds a checker to an allocated region's resource
// offsets and integrity trailer offsets.
func NewIntegrityChecker(buf []byte, om *OffsetMap, haltOnFailure bool) *IntegrityChecker {
	return &IntegrityChecker{
		buf:              buf,
		resources:        om.Resources,
		integrityOffsets: om.IntegrityOffset,
		haltOnFailure:    haltOnFailure,
		snapshots:        make(map[string][]byte),
	}
}

// Enabled reports whether the bound offset map carries integrity
// trailers at all.
func (ic *IntegrityChecker) Enabled() bool {
	return ic.integrityOffsets != nil
}

func (ic *IntegrityChecker) slab(name string) []byte {
	ro := ic.resources[name]
	return ic.buf[ro.Offset : ro.Offset+ro.SizeBytes]
}

func (ic *IntegrityChecker) trailer(name string) []byte {
	offset := ic.integrityOffsets[name]
	return ic.buf[offset : offset+integrityTrailerSize]
}

// WriteChecksum computes the checksum of resourceName's current slab
// contents and stores it (with an incremented write epoch) into the
// resource's integrity trailer. Called by the orchestrator at the
// producer's RUNNING->DONE transition.
func (ic *IntegrityChecker) WriteChecksum(resourceName string) (checksum uint32, epoch uint32, err error) {
	if !ic.Enabled() {
		return 0, 0, nil
	}
	slab := ic.slab(resourceName)
	checksum = crc32.ChecksumIEEE(slab)

	trailer := ic.trailer(resourceName)
	prevEpoch := binary.LittleEndian.Uint32(trailer[4:8])
	epoch = prevEpoch + 1

	binary.LittleEndian.PutUint32(trailer[0:4], checksum)
	binary.LittleEndian.PutUint32(trailer[4:8], epoch)

	ic.mu.Lock()
	ic.snapshots[resourceName] = append([]byte(nil), slab...)
	ic.mu.Unlock()

	return checksum, epoch, nil
}

// VerifyChecksum recomputes resourceName's checksum and compares it
// against the value the producer stored. Called by the orchestrator at
// the consumer's IDLE->READY transition. On mismatch, diff_offset is
// found by a linear scan against the snapshot captured at WriteChecksum
// time, and the result is appended to the running report.
func (ic *IntegrityChecker) VerifyChecksum(resourceName, producerID, consumerID string) (*IntegrityCheckResult, error) {
	if !ic.Enabled() {
		return nil, nil
	}
	slab := ic.slab(resourceName)
	actual := crc32.ChecksumIEEE(slab)

	trailer := ic.trailer(resourceName)
	expected := binary.LittleEndian.Uint32(trailer[0:4])

	result := IntegrityCheckResult{
		BusResource: resourceName,
		Expected:    expected,
		Actual:      actual,
		Culprit:     producerID,
		Consumer:    consumerID,
		Timestamp:   time.Now(),
	}

	if actual == expected {
		result.Valid = true
		ic.record(result)
		return &result, nil
	}

	result.Valid = false
	ic.mu.Lock()
	original := ic.snapshots[resourceName]
	ic.mu.Unlock()
	result.DiffOffset = diffOffset(original, slab)
	ic.record(result)

	if ic.haltOnFailure {
		return &result, coreerrors.ChecksumMismatch(resourceName, expected, actual, result.DiffOffset)
	}
	return &result, nil
}

func diffOffset(original, current []byte) int64 {
	n := len(original)
	if len(current) < n {
		n = len(current)
	}
	for i := 0; i < n; i++ {
		if original[i] != current[i] {
			return int64(i)
		}
	}
	return int64(n)
}

func (ic *IntegrityChecker) record(r IntegrityCheckResult) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.results = append(ic.results, r)
}

// Report builds the aggregated IntegrityReport for the current run.
func (ic *IntegrityChecker) Report() IntegrityReport {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	report := IntegrityReport{
		AllValid:       true,
		TotalChecked:   len(ic.results),
		CulpritNodeIDs: make(map[string]bool),
	}
	for _, r := range ic.results {
		if !r.Valid {
			report.AllValid = false
			report.TotalFailed++
			report.Failures = append(report.Failures, r)
			report.CulpritNodeIDs[r.Culprit] = true
		}
	}
	return report
}

package engine

import coreerrors "github.com/livecalc/core/infrastructure/errors"

const (
	// LayoutMagic identifies a region produced by this layout algorithm;
	// a remote loader checks it before trusting an offset map.
	LayoutMagic uint32 = 0x4C564331 // "LVC1"
	// LayoutFormatVersion is bumped whenever the section order or sizing
	// rules below change in a way that breaks bit-for-bit parity with an
	// older build.
	LayoutFormatVersion uint32 = 1

	headerSize        = 32
	statusSlotSize    = 16
	integrityTrailerSize = 16
	alignment         = 16
)

// Header is the fixed leading section of the shared region.
type Header struct {
	Magic         uint32
	Version       uint32
	TotalSize     int64
	NodeCount     int
	ResourceCount int
}

// ResourceOffset is the resolved location of one bus resource's slab.
type ResourceOffset struct {
	Name        string
	Offset      int64
	SizeBytes   int64
	ElementType ElementType
	Producer    string
	Consumers   []string
}

// OffsetMap is the immutable table produced by LayoutManager.Allocate. It
// is serializable so a remote peer can recreate an identical region.
type OffsetMap struct {
	Header          Header
	Resources       map[string]ResourceOffset
	NodeStatusSlots map[string]int64
	IntegrityOffset map[string]int64 // resource name -> trailer offset, only present when integrity is enabled
}

// LayoutManager is the Memory Offset Manager (C1): it accumulates resource
// descriptors and, once, computes their byte layout.
type LayoutManager struct {
	resources        []BusResource
	names            map[string]bool
	integrityEnabled bool
	allocated        bool
}

// NewLayoutManager constructs a LayoutManager. integrityEnabled mirrors
// the pipeline's "enable_integrity_checks" debug flag: when true, every
// resource slab is preceded by a 16-byte integrity trailer.
func NewLayoutManager(integrityEnabled bool) *LayoutManager {
	return &LayoutManager{
		names:            make(map[string]bool),
		integrityEnabled: integrityEnabled,
	}
}

// AddResource registers a resource descriptor before allocation. Resource
// names must be unique; this mirrors the uniqueness the validator already
// enforces but is checked again here since LayoutManager may be used
// standalone (e.g. by the package loader, independent of Validate).
func (m *LayoutManager) AddResource(r BusResource) error {
	if m.allocated {
		return coreerrors.New(coreerrors.KindLayout, coreerrors.CodeLayoutDuplicateResource, "layout already allocated", 409)
	}
	if m.names[r.Name] {
		return coreerrors.DuplicateResource(r.Name)
	}
	m.names[r.Name] = true
	m.resources = append(m.resources, r)
	return nil
}

// Allocate commits the layout for the given topologically ordered node
// ids (or insertion order if the caller has none), producing an immutable
// offset map and a freshly zeroed buffer exactly the computed size.
func (m *LayoutManager) Allocate(nodeIDs []string) (*OffsetMap, []byte, error) {
	offset := int64(headerSize)

	nodeSlots := make(map[string]int64, len(nodeIDs))
	for _, id := range nodeIDs {
		if offset%alignment != 0 {
			return nil, nil, coreerrors.AlignmentViolation(id, offset, alignment)
		}
		nodeSlots[id] = offset
		offset += statusSlotSize
	}

	resourceOffsets := make(map[string]ResourceOffset, len(m.resources))
	integrityOffsets := make(map[string]int64, len(m.resources))

	for _, r := range m.resources {
		if m.integrityEnabled {
			integrityOffsets[r.Name] = offset
			offset += integrityTrailerSize
		}
		if offset%alignment != 0 {
			return nil, nil, coreerrors.AlignmentViolation(r.Name, offset, alignment)
		}
		slabSize := ((r.SizeBytes + alignment - 1) / alignment) * alignment
		resourceOffsets[r.Name] = ResourceOffset{
			Name:        r.Name,
			Offset:      offset,
			SizeBytes:   slabSize,
			ElementType: r.ElementType,
			Producer:    r.Producer,
			Consumers:   r.Consumers,
		}
		offset += slabSize
	}

	// Pad the region to a 16-byte boundary (already true by construction
	// since every section added is itself a multiple of 16, but this
	// guards the post-condition explicitly rather than assuming it).
	totalSize := ((offset + alignment - 1) / alignment) * alignment

	m.allocated = true

	om := &OffsetMap{
		Header: Header{
			Magic:         LayoutMagic,
			Version:       LayoutFormatVersion,
			TotalSize:     totalSize,
			NodeCount:     len(nodeIDs),
			ResourceCount: len(m.resources),
		},
		Resources:       resourceOffsets,
		NodeStatusSlots: nodeSlots,
	}
	if m.integrityEnabled {
		om.IntegrityOffset = integrityOffsets
	}

	buf := make([]byte, totalSize)
	return om, buf, nil
}

// Zero overwrites buf with zero bytes in place, used between runs when
// the pipeline's "zero_memory_between_runs" debug flag is set.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

package engine

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/tidwall/gjson"
)

// DefaultSizeSpec is used for any output that does not declare a
// "<output_key>_size" entry in its node's config map.
const DefaultSizeSpec = "10000:f64"

// BusResource is a fully resolved bus resource descriptor: the input to
// the memory offset manager.
type BusResource struct {
	Name         string
	ElementType  ElementType
	ElementCount int64
	SizeBytes    int64
	Producer     string
	Consumers    []string
}

var validElementTypes = map[string]ElementType{
	"f64": ElementF64, "f32": ElementF32,
	"i32": ElementI32, "u32": ElementU32,
	"i16": ElementI16, "u16": ElementU16,
	"i8": ElementI8, "u8": ElementU8,
}

// outputKey derives the "<output_key>" used to index a node's per-output
// size spec from its bus resource name: the last "/"-separated segment
// after the "bus://" scheme.
func outputKey(resourceName string) string {
	trimmed := strings.TrimPrefix(resourceName, "bus://")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// ParseSizeSpec parses a "<output_key>_size" value into an element type and
// element count, per §4.4: "<count>:<type>" (explicit), "<N><unit>" with
// unit in {bytes,KB,MB,GB} (byte count, always f64 elements), or a bare
// "<N>" (f64 element count). Unrecognized type suffixes fall back to f64;
// the element count must be a positive integer.
func ParseSizeSpec(field, raw string) (ElementType, int64, error) {
	raw = strings.TrimSpace(raw)

	if idx := strings.Index(raw, ":"); idx >= 0 {
		countStr, typeStr := raw[:idx], raw[idx+1:]
		count, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil || count <= 0 {
			return "", 0, coreerrors.ConfigInvalidSizeSpec(field, raw)
		}
		elemType, ok := validElementTypes[strings.ToLower(typeStr)]
		if !ok {
			elemType = ElementF64
		}
		return elemType, count, nil
	}

	units := map[string]int64{"bytes": 1, "KB": 1024, "MB": 1024 * 1024, "GB": 1024 * 1024 * 1024}
	for unit, multiplier := range units {
		if strings.HasSuffix(raw, unit) {
			numStr := strings.TrimSuffix(raw, unit)
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil || n <= 0 {
				return "", 0, coreerrors.ConfigInvalidSizeSpec(field, raw)
			}
			totalBytes := n * multiplier
			elemSize := int64(ElementSize(ElementF64))
			count := (totalBytes + elemSize - 1) / elemSize
			if count <= 0 {
				return "", 0, coreerrors.ConfigInvalidSizeSpec(field, raw)
			}
			return ElementF64, count, nil
		}
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || count <= 0 {
		return "", 0, coreerrors.ConfigInvalidSizeSpec(field, raw)
	}
	return ElementF64, count, nil
}

// sizeSpecFor reads the "<output_key>_size" field out of a node's
// free-form config map without requiring a static schema, the same way
// the rest of the corpus reaches into loosely-typed JSON payloads with
// gjson instead of defining a struct per caller.
func sizeSpecFor(nodeConfig json.RawMessage, key string) string {
	if len(nodeConfig) == 0 {
		return DefaultSizeSpec
	}
	result := gjson.GetBytes(nodeConfig, key+"_size")
	if !result.Exists() {
		return DefaultSizeSpec
	}
	return result.String()
}

// BuildCatalog transforms a validated pipeline into the resource
// descriptors the memory offset manager allocates, in the stable order
// required by §4.5: producer topological index, then output key.
func BuildCatalog(vp *ValidatedPipeline) ([]BusResource, error) {
	topoIndex := make(map[string]int, len(vp.TopoOrder))
	for i, id := range vp.TopoOrder {
		topoIndex[id] = i
	}

	type pending struct {
		resource BusResource
		topoIdx  int
		key      string
	}
	var all []pending

	for _, nodeID := range vp.TopoOrder {
		node := vp.NodesByID[nodeID]
		for _, out := range node.Outputs {
			key := outputKey(out)
			spec := sizeSpecFor(node.Config, key)
			elemType, count, err := ParseSizeSpec(nodeID+"."+key+"_size", spec)
			if err != nil {
				return nil, err
			}
			elemSize := int64(ElementSize(elemType))
			rawBytes := count * elemSize
			sizeBytes := ((rawBytes + 15) / 16) * 16

			all = append(all, pending{
				resource: BusResource{
					Name:         out,
					ElementType:  elemType,
					ElementCount: count,
					SizeBytes:    sizeBytes,
					Producer:     nodeID,
					Consumers:    append([]string(nil), vp.ResourceConsumers[out]...),
				},
				topoIdx: topoIndex[nodeID],
				key:     key,
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].topoIdx != all[j].topoIdx {
			return all[i].topoIdx < all[j].topoIdx
		}
		return all[i].key < all[j].key
	})

	resources := make([]BusResource, len(all))
	for i, p := range all {
		resources[i] = p.resource
	}
	return resources, nil
}

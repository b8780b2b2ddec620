package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// ResourceStatistics is the summary statistics block returned by
// Inspector.Statistics.
type ResourceStatistics struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	P25    float64
	P50    float64
	P75    float64
	P90    float64
	P95    float64
	P99    float64
}

// Histogram is a fixed-bin-count distribution of a resource's values.
type Histogram struct {
	Min      float64
	Max      float64
	BinWidth float64
	Counts   []int64
}

// SlicePage is one paginated window over a resource's elements.
type SlicePage struct {
	Offset int64
	Limit  int64
	Total  int64
	Values []float64
}

// ComparisonResult is the outcome of diffing two equally-shaped resource
// snapshots.
type ComparisonResult struct {
	DiffIndices   []int64
	MaxAbsDiff    float64
	MeanAbsDiff   float64
	DiffPercent   float64
	ElementsCount int64
}

// comparisonEpsilon is the absolute-difference threshold above which two
// elements are considered to differ (§4.10).
const comparisonEpsilon = 1e-3

// Inspector is the Data Inspector (C10): read-only views over an
// allocated region's bus resources, recomputed on demand so it never
// holds a stale copy.
type Inspector struct {
	om  *OffsetMap
	buf []byte
}

// NewInspector binds an Inspector to an allocated region.
func NewInspector(om *OffsetMap, buf []byte) *Inspector {
	return &Inspector{om: om, buf: buf}
}

// GetResource returns the named resource's elements as float64, widening
// narrower element types. Use this for any type-agnostic read.
func (ins *Inspector) GetResource(name string) ([]float64, error) {
	view, err := ins.view(name)
	if err != nil {
		return nil, err
	}
	return toFloat64(view), nil
}

func (ins *Inspector) view(name string) (View, error) {
	ro, ok := ins.om.Resources[name]
	if !ok {
		return View{}, coreerrors.PackageAssetMissing(name)
	}
	return View{
		Name:        name,
		ElementType: ro.ElementType,
		Bytes:       ins.buf[ro.Offset : ro.Offset+ro.SizeBytes],
		ReadOnly:    true,
	}, nil
}

func toFloat64(v View) []float64 {
	switch v.ElementType {
	case ElementF64:
		src := v.Float64()
		out := make([]float64, len(src))
		copy(out, src)
		return out
	case ElementF32:
		src := v.Float32()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementI32:
		src := v.Int32()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementU32:
		src := v.Uint32()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementI16:
		src := v.Int16()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementU16:
		src := v.Uint16()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementI8:
		src := v.Int8()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	case ElementU8:
		src := v.Uint8()
		out := make([]float64, len(src))
		for i, x := range src {
			out[i] = float64(x)
		}
		return out
	default:
		return nil
	}
}

// Statistics computes mean/stddev/min/max and the 25/50/75/90/95/99th
// percentiles over a resource's elements via linear interpolation on a
// sorted copy.
func (ins *Inspector) Statistics(name string) (ResourceStatistics, error) {
	values, err := ins.GetResource(name)
	if err != nil {
		return ResourceStatistics{}, err
	}
	if len(values) == 0 {
		return ResourceStatistics{}, nil
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	stddev := math.Sqrt(sqDiff / float64(len(values)))

	return ResourceStatistics{
		Count:  len(values),
		Mean:   mean,
		StdDev: stddev,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P25:    percentile(sorted, 0.25),
		P50:    percentile(sorted, 0.50),
		P75:    percentile(sorted, 0.75),
		P90:    percentile(sorted, 0.90),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
	}, nil
}

// percentile linearly interpolates the p-th percentile (0<=p<=1) of an
// already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// HistogramOf bins a resource's values into binCount equal-width bins
// spanning its observed min/max. A value lands in
// min(floor((v-min)/bin_width), bin_count-1), so the maximum value always
// falls in the last bin rather than overflowing it.
func (ins *Inspector) HistogramOf(name string, binCount int) (Histogram, error) {
	if binCount <= 0 {
		binCount = 10
	}
	values, err := ins.GetResource(name)
	if err != nil {
		return Histogram{}, err
	}
	if len(values) == 0 {
		return Histogram{BinWidth: 0, Counts: make([]int64, binCount)}, nil
	}

	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	width := (hi - lo) / float64(binCount)
	counts := make([]int64, binCount)
	if width == 0 {
		counts[0] = int64(len(values))
		return Histogram{Min: lo, Max: hi, BinWidth: 0, Counts: counts}, nil
	}

	for _, v := range values {
		bin := int(math.Floor((v - lo) / width))
		if bin >= binCount {
			bin = binCount - 1
		}
		if bin < 0 {
			bin = 0
		}
		counts[bin]++
	}

	return Histogram{Min: lo, Max: hi, BinWidth: width, Counts: counts}, nil
}

// Slice returns a paginated window of a resource's elements.
func (ins *Inspector) Slice(name string, offset, limit int64) (SlicePage, error) {
	values, err := ins.GetResource(name)
	if err != nil {
		return SlicePage{}, err
	}
	total := int64(len(values))
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := append([]float64(nil), values[offset:end]...)
	return SlicePage{Offset: offset, Limit: limit, Total: total, Values: page}, nil
}

// ExportCSV renders a resource as CSV: a comment header line with its
// name, element count, type, size in bytes, and zero-padded hex checksum,
// followed by one value per row.
func (ins *Inspector) ExportCSV(name string, checksum uint32) (string, error) {
	view, err := ins.view(name)
	if err != nil {
		return "", err
	}
	values := toFloat64(view)

	var b strings.Builder
	fmt.Fprintf(&b, "# name=%s elements=%d type=%s size_bytes=%d checksum=%08x\n",
		name, len(values), view.ElementType, len(view.Bytes), checksum)
	b.WriteString("index,value\n")
	for i, v := range values {
		fmt.Fprintf(&b, "%d,%g\n", i, v)
	}
	return b.String(), nil
}

// CompareResources diffs two equally-sized resource snapshots, reporting
// every index whose absolute difference exceeds comparisonEpsilon.
func CompareResources(a, b []float64) ComparisonResult {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var diffIndices []int64
	var sumAbs, maxAbs float64
	for i := 0; i < n; i++ {
		d := math.Abs(a[i] - b[i])
		sumAbs += d
		if d > maxAbs {
			maxAbs = d
		}
		if d > comparisonEpsilon {
			diffIndices = append(diffIndices, int64(i))
		}
	}

	result := ComparisonResult{
		DiffIndices:   diffIndices,
		MaxAbsDiff:    maxAbs,
		ElementsCount: int64(n),
	}
	if n > 0 {
		result.MeanAbsDiff = sumAbs / float64(n)
		result.DiffPercent = float64(len(diffIndices)) / float64(n) * 100
	}
	return result
}

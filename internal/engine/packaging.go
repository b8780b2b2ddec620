package engine

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/klauspost/compress/flate"
)

// AssetType classifies one file inside a package archive.
type AssetType string

const (
	AssetConfig     AssetType = "config"
	AssetModel      AssetType = "model"
	AssetNative     AssetType = "native"
	AssetScript     AssetType = "script"
	AssetAssumption AssetType = "assumption"
	AssetPolicy     AssetType = "policy"
)

// ManifestAsset describes one archived file: its canonical relative path
// (authoritative over the zip entry name), its content hash, and size.
type ManifestAsset struct {
	RelativePath string    `json:"relative_path"`
	SHA256Hex    string    `json:"sha256_hex"`
	Size         int64     `json:"size"`
	Type         AssetType `json:"type"`
}

// Manifest is the package archive's manifest.json contents.
type Manifest struct {
	FormatVersion    int             `json:"format_version"`
	CreatedAt        time.Time       `json:"created_at"`
	Assets           []ManifestAsset `json:"assets"`
	PackageSHA256Hex string          `json:"package_sha256_hex"`
	Config           json.RawMessage `json:"config"`
}

// ManifestFormatVersion is bumped when the manifest schema changes in a
// way that breaks an older loader.
const ManifestFormatVersion = 1

// NativeAsset is the compiled binary plus sidecar metadata for one
// "native://name" engine reference.
type NativeAsset struct {
	Bin  []byte
	Meta []byte
}

// BuildInput collects everything a pipeline submission needs archived.
type BuildInput struct {
	Config          json.RawMessage
	ModelRelPath    string // e.g. "model.json"; empty skips the model asset
	ModelBytes      []byte
	NativeAssets    map[string]NativeAsset // native engine name -> asset
	ScriptAssets    map[string][]byte      // script engine name -> source
	AssumptionFiles map[string][]byte      // relative path under assumptions/ -> bytes
	PolicyFiles     map[string][]byte      // relative path under data/ -> bytes
}

var registerDeflateOnce sync.Once

// registerBestCompressionDeflate swaps the zip package's default DEFLATE
// implementation for klauspost/compress's, which both compresses better
// and runs faster than compress/flate at the same setting.
func registerBestCompressionDeflate() {
	registerDeflateOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestCompression)
		})
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return flate.NewReader(r)
		})
	})
}

type pendingAsset struct {
	path  string
	bytes []byte
	typ   AssetType
}

// BuildPackage assembles a ZIP archive of input's assets plus a
// manifest.json whose PackageSHA256Hex is derived from the sorted
// (path, sha256, size, type) table of every other asset — not the raw
// zip container bytes, since those carry non-deterministic timestamps
// and are not useful as a content identity check on their own.
func BuildPackage(input BuildInput) ([]byte, *Manifest, error) {
	registerBestCompressionDeflate()

	var pending []pendingAsset
	pending = append(pending, pendingAsset{"livecalc.config.json", input.Config, AssetConfig})
	if input.ModelRelPath != "" {
		pending = append(pending, pendingAsset{input.ModelRelPath, input.ModelBytes, AssetModel})
	}
	for name, asset := range input.NativeAssets {
		pending = append(pending, pendingAsset{fmt.Sprintf("native/%s.bin", name), asset.Bin, AssetNative})
		pending = append(pending, pendingAsset{fmt.Sprintf("native/%s.meta", name), asset.Meta, AssetNative})
	}
	for name, src := range input.ScriptAssets {
		pending = append(pending, pendingAsset{fmt.Sprintf("script/%s.src", name), src, AssetScript})
	}
	for relPath, data := range input.AssumptionFiles {
		pending = append(pending, pendingAsset{"assumptions/" + relPath, data, AssetAssumption})
	}
	for relPath, data := range input.PolicyFiles {
		pending = append(pending, pendingAsset{"data/" + relPath, data, AssetPolicy})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].path < pending[j].path })

	assets := make([]ManifestAsset, 0, len(pending))
	for _, p := range pending {
		sum := sha256.Sum256(p.bytes)
		assets = append(assets, ManifestAsset{
			RelativePath: p.path,
			SHA256Hex:    hex.EncodeToString(sum[:]),
			Size:         int64(len(p.bytes)),
			Type:         p.typ,
		})
	}

	manifest := &Manifest{
		FormatVersion:    ManifestFormatVersion,
		CreatedAt:        time.Now().UTC(),
		Assets:           assets,
		PackageSHA256Hex: hashAssetTable(assets),
		Config:           input.Config,
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, coreerrors.PackageManifestInvalid(err.Error())
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	writeEntry := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	for _, p := range pending {
		if err := writeEntry(p.path, p.bytes); err != nil {
			return nil, nil, coreerrors.PackageManifestInvalid(err.Error())
		}
	}
	if err := writeEntry("manifest.json", manifestBytes); err != nil {
		return nil, nil, coreerrors.PackageManifestInvalid(err.Error())
	}
	if err := zw.Close(); err != nil {
		return nil, nil, coreerrors.PackageManifestInvalid(err.Error())
	}

	return buf.Bytes(), manifest, nil
}

// hashAssetTable computes the package-identity hash over every asset's
// (path, sha256, size, type), already sorted by path.
func hashAssetTable(assets []ManifestAsset) string {
	h := sha256.New()
	for _, a := range assets {
		fmt.Fprintf(h, "%s|%s|%d|%s\n", a.RelativePath, a.SHA256Hex, a.Size, a.Type)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LoadPackage opens a package archive, verifies its manifest's
// PackageSHA256Hex against a fresh recomputation over its own asset
// table, then verifies every individual asset's bytes against the
// per-asset sha256_hex the manifest declares. It returns the manifest and
// every non-manifest asset's bytes keyed by relative path.
func LoadPackage(zipBytes []byte) (*Manifest, map[string][]byte, error) {
	registerBestCompressionDeflate()

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, nil, coreerrors.PackageManifestInvalid("not a valid zip archive: " + err.Error())
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, coreerrors.PackageAssetMissing(f.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, coreerrors.PackageAssetMissing(f.Name)
		}
		files[f.Name] = data
	}

	manifestBytes, ok := files["manifest.json"]
	if !ok {
		return nil, nil, coreerrors.PackageAssetMissing("manifest.json")
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, coreerrors.PackageManifestInvalid("manifest.json is not valid JSON: " + err.Error())
	}

	recomputed := hashAssetTable(manifest.Assets)
	if recomputed != manifest.PackageSHA256Hex {
		return nil, nil, coreerrors.PackageChecksumMismatch("manifest.json")
	}

	assets := make(map[string][]byte, len(manifest.Assets))
	for _, a := range manifest.Assets {
		data, ok := files[a.RelativePath]
		if !ok {
			return nil, nil, coreerrors.PackageAssetMissing(a.RelativePath)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != a.SHA256Hex {
			return nil, nil, coreerrors.PackageChecksumMismatch(a.RelativePath)
		}
		assets[a.RelativePath] = data
	}

	return &manifest, assets, nil
}

// LoadedPipeline is everything a remote peer needs to replay a packaged
// pipeline identically to the submitter: the same validated config
// produces the same offset map, since layout is a pure function of the
// validated config (§4.11).
type LoadedPipeline struct {
	Manifest  *Manifest
	Validated *ValidatedPipeline
	Layout    *OffsetMap
	Buffer    []byte
	Assets    map[string][]byte
}

// LoadAndInstantiate verifies a package and recreates the same shared
// region layout and status table a local run over the same config would
// produce, ready for a remote orchestrator to drive.
func LoadAndInstantiate(zipBytes []byte) (*LoadedPipeline, error) {
	manifest, assets, err := LoadPackage(zipBytes)
	if err != nil {
		return nil, err
	}

	cfg, err := ParsePipelineConfig(manifest.Config)
	if err != nil {
		return nil, err
	}
	vp, err := Validate(cfg)
	if err != nil {
		return nil, err
	}
	resources, err := BuildCatalog(vp)
	if err != nil {
		return nil, err
	}

	lm := NewLayoutManager(vp.Config.Debug.EnableIntegrityChecks)
	for _, r := range resources {
		if err := lm.AddResource(r); err != nil {
			return nil, err
		}
	}
	om, buf, err := lm.Allocate(vp.TopoOrder)
	if err != nil {
		return nil, err
	}

	return &LoadedPipeline{
		Manifest:  manifest,
		Validated: vp,
		Layout:    om,
		Buffer:    buf,
		Assets:    assets,
	}, nil
}

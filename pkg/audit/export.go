package audit

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/crypto"
)

// Bundle file names, in archive order. The manifest comes after the files it
// hashes; the signature covers the manifest and comes last.
const (
	BundleRecords    = "records.jsonl"
	BundleReport     = "verification_report.json"
	BundleManifest   = "manifest_snapshot.json"
	BundleKeys       = "gateway_public_keys.json"
	BundleIndex      = "bundle_manifest.json"
	BundleSignature  = "bundle_signature.txt"
	bundleFormatName = "agentgate-evidence/1"
)

// ExportOptions parameterize bundle generation. GeneratedAt is supplied by
// the caller so that re-exporting the same stream state yields identical
// bytes.
type ExportOptions struct {
	Stream           string
	GeneratedAt      time.Time
	ManifestSnapshot []byte // raw active manifest document, optional
}

type bundleIndex struct {
	Format      string            `json:"format"`
	Stream      string            `json:"stream"`
	GeneratedAt time.Time         `json:"generated_at"`
	RecordCount int               `json:"record_count"`
	Files       map[string]string `json:"files"` // name → sha256 hex
}

// Export verifies a stream and packs it into a deterministic tar.gz evidence
// bundle: records, verification report, manifest snapshot, accepted public
// keys, a hashed file index, and a signature over the index. Given the same
// stream contents and options the output bytes are identical.
func Export(ctx context.Context, store Store, keys *crypto.KeySet, signer crypto.Signer, opts ExportOptions) ([]byte, *Report, error) {
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}

	report, err := VerifyChain(ctx, store, keys, stream)
	if err != nil {
		return nil, nil, err
	}

	records, err := store.List(ctx, stream, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	var recordsBuf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: marshal record %s: %w", r.RecordID, err)
		}
		recordsBuf.Write(line)
		recordsBuf.WriteByte('\n')
	}

	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal report: %w", err)
	}
	keysJSON, err := json.MarshalIndent(keys.PublicKeysHex(), "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal keys: %w", err)
	}

	type entry struct {
		name string
		data []byte
	}
	entries := []entry{
		{BundleRecords, recordsBuf.Bytes()},
		{BundleReport, reportJSON},
	}
	if len(opts.ManifestSnapshot) > 0 {
		entries = append(entries, entry{BundleManifest, opts.ManifestSnapshot})
	}
	entries = append(entries, entry{BundleKeys, keysJSON})

	index := bundleIndex{
		Format:      bundleFormatName,
		Stream:      stream,
		GeneratedAt: opts.GeneratedAt.UTC(),
		RecordCount: len(records),
		Files:       make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		index.Files[e.name] = canonicalize.HashBytes(e.data)
	}

	indexCanonical, err := canonicalize.JCS(index)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: canonicalize bundle index: %w", err)
	}
	entries = append(entries,
		entry{BundleIndex, indexCanonical},
		entry{BundleSignature, []byte(signer.Sign(indexCanonical))},
	)

	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
			// Zero ModTime keeps re-exports byte-identical.
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, nil, fmt.Errorf("audit: bundle header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, nil, fmt.Errorf("audit: bundle write %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("audit: bundle close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, nil, fmt.Errorf("audit: bundle close gzip: %w", err)
	}
	return out.Bytes(), report, nil
}

// VerifyBundle checks an exported bundle: file hashes against the index and
// the index signature against the keyset. It returns the embedded report.
func VerifyBundle(bundle []byte, keys *crypto.KeySet) (*Report, error) {
	gz, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return nil, fmt.Errorf("audit: bundle gzip: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(tr); err != nil {
			return nil, fmt.Errorf("audit: bundle read %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = buf.Bytes()
	}

	indexRaw, ok := files[BundleIndex]
	if !ok {
		return nil, fmt.Errorf("audit: bundle missing %s", BundleIndex)
	}
	sig, ok := files[BundleSignature]
	if !ok {
		return nil, fmt.Errorf("audit: bundle missing %s", BundleSignature)
	}
	if !keys.VerifyHex(indexRaw, string(sig)) {
		return nil, fmt.Errorf("audit: bundle signature invalid")
	}

	var index bundleIndex
	if err := json.Unmarshal(indexRaw, &index); err != nil {
		return nil, fmt.Errorf("audit: bundle index corrupt: %w", err)
	}
	for name, wantHash := range index.Files {
		data, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("audit: bundle missing %s", name)
		}
		if canonicalize.HashBytes(data) != wantHash {
			return nil, fmt.Errorf("audit: bundle file %s hash mismatch", name)
		}
	}

	var report Report
	if err := json.Unmarshal(files[BundleReport], &report); err != nil {
		return nil, fmt.Errorf("audit: bundle report corrupt: %w", err)
	}
	return &report, nil
}

package artifact

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupManifest describes what a snapshot contains.
type BackupManifest struct {
	CreatedAt time.Time         `json:"created_at"`
	Models    []BackupModelInfo `json:"models"`
}

// BackupModelInfo is one model's artifact footprint at snapshot time.
type BackupModelInfo struct {
	ModelID string `json:"model_id"`
	Bytes   int64  `json:"bytes"`
}

// WriteBackup writes a gzipped tar snapshot into the backup directory. The
// archive holds the caller's payloads (entity dumps as JSON, keyed by file
// name) plus a manifest of every artifact tree under models/. Returns the
// archive path.
//
// Artifact contents themselves are not archived; they can be rsynced from
// the share directly and would dwarf the entity state.
func (l *Layout) WriteBackup(name string, payloads map[string][]byte) (string, error) {
	manifest := BackupManifest{CreatedAt: time.Now().UTC()}

	entries, err := os.ReadDir(filepath.Join(l.base, "models"))
	if err != nil {
		return "", fmt.Errorf("failed to list models for backup: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		size, err := TreeSize(l.ModelDir(e.Name()))
		if err != nil {
			return "", fmt.Errorf("failed to size model %s: %w", e.Name(), err)
		}
		manifest.Models = append(manifest.Models, BackupModelInfo{ModelID: e.Name(), Bytes: size})
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(l.BackupDir(), name+".tar.gz")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create backup archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := write("manifest.json", manifestJSON); err != nil {
		return "", fmt.Errorf("failed to write backup manifest: %w", err)
	}
	for fname, data := range payloads {
		if err := write(fname, data); err != nil {
			return "", fmt.Errorf("failed to write backup entry %s: %w", fname, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return path, f.Close()
}

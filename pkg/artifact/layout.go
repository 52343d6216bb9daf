package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Layout resolves every path under the shared bazaar directory. The control
// plane, deployment runtimes, and scheduled jobs all see the same tree:
//
//	models/{model_id}/model/...          trained artifact
//	data/{model_id}/data_storage.db      deployment-local store
//	data/{model_id}/unsupervised/...     uploaded corpus files
//	data/{deployment_id}/{feedback,insertions,deletions}/{alloc}.jsonl
//	logs/{model_id}/train.log
//	logs/{model_id}/deployment-{alloc}.log
//	license/ndb_enterprise_license.json
//	backups/
//	credentials.json
type Layout struct {
	base string
}

// NewLayout creates a layout rooted at base, ensuring the top-level
// directories exist.
func NewLayout(base string) (*Layout, error) {
	if base == "" {
		return nil, fmt.Errorf("bazaar dir cannot be empty")
	}
	for _, dir := range []string{"models", "data", "logs", "license", "backups"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bazaar directory %s: %w", dir, err)
		}
	}
	return &Layout{base: base}, nil
}

// Base returns the bazaar root.
func (l *Layout) Base() string { return l.base }

// ModelDir returns models/{modelID}.
func (l *Layout) ModelDir(modelID string) string {
	return filepath.Join(l.base, "models", modelID)
}

// ArtifactDir returns models/{modelID}/model, where trained weights live.
func (l *Layout) ArtifactDir(modelID string) string {
	return filepath.Join(l.ModelDir(modelID), "model")
}

// DataDir returns data/{id}. The same namespace holds model data dirs and
// deployment update logs; model and deployment ids never collide because
// both are UUIDs.
func (l *Layout) DataDir(id string) string {
	return filepath.Join(l.base, "data", id)
}

// LocalStorePath returns the deployment-local bbolt database for a model.
func (l *Layout) LocalStorePath(modelID string) string {
	return filepath.Join(l.DataDir(modelID), "data_storage.db")
}

// UnsupervisedDir returns the uploaded-corpus directory for a model.
func (l *Layout) UnsupervisedDir(modelID string) string {
	return filepath.Join(l.DataDir(modelID), "unsupervised")
}

// LogsDir returns logs/{modelID}.
func (l *Layout) LogsDir(modelID string) string {
	return filepath.Join(l.base, "logs", modelID)
}

// TrainLogPath returns the training log file for a model.
func (l *Layout) TrainLogPath(modelID string) string {
	return filepath.Join(l.LogsDir(modelID), "train.log")
}

// DeploymentLogPath returns the per-allocation deployment log file.
func (l *Layout) DeploymentLogPath(modelID, allocID string) string {
	return filepath.Join(l.LogsDir(modelID), "deployment-"+allocID+".log")
}

// LicensePath returns the conventional license location.
func (l *Layout) LicensePath() string {
	return filepath.Join(l.base, "license", "ndb_enterprise_license.json")
}

// CredentialsPath returns the shared credentials file jobs read.
func (l *Layout) CredentialsPath() string {
	return filepath.Join(l.base, "credentials.json")
}

// BackupDir returns the snapshot directory.
func (l *Layout) BackupDir() string {
	return filepath.Join(l.base, "backups")
}

// EnsureModelDirs creates the artifact, data, and log directories for a
// model. Idempotent.
func (l *Layout) EnsureModelDirs(modelID string) error {
	for _, dir := range []string{l.ArtifactDir(modelID), l.DataDir(modelID), l.LogsDir(modelID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory %s: %w", dir, err)
		}
	}
	return nil
}

// CopyArtifact copies the trained artifact tree of src into dst's artifact
// directory. Retraining copies rather than symlinks so the new training job
// mutates its own tree while the source stays deployed.
func (l *Layout) CopyArtifact(srcModelID, dstModelID string) error {
	src := l.ArtifactDir(srcModelID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source artifact missing for model %s: %w", srcModelID, err)
	}
	if err := l.EnsureModelDirs(dstModelID); err != nil {
		return err
	}
	return CopyTree(src, l.ArtifactDir(dstModelID))
}

// RemoveModel deletes every directory belonging to a model. Missing trees
// are not an error; deletion is idempotent.
func (l *Layout) RemoveModel(modelID string) error {
	for _, dir := range []string{l.ModelDir(modelID), l.DataDir(modelID), l.LogsDir(modelID)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveDeploymentData deletes a deployment's update-log tree.
func (l *Layout) RemoveDeploymentData(deploymentID string) error {
	if err := os.RemoveAll(l.DataDir(deploymentID)); err != nil {
		return fmt.Errorf("failed to remove deployment data: %w", err)
	}
	return nil
}

// CopyTree recursively copies the directory tree at src to dst. Regular
// files and directories only; permission bits are preserved, symlinks are
// not followed (artifact trees never contain them).
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("refusing to copy non-regular file %s", path)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// TreeSize returns the total size in bytes of all regular files under dir.
func TreeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

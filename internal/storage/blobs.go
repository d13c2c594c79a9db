package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"relay/internal/server/ports"
)

// BlobStore keeps one artifact blob per task id under a flat directory.
// Blob writes happen before the owning task flips to done, so a blob with
// no terminal task record is possible after a crash; the retention sweep
// reconciles those.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Path returns the on-disk location for a task's artifact. Task ids are
// charset-validated before they reach storage, so the join is safe.
func (b *BlobStore) Path(taskID string) string {
	return filepath.Join(b.dir, taskID+".json")
}

// Write persists the artifact bytes atomically (temp file + rename) and
// returns the resulting reference.
func (b *BlobStore) Write(taskID string, data []byte) (*ports.ArtifactRef, error) {
	target := b.Path(taskID)
	tmp, err := os.CreateTemp(b.dir, taskID+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close artifact temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	return &ports.ArtifactRef{Path: target, Size: int64(len(data))}, nil
}

// Open returns a streaming reader over the blob plus its current size.
// A blob removed by a concurrent sweep surfaces as os.ErrNotExist.
func (b *BlobStore) Open(taskID string) (io.ReadCloser, int64, error) {
	file, err := os.Open(b.Path(taskID))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Read loads the whole blob into memory.
func (b *BlobStore) Read(taskID string) ([]byte, error) {
	return os.ReadFile(b.Path(taskID))
}

// Size stats the blob without opening it.
func (b *BlobStore) Size(taskID string) (int64, error) {
	info, err := os.Stat(b.Path(taskID))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes the blob. Deleting a missing blob is not an error; the
// sweep must stay idempotent.
func (b *BlobStore) Delete(taskID string) error {
	err := os.Remove(b.Path(taskID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

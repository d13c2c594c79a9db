package app

import (
	"path/filepath"
	"testing"

	"relay/internal/storage"
)

// newTestStore builds a task store over a throwaway data directory.
func newTestStore(t *testing.T) (*TaskStore, *storage.TaskLog, *storage.BlobStore) {
	t.Helper()

	dir := t.TempDir()
	log, err := storage.OpenTaskLog(filepath.Join(dir, "tasks.log"), nil)
	if err != nil {
		t.Fatalf("OpenTaskLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	blobs, err := storage.NewBlobStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}

	return NewTaskStore(log, blobs, nil), log, blobs
}

func newTestShares(t *testing.T) *storage.ShareStore {
	t.Helper()
	shares, err := storage.OpenShareStore(filepath.Join(t.TempDir(), "shares.json"))
	if err != nil {
		t.Fatalf("OpenShareStore: %v", err)
	}
	return shares
}

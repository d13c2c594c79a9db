package storage

import (
	"path/filepath"
	"testing"
	"time"

	"relay/internal/server/ports"
)

func TestShareStorePutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.json")
	store, err := OpenShareStore(path)
	if err != nil {
		t.Fatalf("OpenShareStore: %v", err)
	}

	now := time.Now()
	token := ports.ShareToken{
		Token:     "share-abc",
		TaskID:    "task-1",
		Kind:      ports.ShareKindJSON,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Put(token); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, expired := store.Get("share-abc", now)
	if !ok || expired {
		t.Fatalf("Get = ok:%v expired:%v, want live token", ok, expired)
	}
	if got.TaskID != "task-1" || got.Kind != ports.ShareKindJSON {
		t.Fatalf("unexpected token: %+v", got)
	}

	// A fresh store over the same file sees the flushed token.
	reopened, err := OpenShareStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, _ := reopened.Get("share-abc", now); !ok {
		t.Fatal("token did not survive reopen")
	}
}

func TestShareStoreExpiredTokenIsPruned(t *testing.T) {
	store, err := OpenShareStore(filepath.Join(t.TempDir(), "shares.json"))
	if err != nil {
		t.Fatalf("OpenShareStore: %v", err)
	}

	now := time.Now()
	if err := store.Put(ports.ShareToken{Token: "share-old", TaskID: "task-1", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, expired := store.Get("share-old", now)
	if !ok || !expired {
		t.Fatalf("Get = ok:%v expired:%v, want expired hit", ok, expired)
	}

	// The expired lookup deletes the token; a second lookup misses.
	if _, ok, _ := store.Get("share-old", now); ok {
		t.Fatal("expired token should have been pruned")
	}
}

func TestShareStoreDeleteForTask(t *testing.T) {
	store, err := OpenShareStore(filepath.Join(t.TempDir(), "shares.json"))
	if err != nil {
		t.Fatalf("OpenShareStore: %v", err)
	}

	expiry := time.Now().Add(time.Hour)
	for _, token := range []string{"share-1", "share-2"} {
		if err := store.Put(ports.ShareToken{Token: token, TaskID: "task-evicted", ExpiresAt: expiry}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.Put(ports.ShareToken{Token: "share-3", TaskID: "task-kept", ExpiresAt: expiry}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.DeleteForTask("task-evicted"); err != nil {
		t.Fatalf("DeleteForTask: %v", err)
	}

	now := time.Now()
	if _, ok, _ := store.Get("share-1", now); ok {
		t.Fatal("share-1 should be gone")
	}
	if _, ok, _ := store.Get("share-2", now); ok {
		t.Fatal("share-2 should be gone")
	}
	if _, ok, _ := store.Get("share-3", now); !ok {
		t.Fatal("share-3 for another task must survive")
	}
}

package storage

import (
	"encoding/json"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustWriteTree(t *testing.T, store *Store, path, value string) {
	t.Helper()

	if err := store.WriteTree(path, json.RawMessage(value)); err != nil {
		t.Fatalf("write tree %q: %v", path, err)
	}
}

func mustReadTree(t *testing.T, store *Store, path string) map[string]any {
	t.Helper()

	raw, err := store.ReadTree(path)
	if err != nil {
		t.Fatalf("read tree %q: %v", path, err)
	}
	if raw == nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode tree %q: %v", path, err)
	}
	return doc
}

package storage

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestWriteTreeRoundTripsNestedDocument(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "messages/alice_bob/k1", `{
		"sender": "alice",
		"text": "hi",
		"timestamp": 1700000000000,
		"deleted": false,
		"reactions": {"bob": "👍"}
	}`)

	got := mustReadTree(t, store, "messages/alice_bob/k1")
	want := map[string]any{
		"sender":    "alice",
		"text":      "hi",
		"timestamp": float64(1700000000000),
		"deleted":   false,
		"reactions": map[string]any{"bob": "👍"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected document:\n got %#v\nwant %#v", got, want)
	}

	parent := mustReadTree(t, store, "messages")
	conv, ok := parent["alice_bob"].(map[string]any)
	if !ok {
		t.Fatalf("expected conversation node under messages, got %#v", parent)
	}
	if _, ok := conv["k1"]; !ok {
		t.Fatalf("expected message k1 under conversation, got %#v", conv)
	}
}

func TestWriteTreeReplacesSubtree(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "accounts/alice", `{"identifier":"alice","isOnline":true,"lastSeenAt":5}`)
	mustWriteTree(t, store, "accounts/alice", `{"identifier":"alice"}`)

	got := mustReadTree(t, store, "accounts/alice")
	if len(got) != 1 || got["identifier"] != "alice" {
		t.Fatalf("expected stale children to be removed, got %#v", got)
	}
}

func TestWriteTreeNullDeletes(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "accounts/alice", `{"identifier":"alice"}`)
	mustWriteTree(t, store, "accounts/alice", `null`)

	raw, err := store.ReadTree("accounts/alice")
	if err != nil {
		t.Fatalf("ReadTree failed: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected deleted subtree to read as nil, got %s", raw)
	}
}

func TestWriteTreeScalarLeaf(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "accounts/alice/isOnline", `true`)
	raw, err := store.ReadTree("accounts/alice/isOnline")
	if err != nil {
		t.Fatalf("ReadTree failed: %v", err)
	}
	if string(raw) != "true" {
		t.Fatalf("expected scalar leaf true, got %s", raw)
	}

	// Writing below a leaf turns it into an interior node.
	mustWriteTree(t, store, "accounts/alice/isOnline/nested", `1`)
	got := mustReadTree(t, store, "accounts/alice/isOnline")
	if got["nested"] != float64(1) {
		t.Fatalf("expected nested child, got %#v", got)
	}
}

func TestUpdateChildrenKeepsSiblings(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "messages/alice_bob/k1/reactions", `{"alice":"❤️","bob":"😂"}`)

	err := store.UpdateChildren("messages/alice_bob/k1/reactions", map[string]json.RawMessage{
		"alice": json.RawMessage(`null`),
		"carol": json.RawMessage(`"👍"`),
	})
	if err != nil {
		t.Fatalf("UpdateChildren failed: %v", err)
	}

	got := mustReadTree(t, store, "messages/alice_bob/k1/reactions")
	want := map[string]any{"bob": "😂", "carol": "👍"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected reactions:\n got %#v\nwant %#v", got, want)
	}
}

func TestTreePrefixDoesNotLeakIntoSiblings(t *testing.T) {
	store := newTestStore(t)

	mustWriteTree(t, store, "accounts/al", `{"identifier":"al"}`)
	mustWriteTree(t, store, "accounts/alice", `{"identifier":"alice"}`)

	got := mustReadTree(t, store, "accounts/al")
	if len(got) != 1 || got["identifier"] != "al" {
		t.Fatalf("sibling with shared prefix leaked into read: %#v", got)
	}

	mustWriteTree(t, store, "accounts/al", `null`)
	if mustReadTree(t, store, "accounts/alice") == nil {
		t.Fatalf("deleting accounts/al removed accounts/alice")
	}
}

func TestTreeRejectsInvalidPaths(t *testing.T) {
	store := newTestStore(t)

	for _, path := range []string{"", "accounts//alice", "accounts/a.b", "accounts/a$b", "accounts/a[0]"} {
		err := store.WriteTree(path, json.RawMessage(`1`))
		if !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", path, err)
		}
	}

	err := store.WriteTree("accounts/alice", json.RawMessage(`{"bad.key":1}`))
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for reserved child key, got %v", err)
	}

	err = store.WriteTree("accounts/alice", json.RawMessage(`{not json`))
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestJoinPath(t *testing.T) {
	if got := JoinPath("messages", "", "/alice_bob/", "k1"); got != "messages/alice_bob/k1" {
		t.Fatalf("unexpected joined path %q", got)
	}
}

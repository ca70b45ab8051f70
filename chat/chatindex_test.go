package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/models"
	"pairchat/replica"
)

func tombstoned(m models.Message) models.Message {
	m.Deleted = true
	return m
}

func TestReconcileChatIndexSortsByLastActivity(t *testing.T) {
	snap := snapshotOf(t, "messages", map[string]map[string]models.Message{
		"alice_bob": {
			"k1": msg("alice", 100, "hi"),
			"k2": msg("bob", 300, "latest with bob"),
		},
		"alice_carol": {
			"k1": msg("carol", 200, "hey"),
		},
		"bob_carol": {
			"k1": msg("bob", 999, "not alice's business"),
		},
	})

	previews, errs := ReconcileChatIndex("alice", snap)
	require.Empty(t, errs)
	require.Len(t, previews, 2)

	assert.Equal(t, "bob", previews[0].Peer)
	assert.Equal(t, "latest with bob", previews[0].LastMessage.Text)
	assert.Equal(t, int64(300), previews[0].LastActivityAt)
	assert.Equal(t, "k2", previews[0].LastMessage.Key)
	assert.Equal(t, "carol", previews[1].Peer)
}

func TestReconcileChatIndexDropsFullyTombstonedConversation(t *testing.T) {
	snap := snapshotOf(t, "messages", map[string]map[string]models.Message{
		"alice_bob": {
			"k1": tombstoned(msg("alice", 100, "hi")),
			"k2": tombstoned(msg("bob", 200, "yo")),
		},
		"alice_carol": {
			"k1": msg("carol", 50, "still here"),
		},
	})

	previews, errs := ReconcileChatIndex("alice", snap)
	require.Empty(t, errs)
	require.Len(t, previews, 1)
	assert.Equal(t, "carol", previews[0].Peer)
}

func TestReconcileChatIndexIsIdempotent(t *testing.T) {
	snap := snapshotOf(t, "messages", map[string]map[string]models.Message{
		"alice_bob":   {"k1": msg("alice", 100, "a"), "k2": msg("bob", 100, "b")},
		"alice_carol": {"k1": msg("carol", 100, "c")},
		"alice_dave":  {"k1": msg("dave", 50, "d")},
		"alice_alice": {"k1": msg("alice", 75, "note to self")},
	})

	first, _ := ReconcileChatIndex("alice", snap)
	second, _ := ReconcileChatIndex("alice", snap)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)

	// Equal activity falls back to peer order; equal timestamps inside a
	// conversation fall back to the store key.
	require.Len(t, first, 4)
	assert.Equal(t, []string{"bob", "carol", "alice", "dave"}, []string{first[0].Peer, first[1].Peer, first[2].Peer, first[3].Peer})
	assert.Equal(t, "k2", first[0].LastMessage.Key)
}

func TestReconcileChatIndexSelfChat(t *testing.T) {
	snap := snapshotOf(t, "messages", map[string]map[string]models.Message{
		"alice_alice": {"k1": msg("alice", 1, "memo")},
	})

	previews, errs := ReconcileChatIndex("alice", snap)
	require.Empty(t, errs)
	require.Len(t, previews, 1)
	assert.Equal(t, "alice", previews[0].Peer)
}

func TestReconcileChatIndexSkipsMalformedData(t *testing.T) {
	snap := replica.Snapshot{
		Path: "messages",
		Data: json.RawMessage(`{
			"alice": {"k1": {"sender":"alice","timestamp":1,"type":"text","text":"x"}},
			"bob_alice": {"k1": {"sender":"bob","timestamp":1,"type":"text","text":"x"}},
			"alice_bob": {
				"k1": {"sender":"bob","timestamp":5,"type":"text","text":"good"},
				"k2": {"sender":"bob","timestamp":"late","type":"text"}
			},
			"alice_carol": 7
		}`),
	}

	previews, errs := ReconcileChatIndex("alice", snap)
	require.Len(t, previews, 1)
	assert.Equal(t, "good", previews[0].LastMessage.Text)
	assert.Len(t, errs, 4)
	for _, err := range errs {
		var malformed *MalformedDataError
		assert.ErrorAs(t, err, &malformed)
	}
}

func TestReconcileChatIndexEmptyStore(t *testing.T) {
	previews, errs := ReconcileChatIndex("alice", replica.Snapshot{Path: "messages", Data: json.RawMessage("null")})
	assert.Empty(t, previews)
	assert.Empty(t, errs)
}

func TestWatchChatIndexFollowsStore(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	index, err := WatchChatIndex(ctx, ChatIndexOptions{Store: store, Self: "alice"})
	require.NoError(t, err)
	defer func() { require.NoError(t, index.Close()) }()

	_, err = store.Append(ctx, "messages/alice_bob", msg("bob", 10, "hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current := index.Current()
		return len(current) == 1 && current[0].Peer == "bob"
	}, 2*time.Second, 5*time.Millisecond)
}

package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/conversation"
)

func TestToggleTwiceRemovesReaction(t *testing.T) {
	message := msg("bob", 1, "hi")
	message.Reactions = map[string]string{"bob": "😂"}

	first := Toggle(message, "alice", "👍")
	assert.False(t, first.Remove)
	message.Reactions = first.Apply(message.Reactions)
	assert.Equal(t, "👍", message.Reactions["alice"])

	second := Toggle(message, "alice", "👍")
	assert.True(t, second.Remove)
	message.Reactions = second.Apply(message.Reactions)
	assert.NotContains(t, message.Reactions, "alice")
	assert.Equal(t, "😂", message.Reactions["bob"])
}

func TestToggleDifferentEmojiReplaces(t *testing.T) {
	message := msg("bob", 1, "hi")
	message.Reactions = map[string]string{"alice": "👍"}

	update := Toggle(message, "alice", "🔥")
	assert.Equal(t, map[string]any{"alice": "🔥"}, update.Fields())

	out := update.Apply(message.Reactions)
	assert.Equal(t, map[string]string{"alice": "🔥"}, out)
	assert.Equal(t, "👍", message.Reactions["alice"], "input map must not change")
}

func TestReactionUpdateFieldsForRemoval(t *testing.T) {
	update := ReactionUpdate{Actor: "alice", Emoji: "👍", Remove: true}
	assert.Equal(t, map[string]any{"alice": nil}, update.Fields())
	assert.Empty(t, update.Apply(nil))
}

func TestValidateEmoji(t *testing.T) {
	for _, emoji := range DefaultReactions {
		assert.NoError(t, ValidateEmoji(emoji), emoji)
	}

	var validation *ValidationError
	for _, bad := range []string{"", "a/b", "x.y", "\x00", string(make([]byte, 40))} {
		assert.ErrorAs(t, ValidateEmoji(bad), &validation, "%q", bad)
	}
}

func TestReactionAggregatorWritesOwnEntry(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	conv := conversation.DeriveKey("alice", "bob")
	key, err := store.Append(ctx, ConversationPath(conv.String()), msg("bob", 1, "hi"))
	require.NoError(t, err)
	ref := MessageRef{Conversation: conv, Key: key}

	aggregator, err := NewReactionAggregator(ReactionAggregatorOptions{Store: store})
	require.NoError(t, err)

	_, err = aggregator.Toggle(ctx, ref, msg("bob", 1, "hi"), "alice", "👍")
	require.NoError(t, err)
	_, err = aggregator.Toggle(ctx, ref, msg("bob", 1, "hi"), "bob", "❤️")
	require.NoError(t, err)

	snap, err := store.Get(ctx, ref.ReactionsPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"alice":"👍","bob":"❤️"}`, string(snap.Data))

	current := msg("bob", 1, "hi")
	current.Reactions = map[string]string{"alice": "👍", "bob": "❤️"}
	update, err := aggregator.Toggle(ctx, ref, current, "alice", "👍")
	require.NoError(t, err)
	assert.True(t, update.Remove)

	snap, err = store.Get(ctx, ref.ReactionsPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"bob":"❤️"}`, string(snap.Data))
}

func TestReactionAggregatorSurfacesStoreRejection(t *testing.T) {
	spy := &spyStore{Store: newLocalStore(t), failWith: errors.New("rejected")}
	aggregator, err := NewReactionAggregator(ReactionAggregatorOptions{Store: spy})
	require.NoError(t, err)

	_, err = aggregator.Toggle(context.Background(), MessageRef{Conversation: "alice_bob", Key: "k1"}, msg("bob", 1, "hi"), "alice", "👍")
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "messages/alice_bob/k1/reactions", syncErr.Path)
}

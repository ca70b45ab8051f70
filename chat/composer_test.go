package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/conversation"
	"pairchat/models"
	"pairchat/replica"
)

func newTestComposer(t *testing.T, store replica.Store) *MessageComposer {
	t.Helper()
	composer, err := NewMessageComposer(ComposerOptions{Store: store, Self: "alice", Now: fixedClock(1234)})
	require.NoError(t, err)
	return composer
}

func TestComposeEmptyTextIsRejectedWithoutAppend(t *testing.T) {
	spy := &spyStore{Store: newLocalStore(t)}
	composer := newTestComposer(t, spy)

	for _, body := range []string{"", "   \n\t"} {
		_, err := composer.Compose(models.KindText, body)
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.ErrorIs(t, err, ErrEmptyText)
	}

	appends, _, _ := spy.counts()
	assert.Zero(t, appends)
}

func TestComposeText(t *testing.T) {
	composer := newTestComposer(t, newLocalStore(t))

	got, err := composer.Compose(models.KindText, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, models.Message{
		Sender:    "alice",
		Text:      "hello",
		Timestamp: 1234,
		Kind:      models.KindText,
		Reactions: map[string]string{},
	}, got)
}

func TestComposeMedia(t *testing.T) {
	composer := newTestComposer(t, newLocalStore(t))

	got, err := composer.Compose(models.KindAudio, "media_01")
	require.NoError(t, err)
	assert.Equal(t, "media_01", got.MediaRef)
	assert.Empty(t, got.Text)

	_, err = composer.Compose(models.KindPhoto, "")
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = composer.Compose(models.MessageKind("sticker"), "x")
	assert.ErrorAs(t, err, &validation)
}

func TestSendAppendsToConversation(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	composer := newTestComposer(t, store)

	message, err := composer.Compose(models.KindText, "hi")
	require.NoError(t, err)
	conv := conversation.DeriveKey("bob", "alice")
	key, err := composer.Send(ctx, conv, message)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	snap, err := store.Get(ctx, "messages/alice_bob/"+key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"alice","text":"hi","timestamp":1234,"type":"text","deleted":false}`, string(snap.Data))
}

func TestSendFailureIsSyncError(t *testing.T) {
	spy := &spyStore{Store: newLocalStore(t), failWith: replica.ErrRecordTooLarge}
	composer := newTestComposer(t, spy)

	message, err := composer.Compose(models.KindText, "hi")
	require.NoError(t, err)

	_, err = composer.Send(context.Background(), "alice_bob", message)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.ErrorIs(t, err, replica.ErrRecordTooLarge)
	assert.Equal(t, "append", syncErr.Op)
}

func TestDeleteIsSenderOnly(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	composer := newTestComposer(t, store)

	conv := conversation.DeriveKey("alice", "bob")
	mine, err := store.Append(ctx, ConversationPath(conv.String()), msg("alice", 1, "mine"))
	require.NoError(t, err)
	theirs, err := store.Append(ctx, ConversationPath(conv.String()), msg("bob", 2, "theirs"))
	require.NoError(t, err)

	err = composer.Delete(ctx, MessageRef{Conversation: conv, Key: theirs}, msg("bob", 2, "theirs"))
	assert.ErrorIs(t, err, ErrNotMessageOwner)

	require.NoError(t, composer.Delete(ctx, MessageRef{Conversation: conv, Key: mine}, msg("alice", 1, "mine")))

	snap, err := store.Get(ctx, ConversationPath(conv.String())+"/"+mine+"/deleted")
	require.NoError(t, err)
	assert.JSONEq(t, "true", string(snap.Data))
}

func TestNewMessageComposerRequiresSignedInAccount(t *testing.T) {
	_, err := NewMessageComposer(ComposerOptions{Store: newLocalStore(t)})
	assert.True(t, errors.Is(err, ErrNotSignedIn))
}

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"pairchat/auth"
	"pairchat/chat"
	"pairchat/conversation"
	"pairchat/media"
	"pairchat/models"
	"pairchat/replica"
	"pairchat/storage"
)

type env struct {
	store *replica.Local
	auth  *auth.Service
	media *media.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	local := replica.NewLocal(db)
	t.Cleanup(func() { _ = local.Close() })

	authSvc, err := auth.NewService(auth.Options{Credentials: db, Store: local, Cost: bcrypt.MinCost})
	require.NoError(t, err)

	mediaSvc, err := media.NewService(media.Options{Repository: db, Dir: t.TempDir()})
	require.NoError(t, err)

	return &env{store: local, auth: authSvc, media: mediaSvc}
}

func (e *env) session(t *testing.T, listener Listener) *Session {
	t.Helper()
	s, err := New(Options{
		Store:    e.store,
		Auth:     e.auth,
		Media:    e.media,
		Listener: listener,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.OnSignOut(context.Background()) })
	return s
}

// events records listener callbacks.
type events struct {
	mu        sync.Mutex
	chats     [][]models.ChatPreview
	timelines []chat.Timeline
	modes     []chat.ViewMode
}

func (e *events) ChatListChanged(p []models.ChatPreview) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chats = append(e.chats, p)
}

func (e *events) TimelineChanged(tl chat.Timeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timelines = append(e.timelines, tl)
}

func (e *events) ViewModeChanged(m chat.ViewMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modes = append(e.modes, m)
}

func (e *events) lastTimeline() (chat.Timeline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.timelines) == 0 {
		return chat.Timeline{}, false
	}
	return e.timelines[len(e.timelines)-1], true
}

func (e *events) lastChats() []models.ChatPreview {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.chats) == 0 {
		return nil
	}
	return e.chats[len(e.chats)-1]
}

func (e *events) lastMode() (chat.ViewMode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.modes) == 0 {
		return 0, false
	}
	return e.modes[len(e.modes)-1], true
}

func account(t *testing.T, store replica.Store, id string) (models.Account, bool) {
	t.Helper()
	snap, err := store.Get(context.Background(), chat.AccountPath(id))
	require.NoError(t, err)
	if !snap.Exists() {
		return models.Account{}, false
	}
	var acc models.Account
	require.NoError(t, snap.Decode(&acc))
	return acc, true
}

type deniedRecorder struct{}

func (deniedRecorder) Record(context.Context, models.MessageKind) ([]byte, error) {
	return nil, media.ErrPermissionDenied
}

func TestRegisterSignsInAndGoesOnline(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, nil)

	require.NoError(t, s.Register(context.Background(), "  alice ", "pw"))

	self, ok := s.Self()
	require.True(t, ok)
	assert.Equal(t, "alice", self)

	acc, ok := account(t, e.store, "alice")
	require.True(t, ok)
	assert.True(t, acc.IsOnline)
}

func TestRegisterDuplicateIsAuthError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.session(t, nil).Register(ctx, "alice", "pw"))

	err := e.session(t, nil).Register(ctx, "alice", "other")
	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, string(auth.OutcomeAlreadyExists), authErr.Reason)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, nil)
	ctx := context.Background()

	var validation *chat.ValidationError
	require.ErrorAs(t, s.Register(ctx, "a.b", "pw"), &validation)
	assert.ErrorIs(t, validation, conversation.ErrInvalidIdentifier)

	require.ErrorAs(t, s.Register(ctx, "alice", "   "), &validation)
	assert.Equal(t, "secret", validation.Field)

	require.ErrorAs(t, s.Register(ctx, "alice", strings.Repeat("x", auth.MaxSecretBytes+1)), &validation)
	assert.Equal(t, "secret", validation.Field)
	assert.ErrorIs(t, validation, auth.ErrSecretTooLong)
}

func TestSignInWrongSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.session(t, nil).Register(ctx, "alice", "pw"))

	s := e.session(t, nil)
	var authErr *chat.AuthError
	require.ErrorAs(t, s.SignIn(ctx, "alice", "wrong"), &authErr)
	assert.Equal(t, string(auth.OutcomeInvalidCredentials), authErr.Reason)
	_, ok := s.Self()
	assert.False(t, ok)

	require.NoError(t, s.SignIn(ctx, "alice", "pw"))
}

func TestActionsRequireSessionAndConversation(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, nil)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, models.KindText, "hi")
	assert.ErrorIs(t, err, chat.ErrNotSignedIn)
	assert.ErrorIs(t, s.OpenConversation(ctx, "bob"), chat.ErrNotSignedIn)
	_, err = s.SearchDirectory(ctx, "b")
	assert.ErrorIs(t, err, chat.ErrNotSignedIn)

	require.NoError(t, s.Register(ctx, "alice", "pw"))
	_, err = s.SendMessage(ctx, models.KindText, "hi")
	assert.ErrorIs(t, err, chat.ErrNoConversation)
	assert.ErrorIs(t, s.CloseConversation(), chat.ErrNoConversation)
}

func TestSendMessageUpdatesTimelineAndChatList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ev events
	s := e.session(t, &ev)

	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	key, err := s.SendMessage(ctx, models.KindText, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	require.Eventually(t, func() bool {
		tl, ok := ev.lastTimeline()
		if !ok {
			return false
		}
		msg, found := tl.Lookup(key)
		return found && msg.Text == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		chats := ev.lastChats()
		return len(chats) == 1 && chats[0].Peer == "bob" && chats[0].LastMessage.Key == key
	}, 2*time.Second, 5*time.Millisecond)

	mode, ok := ev.lastMode()
	require.True(t, ok)
	assert.Equal(t, chat.ViewConversation, mode)

	require.NoError(t, s.CloseConversation())
	mode, _ = ev.lastMode()
	assert.Equal(t, chat.ViewList, mode)
}

func TestSwitchingConversationSilencesPrevious(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ev events
	s := e.session(t, &ev)

	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))
	_, err := s.SendMessage(ctx, models.KindText, "to bob")
	require.NoError(t, err)

	require.NoError(t, s.OpenConversation(ctx, "carol"))
	ev.mu.Lock()
	seen := len(ev.timelines)
	ev.mu.Unlock()

	_, err = e.store.Append(ctx, chat.ConversationPath("alice_bob"), models.Message{
		Sender: "bob", Timestamp: time.Now().UnixMilli(), Kind: models.KindText, Text: "late",
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, tl := range ev.timelines[seen:] {
		assert.Equal(t, conversation.Key("alice_carol"), tl.Conversation)
	}
}

func TestNoChatListAfterSignOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ev events
	s := e.session(t, &ev)

	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.chats) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.OnSignOut(ctx))
	ev.mu.Lock()
	seen := len(ev.chats)
	ev.mu.Unlock()

	_, err := e.store.Append(ctx, chat.ConversationPath("alice_bob"), models.Message{
		Sender: "bob", Timestamp: 1, Kind: models.KindText, Text: "hi",
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Len(t, ev.chats, seen)
}

func TestEmptyTextIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	key, err := s.SendMessage(ctx, models.KindText, "   ")
	require.NoError(t, err)
	assert.Empty(t, key)

	snap, err := e.store.Get(ctx, chat.ConversationPath(conversation.DeriveKey("alice", "bob").String()))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestToggleReactionTwiceRemovesIt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	key, err := s.SendMessage(ctx, models.KindText, "react to me")
	require.NoError(t, err)
	ref := chat.MessageRef{Conversation: conversation.DeriveKey("alice", "bob"), Key: key}

	update, err := s.ToggleReaction(ctx, ref, "🔥")
	require.NoError(t, err)
	assert.False(t, update.Remove)

	snap, err := e.store.Get(ctx, ref.ReactionsPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"alice":"🔥"}`, string(snap.Data))

	update, err = s.ToggleReaction(ctx, ref, "🔥")
	require.NoError(t, err)
	assert.True(t, update.Remove)

	snap, err = e.store.Get(ctx, ref.ReactionsPath())
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	alice := e.session(t, nil)
	require.NoError(t, alice.Register(ctx, "alice", "pw"))
	require.NoError(t, alice.OpenConversation(ctx, "bob"))
	key, err := alice.SendMessage(ctx, models.KindText, "mine")
	require.NoError(t, err)
	ref := chat.MessageRef{Conversation: conversation.DeriveKey("alice", "bob"), Key: key}

	bob := e.session(t, nil)
	require.NoError(t, bob.Register(ctx, "bob", "pw"))
	assert.ErrorIs(t, bob.DeleteMessage(ctx, ref), chat.ErrNotMessageOwner)

	require.NoError(t, alice.DeleteMessage(ctx, ref))
	snap, err := e.store.Get(ctx, ref.Path())
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, snap.Decode(&msg))
	assert.True(t, msg.Deleted)
	assert.Equal(t, "mine", msg.Text)

	missing := chat.MessageRef{Conversation: ref.Conversation, Key: "nope"}
	assert.ErrorIs(t, alice.DeleteMessage(ctx, missing), chat.ErrMessageNotFound)
}

func TestSendMediaErrorsAreTyped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	_, err := s.SendMedia(ctx, models.KindPhoto, nil)
	var validation *chat.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ErrorIs(t, err, media.ErrEmpty)

	_, err = s.CaptureMedia(ctx, deniedRecorder{}, models.KindAudio)
	var permission *chat.PermissionError
	require.ErrorAs(t, err, &permission)
	assert.Equal(t, "microphone", permission.Device)
}

func TestSendMediaPhoto(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	blob := append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\x0dIHDRpixels")...)
	key, err := s.SendMedia(ctx, models.KindPhoto, blob)
	require.NoError(t, err)

	ref := chat.MessageRef{Conversation: conversation.DeriveKey("alice", "bob"), Key: key}
	snap, err := e.store.Get(ctx, ref.Path())
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, snap.Decode(&msg))
	assert.Equal(t, models.KindPhoto, msg.Kind)
	assert.Contains(t, msg.MediaRef, media.RefPrefix)
}

func TestSearchDirectoryExcludesSelf(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"albert", "bob"} {
		require.NoError(t, e.session(t, nil).Register(ctx, id, "pw"))
	}

	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))

	found, err := s.SearchDirectory(ctx, "al")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "albert", found[0].Identifier)
}

func TestSignOutGoesOfflineAndClosesConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ev events
	s := e.session(t, &ev)
	require.NoError(t, s.Register(ctx, "alice", "pw"))
	require.NoError(t, s.OpenConversation(ctx, "bob"))

	require.NoError(t, s.OnSignOut(ctx))

	_, ok := s.Self()
	assert.False(t, ok)
	_, ok = s.Timeline()
	assert.False(t, ok)
	mode, _ := ev.lastMode()
	assert.Equal(t, chat.ViewList, mode)

	acc, ok := account(t, e.store, "alice")
	require.True(t, ok)
	assert.False(t, acc.IsOnline)

	require.NoError(t, s.OnSignOut(ctx))
}

func TestChangeSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "old"))

	var authErr *chat.AuthError
	require.ErrorAs(t, s.ChangeSecret(ctx, "wrong", "new"), &authErr)
	require.NoError(t, s.ChangeSecret(ctx, "old", "new"))

	require.NoError(t, s.OnSignOut(ctx))
	require.Error(t, s.SignIn(ctx, "alice", "old"))
	require.NoError(t, s.SignIn(ctx, "alice", "new"))
}

func TestDeleteAccountNeedsConfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.session(t, nil)
	require.NoError(t, s.Register(ctx, "alice", "pw"))

	var validation *chat.ValidationError
	require.ErrorAs(t, s.DeleteAccount(ctx, "alicia", "pw"), &validation)
	assert.Equal(t, "confirmation", validation.Field)

	var authErr *chat.AuthError
	require.ErrorAs(t, s.DeleteAccount(ctx, "alice", "wrong"), &authErr)
	_, ok := s.Self()
	require.True(t, ok)

	require.NoError(t, s.DeleteAccount(ctx, "alice", "pw"))
	_, ok = s.Self()
	assert.False(t, ok)
	_, ok = account(t, e.store, "alice")
	assert.False(t, ok)

	err := s.SignIn(ctx, "alice", "pw")
	require.True(t, errors.As(err, &authErr))
}

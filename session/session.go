// Package session is the surface presentation code drives: sign-in state,
// the open conversation and every user action.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/chat"
	"pairchat/conversation"
	"pairchat/media"
	"pairchat/models"
	"pairchat/replica"
)

// Listener receives derived state. Calls arrive on store goroutines.
type Listener interface {
	ChatListChanged(previews []models.ChatPreview)
	TimelineChanged(timeline chat.Timeline)
	ViewModeChanged(mode chat.ViewMode)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) ChatListChanged([]models.ChatPreview) {}
func (NopListener) TimelineChanged(chat.Timeline)        {}
func (NopListener) ViewModeChanged(chat.ViewMode)        {}

// MediaService stores blobs and returns references.
type MediaService interface {
	Ingest(ctx context.Context, kind models.MessageKind, blob []byte, uploader string) (string, error)
	Capture(ctx context.Context, rec media.Recorder, kind models.MessageKind, uploader string) (string, error)
}

// Options configures a Session.
type Options struct {
	Store    replica.Store
	Auth     auth.Authenticator
	Media    MediaService
	Listener Listener

	Now                 func() time.Time
	PresenceStopTimeout time.Duration
	Logger              zerolog.Logger
}

// Session holds the per-account components between sign-in and sign-out.
type Session struct {
	options Options
	log     zerolog.Logger

	mu        sync.Mutex
	self      string
	presence  *chat.PresenceTracker
	index     *chat.ChatIndex
	timeline  *chat.TimelineSync
	composer  *chat.MessageComposer
	reactions *chat.ReactionAggregator
	directory *chat.DirectorySearch
}

// New validates options.
func New(options Options) (*Session, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Auth == nil {
		return nil, errors.New("auth is required")
	}
	if options.Listener == nil {
		options.Listener = NopListener{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	presence, err := chat.NewPresenceTracker(chat.PresenceOptions{
		Store:       options.Store,
		Now:         options.Now,
		StopTimeout: options.PresenceStopTimeout,
		Logger:      options.Logger,
	})
	if err != nil {
		return nil, err
	}
	reactions, err := chat.NewReactionAggregator(chat.ReactionAggregatorOptions{
		Store:  options.Store,
		Logger: options.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		options:   options,
		log:       options.Logger.With().Str("component", "session").Logger(),
		presence:  presence,
		reactions: reactions,
	}, nil
}

// Register creates an account and signs in as it.
func (s *Session) Register(ctx context.Context, identifier, secret string) error {
	identifier = strings.TrimSpace(identifier)
	if secret == "" || strings.TrimSpace(secret) == "" {
		return &chat.ValidationError{Field: "secret", Err: auth.ErrEmptySecret}
	}

	outcome, err := s.options.Auth.Register(ctx, identifier, secret)
	if err != nil {
		return authFailure(identifier, err)
	}
	if outcome != auth.OutcomeAuthenticated {
		return &chat.AuthError{Identifier: identifier, Reason: string(outcome)}
	}
	return s.OnSignIn(ctx, identifier)
}

// SignIn verifies credentials and starts the session.
func (s *Session) SignIn(ctx context.Context, identifier, secret string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return &chat.ValidationError{Field: "credentials", Err: errors.New("identifier and secret are required")}
	}

	outcome, err := s.options.Auth.Authenticate(ctx, identifier, secret)
	if err != nil {
		return authFailure(identifier, err)
	}
	if outcome != auth.OutcomeAuthenticated {
		return &chat.AuthError{Identifier: identifier, Reason: string(outcome)}
	}
	return s.OnSignIn(ctx, identifier)
}

// OnSignIn binds the session to identifier: presence goes online and the
// chat list starts following the store. A previous session is ended first.
func (s *Session) OnSignIn(ctx context.Context, identifier string) error {
	if current, ok := s.Self(); ok {
		if current == identifier {
			return nil
		}
		if err := s.OnSignOut(ctx); err != nil {
			s.log.Warn().Err(err).Msg("ending previous session")
		}
	}

	composer, err := chat.NewMessageComposer(chat.ComposerOptions{
		Store:  s.options.Store,
		Self:   identifier,
		Now:    s.options.Now,
		Logger: s.options.Logger,
	})
	if err != nil {
		return err
	}
	directory, err := chat.NewDirectorySearch(chat.DirectoryOptions{
		Store:  s.options.Store,
		Self:   identifier,
		Logger: s.options.Logger,
	})
	if err != nil {
		return err
	}
	index, err := chat.WatchChatIndex(ctx, chat.ChatIndexOptions{
		Store:    s.options.Store,
		Self:     identifier,
		OnChange: s.options.Listener.ChatListChanged,
		Logger:   s.options.Logger,
	})
	if err != nil {
		return err
	}

	if err := s.presence.Start(ctx, identifier); err != nil {
		s.log.Warn().Err(err).Str("identifier", identifier).Msg("presence start failed")
	}

	s.mu.Lock()
	s.self = identifier
	s.composer = composer
	s.directory = directory
	s.index = index
	s.mu.Unlock()

	s.log.Info().Str("identifier", identifier).Msg("signed in")
	return nil
}

// OnSignOut ends the session. It always completes locally: the open
// conversation and the chat list are unsubscribed and presence goes
// offline on a best-effort basis. Unsubscribe failures are returned after
// local state is cleared.
func (s *Session) OnSignOut(ctx context.Context) error {
	s.mu.Lock()
	self := s.self
	timeline := s.timeline
	index := s.index
	s.self = ""
	s.timeline = nil
	s.index = nil
	s.composer = nil
	s.directory = nil
	s.mu.Unlock()

	if self == "" {
		return nil
	}

	var errs []error
	if timeline != nil {
		if err := timeline.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if index != nil {
		if err := index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.presence.Stop(ctx)

	s.log.Info().Str("identifier", self).Msg("signed out")
	return errors.Join(errs...)
}

// Self returns the signed-in identifier.
func (s *Session) Self() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self, s.self != ""
}

// ChatList returns the latest chat list.
func (s *Session) ChatList() []models.ChatPreview {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	if index == nil {
		return nil
	}
	return index.Current()
}

// OpenConversation switches the open conversation to peer. The previous
// conversation is closed first, so its callbacks have stopped before the
// new one is subscribed.
func (s *Session) OpenConversation(ctx context.Context, peer string) error {
	s.mu.Lock()
	self := s.self
	previous := s.timeline
	if self == "" {
		s.mu.Unlock()
		return chat.ErrNotSignedIn
	}
	if previous != nil && previous.Peer() == peer {
		s.mu.Unlock()
		return nil
	}
	s.timeline = nil
	s.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing previous conversation")
		}
	}

	timeline, err := chat.OpenTimeline(ctx, chat.TimelineSyncOptions{
		Store: s.options.Store,
		Self:  self,
		Peer:  peer,
		Handlers: chat.TimelineHandlers{
			OnTimeline: s.options.Listener.TimelineChanged,
			OnViewMode: s.options.Listener.ViewModeChanged,
		},
		Logger: s.options.Logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.self != self {
		s.mu.Unlock()
		_ = timeline.Close()
		return chat.ErrNotSignedIn
	}
	replaced := s.timeline
	s.timeline = timeline
	s.mu.Unlock()

	if replaced != nil {
		if err := replaced.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing concurrently opened conversation")
		}
	}
	return nil
}

// CloseConversation returns to the chat list.
func (s *Session) CloseConversation() error {
	s.mu.Lock()
	timeline := s.timeline
	s.timeline = nil
	s.mu.Unlock()

	if timeline == nil {
		return chat.ErrNoConversation
	}
	return timeline.Close()
}

// Timeline returns the open conversation's latest timeline.
func (s *Session) Timeline() (chat.Timeline, bool) {
	s.mu.Lock()
	timeline := s.timeline
	s.mu.Unlock()
	if timeline == nil {
		return chat.Timeline{}, false
	}
	return timeline.Current(), true
}

// SendMessage composes and sends a message to the open conversation. For
// media kinds payload is a reference from the media service. A blank text
// message is dropped without error and returns an empty key.
func (s *Session) SendMessage(ctx context.Context, kind models.MessageKind, payload string) (string, error) {
	composer, timeline, err := s.openConversation()
	if err != nil {
		return "", err
	}

	msg, err := composer.Compose(kind, payload)
	if errors.Is(err, chat.ErrEmptyText) {
		s.log.Debug().Msg("ignoring empty text message")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return composer.Send(ctx, timeline.Key(), msg)
}

// SendMedia stores blob with the media service, then sends a message
// referencing it.
func (s *Session) SendMedia(ctx context.Context, kind models.MessageKind, blob []byte) (string, error) {
	if s.options.Media == nil {
		return "", errors.New("media service is not configured")
	}
	self, ok := s.Self()
	if !ok {
		return "", chat.ErrNotSignedIn
	}
	if _, _, err := s.openConversation(); err != nil {
		return "", err
	}

	ref, err := s.options.Media.Ingest(ctx, kind, blob, self)
	if err != nil {
		return "", mediaFailure(kind, err)
	}
	return s.SendMessage(ctx, kind, ref)
}

// CaptureMedia records with rec and sends the result.
func (s *Session) CaptureMedia(ctx context.Context, rec media.Recorder, kind models.MessageKind) (string, error) {
	if s.options.Media == nil {
		return "", errors.New("media service is not configured")
	}
	self, ok := s.Self()
	if !ok {
		return "", chat.ErrNotSignedIn
	}
	if _, _, err := s.openConversation(); err != nil {
		return "", err
	}

	ref, err := s.options.Media.Capture(ctx, rec, kind, self)
	if err != nil {
		return "", mediaFailure(kind, err)
	}
	return s.SendMessage(ctx, kind, ref)
}

// ToggleReaction toggles the signed-in account's emoji on a message.
func (s *Session) ToggleReaction(ctx context.Context, ref chat.MessageRef, emoji string) (chat.ReactionUpdate, error) {
	self, ok := s.Self()
	if !ok {
		return chat.ReactionUpdate{}, chat.ErrNotSignedIn
	}
	msg, err := s.lookupMessage(ctx, ref)
	if err != nil {
		return chat.ReactionUpdate{}, err
	}
	return s.reactions.Toggle(ctx, ref, msg, self, emoji)
}

// DeleteMessage tombstones a message the signed-in account sent.
func (s *Session) DeleteMessage(ctx context.Context, ref chat.MessageRef) error {
	s.mu.Lock()
	composer := s.composer
	s.mu.Unlock()
	if composer == nil {
		return chat.ErrNotSignedIn
	}

	msg, err := s.lookupMessage(ctx, ref)
	if err != nil {
		return err
	}
	return composer.Delete(ctx, ref, msg)
}

// SearchDirectory finds other accounts by identifier prefix.
func (s *Session) SearchDirectory(ctx context.Context, prefix string) ([]models.Account, error) {
	s.mu.Lock()
	directory := s.directory
	s.mu.Unlock()
	if directory == nil {
		return nil, chat.ErrNotSignedIn
	}
	return directory.Search(ctx, prefix)
}

// ChangeSecret replaces the signed-in account's secret.
func (s *Session) ChangeSecret(ctx context.Context, oldSecret, newSecret string) error {
	self, ok := s.Self()
	if !ok {
		return chat.ErrNotSignedIn
	}
	if oldSecret == "" || newSecret == "" {
		return &chat.ValidationError{Field: "secret", Err: auth.ErrEmptySecret}
	}

	outcome, err := s.options.Auth.ChangeSecret(ctx, self, oldSecret, newSecret)
	if err != nil {
		return authFailure(self, err)
	}
	if outcome != auth.OutcomeAuthenticated {
		return &chat.AuthError{Identifier: self, Reason: string(outcome)}
	}
	return nil
}

// DeleteAccount removes the signed-in account and signs out. confirmation
// must repeat the identifier. Sent messages remain in conversations.
func (s *Session) DeleteAccount(ctx context.Context, confirmation, secret string) error {
	self, ok := s.Self()
	if !ok {
		return chat.ErrNotSignedIn
	}
	if confirmation != self {
		return &chat.ValidationError{Field: "confirmation", Err: errors.New("type the account identifier to confirm")}
	}

	outcome, err := s.options.Auth.Authenticate(ctx, self, secret)
	if err != nil {
		return authFailure(self, err)
	}
	if outcome != auth.OutcomeAuthenticated {
		return &chat.AuthError{Identifier: self, Reason: string(outcome)}
	}

	// Going offline first keeps the presence write from recreating the
	// record after it is removed.
	s.presence.Stop(ctx)

	outcome, err = s.options.Auth.DeleteAccount(ctx, self, secret)
	if err != nil {
		return authFailure(self, err)
	}
	if outcome != auth.OutcomeAuthenticated {
		return &chat.AuthError{Identifier: self, Reason: string(outcome)}
	}
	return s.OnSignOut(ctx)
}

func (s *Session) openConversation() (*chat.MessageComposer, *chat.TimelineSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == "" {
		return nil, nil, chat.ErrNotSignedIn
	}
	if s.timeline == nil {
		return nil, nil, chat.ErrNoConversation
	}
	return s.composer, s.timeline, nil
}

// lookupMessage prefers the open timeline and falls back to a store read.
func (s *Session) lookupMessage(ctx context.Context, ref chat.MessageRef) (models.Message, error) {
	s.mu.Lock()
	timeline := s.timeline
	s.mu.Unlock()

	if timeline != nil && timeline.Key() == ref.Conversation {
		if msg, ok := timeline.Current().Lookup(ref.Key); ok {
			return msg, nil
		}
	}

	path := ref.Path()
	snap, err := s.options.Store.Get(ctx, path)
	if err != nil {
		return models.Message{}, &chat.SyncError{Op: "get", Path: path, Err: err}
	}
	if !snap.Exists() {
		return models.Message{}, fmt.Errorf("%w: %s", chat.ErrMessageNotFound, path)
	}
	var msg models.Message
	if err := snap.Decode(&msg); err != nil {
		return models.Message{}, &chat.MalformedDataError{Path: path, Reason: "undecodable message", Err: err}
	}
	msg.Key = ref.Key
	return msg, nil
}

func authFailure(identifier string, err error) error {
	var validation *chat.ValidationError
	switch {
	case errors.As(err, &validation):
		return err
	case errors.Is(err, auth.ErrEmptySecret), errors.Is(err, auth.ErrSecretTooLong):
		return &chat.ValidationError{Field: "secret", Err: err}
	case errors.Is(err, conversation.ErrInvalidIdentifier):
		return &chat.ValidationError{Field: "identifier", Err: err}
	default:
		return &chat.AuthError{Identifier: identifier, Reason: "unavailable", Err: err}
	}
}

func mediaFailure(kind models.MessageKind, err error) error {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return &chat.PermissionError{Device: deviceFor(kind), Err: err}
	case errors.Is(err, media.ErrEmpty),
		errors.Is(err, media.ErrTooLarge),
		errors.Is(err, media.ErrRecordingTooShort),
		errors.Is(err, media.ErrUnsupportedType):
		return &chat.ValidationError{Field: "media", Err: err}
	default:
		return fmt.Errorf("store media: %w", err)
	}
}

func deviceFor(kind models.MessageKind) string {
	if kind == models.KindAudio {
		return "microphone"
	}
	return "camera"
}

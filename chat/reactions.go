package chat

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"pairchat/conversation"
	"pairchat/models"
	"pairchat/replica"
)

// maxEmojiBytes bounds a reaction value.
const maxEmojiBytes = 32

// DefaultReactions is the quick-reaction palette offered to users.
var DefaultReactions = []string{"👍", "❤️", "😂", "😮", "😢", "🔥"}

// MessageRef addresses one message in one conversation.
type MessageRef struct {
	Conversation conversation.Key
	Key          string
}

// Path returns the message record path.
func (r MessageRef) Path() string {
	return replica.Join(ConversationPath(r.Conversation.String()), r.Key)
}

// ReactionsPath returns the path of the message's reaction map.
func (r MessageRef) ReactionsPath() string {
	return replica.Join(r.Path(), "reactions")
}

// ReactionUpdate is the single-entry write a toggle produces.
type ReactionUpdate struct {
	Actor  string
	Emoji  string
	Remove bool
}

// Toggle removes actor's reaction when it already equals emoji and sets it
// otherwise.
func Toggle(msg models.Message, actor, emoji string) ReactionUpdate {
	if current, ok := msg.Reactions[actor]; ok && current == emoji {
		return ReactionUpdate{Actor: actor, Emoji: emoji, Remove: true}
	}
	return ReactionUpdate{Actor: actor, Emoji: emoji}
}

// Fields returns the store update: {actor: nil} removes, {actor: emoji} sets.
func (u ReactionUpdate) Fields() map[string]any {
	if u.Remove {
		return map[string]any{u.Actor: nil}
	}
	return map[string]any{u.Actor: u.Emoji}
}

// Apply returns reactions with the update applied. The input is not modified.
func (u ReactionUpdate) Apply(reactions map[string]string) map[string]string {
	out := maps.Clone(reactions)
	if out == nil {
		out = make(map[string]string)
	}
	if u.Remove {
		delete(out, u.Actor)
	} else {
		out[u.Actor] = u.Emoji
	}
	return out
}

// ValidateEmoji checks a reaction value.
func ValidateEmoji(emoji string) error {
	switch {
	case emoji == "":
		return &ValidationError{Field: "emoji", Err: errors.New("empty")}
	case len(emoji) > maxEmojiBytes:
		return &ValidationError{Field: "emoji", Err: fmt.Errorf("longer than %d bytes", maxEmojiBytes)}
	case strings.ContainsAny(emoji, "/.$#[]"):
		return &ValidationError{Field: "emoji", Err: errors.New("contains a reserved character")}
	case strings.IndexFunc(emoji, unicode.IsControl) >= 0:
		return &ValidationError{Field: "emoji", Err: errors.New("contains a control character")}
	}
	return nil
}

// ReactionAggregatorOptions configures a ReactionAggregator.
type ReactionAggregatorOptions struct {
	Store  replica.Store
	Logger zerolog.Logger
}

// ReactionAggregator writes reaction toggles. Each actor only ever writes
// their own entry, so toggles from different actors never conflict.
type ReactionAggregator struct {
	store  replica.Store
	logger zerolog.Logger
}

// NewReactionAggregator validates options.
func NewReactionAggregator(options ReactionAggregatorOptions) (*ReactionAggregator, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	return &ReactionAggregator{
		store:  options.Store,
		logger: options.Logger.With().Str("component", "reactions").Logger(),
	}, nil
}

// Toggle computes the update for actor against msg and writes it.
func (a *ReactionAggregator) Toggle(ctx context.Context, ref MessageRef, msg models.Message, actor, emoji string) (ReactionUpdate, error) {
	if err := conversation.ValidateIdentifier(actor); err != nil {
		return ReactionUpdate{}, &ValidationError{Field: "actor", Err: err}
	}
	if err := ValidateEmoji(emoji); err != nil {
		return ReactionUpdate{}, err
	}
	if ref.Key == "" {
		return ReactionUpdate{}, &ValidationError{Field: "message", Err: ErrMessageNotFound}
	}

	update := Toggle(msg, actor, emoji)
	path := ref.ReactionsPath()
	if err := a.store.Update(ctx, path, update.Fields()); err != nil {
		return ReactionUpdate{}, syncError("update", path, err)
	}

	a.logger.Debug().
		Str("message", ref.Key).
		Str("actor", actor).
		Bool("removed", update.Remove).
		Msg("reaction toggled")
	return update, nil
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pairchat/conversation"
	"pairchat/models"
	"pairchat/replica"
)

// ComposerOptions configures a MessageComposer.
type ComposerOptions struct {
	Store  replica.Store
	Self   string
	Now    func() time.Time
	Logger zerolog.Logger
}

// MessageComposer builds outgoing messages for the signed-in account and
// appends them to the store. It never inserts locally: a sent message shows
// up once the next snapshot arrives.
type MessageComposer struct {
	options ComposerOptions
	logger  zerolog.Logger
}

// NewMessageComposer validates options.
func NewMessageComposer(options ComposerOptions) (*MessageComposer, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Self == "" {
		return nil, ErrNotSignedIn
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &MessageComposer{
		options: options,
		logger:  options.Logger.With().Str("component", "composer").Logger(),
	}, nil
}

// Compose validates payload for kind and builds the record. For text the
// payload is the body, trimmed; for media kinds it is the media reference.
func (c *MessageComposer) Compose(kind models.MessageKind, payload string) (models.Message, error) {
	if !kind.Valid() {
		return models.Message{}, &ValidationError{Field: "type", Err: fmt.Errorf("unknown message type %q", kind)}
	}

	msg := models.Message{
		Sender:    c.options.Self,
		Timestamp: c.options.Now().UnixMilli(),
		Kind:      kind,
		Reactions: map[string]string{},
	}
	if kind.RequiresMedia() {
		ref := strings.TrimSpace(payload)
		if ref == "" {
			return models.Message{}, &ValidationError{Field: "mediaRef", Err: errors.New("media reference is required")}
		}
		msg.MediaRef = ref
		return msg, nil
	}

	body := strings.TrimSpace(payload)
	if body == "" {
		return models.Message{}, &ValidationError{Field: "text", Err: ErrEmptyText}
	}
	msg.Text = body
	return msg, nil
}

// Send appends msg to the conversation and returns the store key.
func (c *MessageComposer) Send(ctx context.Context, conv conversation.Key, msg models.Message) (string, error) {
	if _, _, err := conversation.Split(conv); err != nil {
		return "", &ValidationError{Field: "conversation", Err: err}
	}
	if err := validate.Struct(msg); err != nil {
		return "", &ValidationError{Field: "message", Err: err}
	}

	path := ConversationPath(conv.String())
	key, err := c.options.Store.Append(ctx, path, msg)
	if err != nil {
		return "", syncError("append", path, err)
	}

	c.logger.Debug().
		Str("conversation", conv.String()).
		Str("key", key).
		Str("type", string(msg.Kind)).
		Msg("message sent")
	return key, nil
}

// Delete tombstones msg. Only its sender may do so, and it cannot be undone.
func (c *MessageComposer) Delete(ctx context.Context, ref MessageRef, msg models.Message) error {
	if msg.Sender != c.options.Self {
		return &ValidationError{Field: "sender", Err: ErrNotMessageOwner}
	}
	if ref.Key == "" {
		return &ValidationError{Field: "message", Err: ErrMessageNotFound}
	}
	if msg.Deleted {
		return nil
	}

	path := ref.Path()
	if err := c.options.Store.Update(ctx, path, map[string]any{"deleted": true}); err != nil {
		return syncError("update", path, err)
	}

	c.logger.Debug().Str("conversation", ref.Conversation.String()).Str("key", ref.Key).Msg("message deleted")
	return nil
}

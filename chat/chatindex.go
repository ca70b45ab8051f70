package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"pairchat/conversation"
	"pairchat/metrics"
	"pairchat/models"
	"pairchat/replica"
)

// ReconcileChatIndex derives self's chat list from a snapshot of the whole
// messages tree. Each peer gets one preview holding the latest live
// message; conversations with no live message are omitted. The result is
// sorted by LastActivityAt descending, then peer ascending, so identical
// snapshots always produce identical output. Malformed keys and records are
// skipped and returned as errors.
func ReconcileChatIndex(self string, snap replica.Snapshot) ([]models.ChatPreview, []error) {
	root := snap.Path
	if root == "" {
		root = messagesRoot
	}

	conversations, err := snap.Children()
	if err != nil {
		return nil, []error{&MalformedDataError{Path: root, Reason: "messages tree is not an object", Err: err}}
	}

	var (
		previews = make([]models.ChatPreview, 0, len(conversations))
		errs     []error
	)
	for _, rawKey := range sortedKeys(conversations) {
		path := replica.Join(root, rawKey)
		key := conversation.Key(rawKey)

		a, b, err := conversation.Split(key)
		if err != nil {
			errs = append(errs, &MalformedDataError{Path: path, Reason: "bad conversation key", Err: err})
			continue
		}
		if conversation.DeriveKey(a, b) != key {
			errs = append(errs, &MalformedDataError{Path: path, Reason: "conversation key is not canonical"})
			continue
		}
		peer, ok := conversation.PeerOf(key, self)
		if !ok {
			continue
		}

		messages, msgErrs := decodeConversation(path, conversations[rawKey])
		errs = append(errs, msgErrs...)

		latest, found := latestLive(messages)
		if !found {
			continue
		}
		previews = append(previews, models.ChatPreview{
			Peer:           peer,
			LastMessage:    latest,
			LastActivityAt: latest.Timestamp,
		})
	}

	slices.SortFunc(previews, func(x, y models.ChatPreview) int {
		if c := cmp.Compare(y.LastActivityAt, x.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(x.Peer, y.Peer)
	})
	return previews, errs
}

func latestLive(messages []models.Message) (models.Message, bool) {
	var (
		latest models.Message
		found  bool
	)
	for _, msg := range messages {
		if msg.Deleted {
			continue
		}
		if !found || compareMessages(msg, latest) > 0 {
			latest = msg
			found = true
		}
	}
	return latest, found
}

// ChatIndexOptions configures a live chat list binding.
type ChatIndexOptions struct {
	Store    replica.Store
	Self     string
	OnChange func([]models.ChatPreview)
	Logger   zerolog.Logger
}

// ChatIndex keeps self's chat list in step with the messages tree.
type ChatIndex struct {
	options ChatIndexOptions
	logger  zerolog.Logger

	mu      sync.RWMutex
	current []models.ChatPreview

	closeOnce sync.Once
	sub       replica.Subscription
}

// WatchChatIndex subscribes to the messages tree for self.
func WatchChatIndex(ctx context.Context, options ChatIndexOptions) (*ChatIndex, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Self == "" {
		return nil, ErrNotSignedIn
	}

	index := &ChatIndex{
		options: options,
		logger:  options.Logger.With().Str("component", "chat_index").Str("self", options.Self).Logger(),
	}
	sub, err := options.Store.Subscribe(ctx, messagesRoot, index.apply)
	if err != nil {
		return nil, syncError("subscribe", messagesRoot, err)
	}
	index.sub = sub
	return index, nil
}

func (c *ChatIndex) apply(snap replica.Snapshot) {
	previews, errs := ReconcileChatIndex(c.options.Self, snap)
	for _, err := range errs {
		c.logger.Warn().Err(err).Msg("skipping malformed record")
	}
	metrics.RecordSnapshot("chat_index", len(errs))

	c.mu.Lock()
	c.current = previews
	c.mu.Unlock()

	if c.options.OnChange != nil {
		c.options.OnChange(slices.Clone(previews))
	}
}

// Current returns a copy of the latest chat list.
func (c *ChatIndex) Current() []models.ChatPreview {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.current)
}

// Close unsubscribes. Later calls are no-ops.
func (c *ChatIndex) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if unsubErr := c.sub.Unsubscribe(); unsubErr != nil {
			err = fmt.Errorf("close chat index: %w", unsubErr)
		}
	})
	return err
}

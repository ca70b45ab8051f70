package chat

import (
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"pairchat/conversation"
	"pairchat/metrics"
	"pairchat/models"
	"pairchat/replica"
)

// ViewMode is the presentation mode a timeline binding signals.
type ViewMode int

const (
	// ViewList shows the chat list.
	ViewList ViewMode = iota
	// ViewConversation shows one open conversation.
	ViewConversation
)

func (m ViewMode) String() string {
	switch m {
	case ViewConversation:
		return "conversation"
	default:
		return "list"
	}
}

// Timeline is the ordered content of one conversation snapshot. It is
// immutable once built.
type Timeline struct {
	Conversation conversation.Key
	messages     []models.Message
}

// BuildTimeline sorts every message in snap by (timestamp, key). Tombstoned
// messages are kept; malformed records are skipped and returned.
func BuildTimeline(conv conversation.Key, snap replica.Snapshot) (Timeline, []error) {
	messages, errs := decodeConversation(snap.Path, snap.Data)
	slices.SortFunc(messages, compareMessages)
	return Timeline{Conversation: conv, messages: messages}, errs
}

// Messages yields every message in order, including tombstoned ones.
func (t Timeline) Messages() iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		for _, msg := range t.messages {
			if !yield(cloneMessage(msg)) {
				return
			}
		}
	}
}

// Visible yields the messages presentation should render.
func (t Timeline) Visible() iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		for msg := range t.Messages() {
			if msg.Deleted {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Lookup finds a message by store key.
func (t Timeline) Lookup(key string) (models.Message, bool) {
	for _, msg := range t.messages {
		if msg.Key == key {
			return cloneMessage(msg), true
		}
	}
	return models.Message{}, false
}

// Len returns the number of messages, tombstoned included.
func (t Timeline) Len() int {
	return len(t.messages)
}

func cloneMessage(msg models.Message) models.Message {
	msg.Reactions = maps.Clone(msg.Reactions)
	return msg
}

// TimelineHandlers receive TimelineSync output. Either may be nil.
type TimelineHandlers struct {
	OnTimeline func(Timeline)
	OnViewMode func(ViewMode)
}

// TimelineSyncOptions configures a live conversation binding.
type TimelineSyncOptions struct {
	Store    replica.Store
	Self     string
	Peer     string
	Handlers TimelineHandlers
	Logger   zerolog.Logger
}

// TimelineSync keeps a Timeline in step with the open conversation's
// subtree. Each snapshot fully replaces the previous timeline.
type TimelineSync struct {
	options TimelineSyncOptions
	key     conversation.Key
	logger  zerolog.Logger

	mu      sync.RWMutex
	current Timeline

	closeMu sync.Mutex
	sub     replica.Subscription
	closed  bool
}

// OpenTimeline subscribes to the conversation between self and peer and
// signals ViewConversation.
func OpenTimeline(ctx context.Context, options TimelineSyncOptions) (*TimelineSync, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Self == "" {
		return nil, ErrNotSignedIn
	}
	if err := conversation.ValidateIdentifier(options.Peer); err != nil {
		return nil, &ValidationError{Field: "peer", Err: err}
	}

	key := conversation.DeriveKey(options.Self, options.Peer)
	ts := &TimelineSync{
		options: options,
		key:     key,
		logger:  options.Logger.With().Str("component", "timeline").Str("conversation", key.String()).Logger(),
		current: Timeline{Conversation: key},
	}

	// The view switches before the first snapshot can arrive.
	ts.signal(ViewConversation)

	path := ConversationPath(key.String())
	sub, err := options.Store.Subscribe(ctx, path, ts.apply)
	if err != nil {
		ts.signal(ViewList)
		return nil, syncError("subscribe", path, err)
	}
	ts.sub = sub

	ts.logger.Debug().Str("peer", options.Peer).Msg("conversation opened")
	return ts, nil
}

func (ts *TimelineSync) apply(snap replica.Snapshot) {
	timeline, errs := BuildTimeline(ts.key, snap)
	for _, err := range errs {
		ts.logger.Warn().Err(err).Msg("skipping malformed message")
	}
	metrics.RecordSnapshot("timeline", len(errs))

	ts.mu.Lock()
	ts.current = timeline
	ts.mu.Unlock()

	if ts.options.Handlers.OnTimeline != nil {
		ts.options.Handlers.OnTimeline(timeline)
	}
}

func (ts *TimelineSync) signal(mode ViewMode) {
	if ts.options.Handlers.OnViewMode != nil {
		ts.options.Handlers.OnViewMode(mode)
	}
}

// Key returns the conversation key.
func (ts *TimelineSync) Key() conversation.Key {
	return ts.key
}

// Peer returns the other participant.
func (ts *TimelineSync) Peer() string {
	return ts.options.Peer
}

// Current returns the latest timeline.
func (ts *TimelineSync) Current() Timeline {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.current
}

// Close unsubscribes and signals ViewList. Later calls are no-ops.
func (ts *TimelineSync) Close() error {
	ts.closeMu.Lock()
	if ts.closed {
		ts.closeMu.Unlock()
		return nil
	}
	ts.closed = true
	ts.closeMu.Unlock()

	err := ts.sub.Unsubscribe()
	ts.signal(ViewList)
	ts.logger.Debug().Msg("conversation closed")
	return err
}

package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pairchat/replica"
)

// DefaultPresenceStopTimeout bounds the going-offline write.
const DefaultPresenceStopTimeout = 2 * time.Second

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	Store       replica.Store
	Now         func() time.Time
	StopTimeout time.Duration
	Logger      zerolog.Logger
}

// PresenceTracker owns the signed-in account's online flag for the life of
// one session.
type PresenceTracker struct {
	options PresenceOptions
	logger  zerolog.Logger

	mu      sync.Mutex
	account string
}

// NewPresenceTracker validates options.
func NewPresenceTracker(options PresenceOptions) (*PresenceTracker, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = DefaultPresenceStopTimeout
	}
	return &PresenceTracker{
		options: options,
		logger:  options.Logger.With().Str("component", "presence").Logger(),
	}, nil
}

// Start marks id online. A previous account still marked online is taken
// offline first.
func (p *PresenceTracker) Start(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotSignedIn
	}

	p.mu.Lock()
	previous := p.account
	p.mu.Unlock()
	if previous != "" && previous != id {
		p.Stop(ctx)
	}

	path := AccountPath(id)
	if err := p.options.Store.Update(ctx, path, map[string]any{
		"isOnline":   true,
		"lastSeenAt": p.options.Now().UnixMilli(),
	}); err != nil {
		return syncError("update", path, err)
	}

	p.mu.Lock()
	p.account = id
	p.mu.Unlock()

	p.logger.Debug().Str("account", id).Msg("presence online")
	return nil
}

// Stop marks the tracked account offline. The write is best effort: it is
// bounded by StopTimeout, survives cancellation of ctx, and failures are only
// logged. Stop without a prior Start does nothing.
func (p *PresenceTracker) Stop(ctx context.Context) {
	p.mu.Lock()
	id := p.account
	p.account = ""
	p.mu.Unlock()
	if id == "" {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.options.StopTimeout)
	defer cancel()

	if err := p.options.Store.Update(stopCtx, AccountPath(id), map[string]any{
		"isOnline":   false,
		"lastSeenAt": p.options.Now().UnixMilli(),
	}); err != nil {
		p.logger.Warn().Err(err).Str("account", id).Msg("presence offline write failed")
		return
	}
	p.logger.Debug().Str("account", id).Msg("presence offline")
}

// Account returns the account currently marked online, if any.
func (p *PresenceTracker) Account() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account, p.account != ""
}

package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pairchat/metrics"
	"pairchat/storage"
)

// DefaultMaxRecordBytes bounds a single encoded write.
const DefaultMaxRecordBytes = 10 * 1024 * 1024

// Backend is the durable tree a Local hub persists to.
type Backend interface {
	ReadTree(path string) (json.RawMessage, error)
	WriteTree(path string, value json.RawMessage) error
	UpdateChildren(path string, children map[string]json.RawMessage) error
}

// Option configures a Local hub.
type Option func(*Local)

// WithLogger sets the hub logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Local) {
		l.logger = logger.With().Str("component", "replica").Logger()
	}
}

// WithMaxRecordBytes overrides DefaultMaxRecordBytes.
func WithMaxRecordBytes(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.maxRecordBytes = n
		}
	}
}

// WithKeyGenerator overrides the append key source.
func WithKeyGenerator(keys *KeyGenerator) Option {
	return func(l *Local) {
		if keys != nil {
			l.keys = keys
		}
	}
}

// Local is an in-process Store over a Backend. Every write is followed by a
// fresh snapshot pushed to each subscription whose path is related to the
// written path.
type Local struct {
	backend        Backend
	keys           *KeyGenerator
	logger         zerolog.Logger
	maxRecordBytes int

	// writeMu orders each write with the reads that fan it out, so a
	// subscriber never receives an older snapshot after a newer one.
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]*localSubscription
	nextID uint64
	closed bool
}

var _ Store = (*Local)(nil)

// NewLocal creates a hub over backend.
func NewLocal(backend Backend, opts ...Option) *Local {
	l := &Local{
		backend:        backend,
		keys:           NewKeyGenerator(),
		logger:         zerolog.Nop(),
		maxRecordBytes: DefaultMaxRecordBytes,
		subs:           make(map[uint64]*localSubscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers handler for path and pushes the current value.
func (l *Local) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("replica: nil handler")
	}
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	initial, err := l.read(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.nextID++
	sub := newLocalSubscription(l, l.nextID, path, handler)
	l.subs[sub.id] = sub
	l.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	sub.Deliver(initial)

	l.logger.Debug().Str("path", path).Uint64("subscription", sub.id).Msg("subscribed")
	return sub, nil
}

// Get reads the value at path.
func (l *Local) Get(ctx context.Context, path string) (Snapshot, error) {
	path, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	snap, err := l.read(path)
	metrics.RecordStoreOperation("get", err)
	return snap, err
}

// Set replaces the value at path.
func (l *Local) Set(ctx context.Context, path string, value any) error {
	err := l.set(ctx, path, value)
	metrics.RecordStoreOperation("set", err)
	return err
}

func (l *Local) set(ctx context.Context, path string, value any) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot replace the root", ErrInvalidPath)
	}
	encoded, err := l.encode(value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.backend.WriteTree(path, encoded); err != nil {
		return mapBackendError(err)
	}
	l.notify(path)
	return nil
}

// Update replaces the named children of path.
func (l *Local) Update(ctx context.Context, path string, fields map[string]any) error {
	err := l.update(ctx, path, fields)
	metrics.RecordStoreOperation("update", err)
	return err
}

func (l *Local) update(ctx context.Context, path string, fields map[string]any) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	children := make(map[string]json.RawMessage, len(fields))
	total := 0
	for name, value := range fields {
		encoded, err := l.encode(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		total += len(encoded)
		children[name] = encoded
	}
	if total > l.maxRecordBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrRecordTooLarge, total, l.maxRecordBytes)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.backend.UpdateChildren(path, children); err != nil {
		return mapBackendError(err)
	}
	l.notify(path)
	return nil
}

// Append stores value under a new ULID key of path.
func (l *Local) Append(ctx context.Context, path string, value any) (string, error) {
	key, err := l.keys.Next()
	if err == nil {
		err = l.set(ctx, Join(path, key), value)
	}
	metrics.RecordStoreOperation("append", err)
	if err != nil {
		return "", err
	}
	return key, nil
}

// RangeQuery filters the children of path by a string field.
func (l *Local) RangeQuery(ctx context.Context, path, field, start, end string) (Snapshot, error) {
	path, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	snap, err := l.read(path)
	if err == nil {
		snap, err = FilterRange(snap, field, start, end)
	}
	metrics.RecordStoreOperation("range_query", err)
	return snap, err
}

// Close cancels every live subscription. Later calls to Subscribe fail.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := make([]*localSubscription, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (l *Local) read(path string) (Snapshot, error) {
	data, err := l.backend.ReadTree(path)
	if err != nil {
		return Snapshot{}, mapBackendError(err)
	}
	if data == nil {
		data = jsonNull
	}
	return Snapshot{Path: path, Data: data}, nil
}

func (l *Local) encode(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	var (
		encoded []byte
		err     error
	)
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
		}
		encoded = raw
	} else {
		encoded, err = json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	if len(encoded) > l.maxRecordBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrRecordTooLarge, len(encoded), l.maxRecordBytes)
	}
	return encoded, nil
}

// notify pushes fresh snapshots to every related subscription. Callers hold
// writeMu.
func (l *Local) notify(changed string) {
	l.mu.Lock()
	targets := make([]*localSubscription, 0, len(l.subs))
	for _, sub := range l.subs {
		if related(sub.path, changed) {
			targets = append(targets, sub)
		}
	}
	l.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	cache := make(map[string]Snapshot, len(targets))
	for _, sub := range targets {
		snap, ok := cache[sub.path]
		if !ok {
			var err error
			snap, err = l.read(sub.path)
			if err != nil {
				l.logger.Error().Err(err).Str("path", sub.path).Msg("read snapshot for subscriber")
				continue
			}
			cache[sub.path] = snap
		}
		sub.Deliver(snap)
	}
}

func (l *Local) remove(id uint64) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

func mapBackendError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	case errors.Is(err, storage.ErrInvalidValue):
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	default:
		return err
	}
}

type localSubscription struct {
	*Mailbox

	hub  *Local
	id   uint64
	path string
}

func newLocalSubscription(hub *Local, id uint64, path string, handler Handler) *localSubscription {
	return &localSubscription{
		Mailbox: NewMailbox(handler),
		hub:     hub,
		id:      id,
		path:    path,
	}
}

func (s *localSubscription) Unsubscribe() error {
	if !s.Stop() {
		return ErrUnsubscribed
	}
	s.hub.remove(s.id)
	metrics.ActiveSubscriptions.Dec()
	s.hub.logger.Debug().Str("path", s.path).Uint64("subscription", s.id).Msg("unsubscribed")
	return nil
}

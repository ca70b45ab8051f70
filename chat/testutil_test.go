package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pairchat/models"
	"pairchat/replica"
	"pairchat/storage"
)

func newLocalStore(t *testing.T) *replica.Local {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	local := replica.NewLocal(store)
	t.Cleanup(func() { _ = local.Close() })
	return local
}

// spyStore counts calls and can fail writes.
type spyStore struct {
	replica.Store

	mu       sync.Mutex
	appends  int
	updates  int
	queries  int
	failWith error
}

func (s *spyStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

func (s *spyStore) Append(ctx context.Context, path string, value any) (string, error) {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	if err := s.fail(); err != nil {
		return "", err
	}
	return s.Store.Append(ctx, path, value)
}

func (s *spyStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	return s.Store.Update(ctx, path, fields)
}

func (s *spyStore) RangeQuery(ctx context.Context, path, field, start, end string) (replica.Snapshot, error) {
	s.mu.Lock()
	s.queries++
	s.mu.Unlock()
	return s.Store.RangeQuery(ctx, path, field, start, end)
}

func (s *spyStore) counts() (appends, updates, queries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends, s.updates, s.queries
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func msg(sender string, ts int64, text string) models.Message {
	return models.Message{Sender: sender, Timestamp: ts, Kind: models.KindText, Text: text}
}

// snapshotOf encodes a literal tree as a snapshot at path.
func snapshotOf(t *testing.T, path string, tree any) replica.Snapshot {
	t.Helper()
	data, err := json.Marshal(tree)
	require.NoError(t, err)
	return replica.Snapshot{Path: path, Data: data}
}

func timestamps(tl Timeline) []int64 {
	var out []int64
	for m := range tl.Messages() {
		out = append(out, m.Timestamp)
	}
	return out
}

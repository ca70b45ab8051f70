package replica

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// KeyGenerator issues ULID child keys. Keys from one generator are strictly
// increasing, so lexicographic order matches creation order.
type KeyGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewKeyGenerator returns a generator seeded from crypto/rand.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a fresh key.
func (g *KeyGenerator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return id.String(), nil
}

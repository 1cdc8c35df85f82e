// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"flag"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-tickets/pkg/keys"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// DiscardLogger drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// KeyPair returns a deterministic key pair whose scalar is seed repeated.
// seed must be non-zero.
func KeyPair(t testing.TB, seed byte) *keys.KeyPair {
	t.Helper()
	b := make([]byte, keys.PrivateKeySize)
	for i := range b {
		b[i] = seed
	}
	// Scalars made of 0xff bytes exceed the curve order.
	if seed == 0xff {
		b[0] = 0x7f
	}
	kp, err := keys.FromBytes(b)
	if err != nil {
		t.Fatalf("fixture key %#x: %v", seed, err)
	}
	return kp
}

// FakeClock is a settable clock safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

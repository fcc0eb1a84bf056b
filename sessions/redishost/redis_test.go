package redishost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/relaywire/sessions"
	"github.com/relaywire/relaywire/sessions/memoryhost"
)

type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) sink(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *collector) await(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) > 0 {
			f := c.frames[0]
			c.mu.Unlock()
			return f
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no frame delivered")
	return nil
}

// newInstance builds one simulated server instance: a local memory host
// wrapped by a redis host with a unique prefix-shared instance ID.
func newInstance(t *testing.T, prefix string, opts ...Option) (*Host, *memoryhost.Host) {
	t.Helper()
	local := memoryhost.New()
	h, err := New(Config{KeyPrefix: prefix, ClaimTTL: 5 * time.Second}, local, opts...)
	if err != nil {
		t.Skipf("skipping redis host tests: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, local
}

func TestRedisHostCrossInstanceRelayPlumbing(t *testing.T) {
	// Availability check allows a graceful skip without Redis.
	if _, err := New(Config{}, memoryhost.New()); err != nil {
		t.Skipf("skipping redis host tests: %v", err)
	}

	prefix := "relaywire-test:" + uuid.NewString() + ":"

	var gotReply struct {
		sync.Mutex
		id      string
		payload []byte
	}
	hostA, localA := newInstance(t, prefix, WithReplyHandler(func(id string, payload []byte) bool {
		gotReply.Lock()
		defer gotReply.Unlock()
		gotReply.id = id
		gotReply.payload = payload
		return true
	}))
	hostB, localB := newInstance(t, prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hostA.Run(ctx)
	go hostB.Run(ctx)

	// Session "alice" lives on A, "romana" on B.
	aliceSink := &collector{}
	alice, err := localA.Attach("alice", aliceSink.sink)
	if err != nil {
		t.Fatalf("attach alice: %v", err)
	}
	if err := hostA.Announce(ctx, alice); err != nil {
		t.Fatalf("announce alice: %v", err)
	}
	romanaSink := &collector{}
	romana, err := localB.Attach("Romana", romanaSink.sink)
	if err != nil {
		t.Fatalf("attach romana: %v", err)
	}
	if err := hostB.Announce(ctx, romana); err != nil {
		t.Fatalf("announce romana: %v", err)
	}

	// Give the inbox pumps a moment to arm their streams.
	time.Sleep(100 * time.Millisecond)

	// A resolves B's identity through the shared registry.
	found, ok := hostA.Lookup("romana")
	if !ok {
		t.Fatal("remote identity not resolvable")
	}
	if found.SessionID() != romana.SessionID() {
		t.Fatalf("lookup resolved %q, want %q", found.SessionID(), romana.SessionID())
	}

	// A delivers a frame to the remote session via B's inbox stream.
	if err := hostA.Send(ctx, romana.SessionID(), []byte(`{"hello":1}`)); err != nil {
		t.Fatalf("cross-instance send: %v", err)
	}
	if got := string(romanaSink.await(t)); got != `{"hello":1}` {
		t.Fatalf("remote frame = %s", got)
	}

	// B forwards a reply it has no record for; A's handler consumes it.
	if err := hostB.ForwardReply(ctx, "corr-1", []byte(`"ok"`)); err != nil {
		t.Fatalf("forward reply: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		gotReply.Lock()
		id := gotReply.id
		gotReply.Unlock()
		if id == "corr-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("forwarded reply never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Broadcast from A reaches B's sessions but not the sender.
	romanaSink.mu.Lock()
	romanaSink.frames = nil
	romanaSink.mu.Unlock()
	if err := hostA.Broadcast(ctx, alice.SessionID(), []byte(`"announcement"`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := string(romanaSink.await(t)); got != `"announcement"` {
		t.Fatalf("broadcast frame = %s", got)
	}
	aliceSink.mu.Lock()
	aliceFrames := len(aliceSink.frames)
	aliceSink.mu.Unlock()
	if aliceFrames != 0 {
		t.Fatalf("sender received %d broadcast frames", aliceFrames)
	}

	// Duplicate identity is rejected cluster-wide.
	other := memoryhost.New()
	imposterSink := &collector{}
	imposter, err := other.Attach("ROMANA", imposterSink.sink)
	if err != nil {
		t.Fatalf("attach imposter: %v", err)
	}
	if err := hostA.Announce(ctx, imposter); !errors.Is(err, sessions.ErrIdentityInUse) {
		t.Fatalf("imposter announce = %v, want ErrIdentityInUse", err)
	}

	// Retract frees the claim. Detach first so B's heartbeat stops
	// refreshing it.
	localB.Detach(romana.SessionID())
	hostB.Retract(ctx, romana)
	if _, ok := hostA.Lookup("romana"); ok {
		t.Fatal("retracted identity still resolvable")
	}
}

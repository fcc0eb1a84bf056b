package memoryhost

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/relaywire/relaywire/sessions"
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

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestAttachLookupCaseInsensitive(t *testing.T) {
	h := New()
	sess, err := h.Attach("Romana", (&collector{}).sink)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	for _, name := range []string{"romana", "ROMANA", "Romana", " romana "} {
		got, ok := h.Lookup(name)
		if !ok {
			t.Fatalf("lookup %q missed", name)
		}
		if got.SessionID() != sess.SessionID() {
			t.Fatalf("lookup %q returned a different session", name)
		}
		if got.Identity() != "Romana" {
			t.Fatalf("identity = %q, want original casing", got.Identity())
		}
	}
}

func TestAttachRejectsDuplicateIdentity(t *testing.T) {
	h := New()
	if _, err := h.Attach("alice", (&collector{}).sink); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := h.Attach("ALICE", (&collector{}).sink); !errors.Is(err, sessions.ErrIdentityInUse) {
		t.Fatalf("duplicate attach = %v, want ErrIdentityInUse", err)
	}
}

func TestDetachFreesIdentity(t *testing.T) {
	h := New()
	sess, err := h.Attach("alice", (&collector{}).sink)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	h.Detach(sess.SessionID())

	if _, ok := h.Lookup("alice"); ok {
		t.Fatal("detached identity still resolvable")
	}
	if err := h.Send(context.Background(), sess.SessionID(), []byte("x")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("send to detached session = %v, want ErrSessionNotFound", err)
	}
	if _, err := h.Attach("alice", (&collector{}).sink); err != nil {
		t.Fatalf("re-attach after detach failed: %v", err)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := New()
	var sinks []*collector
	var ids []string
	for _, name := range []string{"alice", "bob", "carol"} {
		c := &collector{}
		sess, err := h.Attach(name, c.sink)
		if err != nil {
			t.Fatalf("attach %s failed: %v", name, err)
		}
		sinks = append(sinks, c)
		ids = append(ids, sess.SessionID())
	}

	if err := h.Broadcast(context.Background(), ids[0], []byte("hi")); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if sinks[0].count() != 0 {
		t.Fatal("sender received its own broadcast")
	}
	for i := 1; i < len(sinks); i++ {
		if sinks[i].count() != 1 {
			t.Fatalf("session %d received %d frames, want 1", i, sinks[i].count())
		}
	}
}

func TestEnumerate(t *testing.T) {
	h := New()
	if got := len(h.Enumerate()); got != 0 {
		t.Fatalf("empty host enumerates %d sessions", got)
	}
	for _, name := range []string{"alice", "bob"} {
		if _, err := h.Attach(name, (&collector{}).sink); err != nil {
			t.Fatalf("attach %s failed: %v", name, err)
		}
	}
	if got := len(h.Enumerate()); got != 2 {
		t.Fatalf("enumerate = %d sessions, want 2", got)
	}
}

package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"tok-123", "tok-123"},
		{"Bearer tok-123", "tok-123"},
		{"bearer tok-123", "tok-123"},
		{"BEARER tok-123", "tok-123"},
		{"  Bearer tok-123  ", "tok-123"},
		{"Bearer", "Bearer"},
		{"", ""},
	}
	for _, c := range cases {
		if got := ExtractBearer(c.in); got != c.want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func writeKeyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "keys.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestKeyFileAuthentication(t *testing.T) {
	path := writeKeyFile(t, t.TempDir(), `{
		"tok-romana": {"id": "u-1", "identity": "Romana"},
		"tok-alice": {"identity": "alice"}
	}`)
	k, err := NewKeyFile(path, nil)
	if err != nil {
		t.Fatalf("NewKeyFile failed: %v", err)
	}
	defer k.Close()

	ui, err := k.CheckAuthentication(context.Background(), "tok-romana")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if ui.UserID() != "u-1" || ui.Identity() != "Romana" {
		t.Fatalf("principal = (%q, %q)", ui.UserID(), ui.Identity())
	}

	// Missing id falls back to identity.
	ui, err = k.CheckAuthentication(context.Background(), "tok-alice")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if ui.UserID() != "alice" {
		t.Fatalf("fallback user id = %q", ui.UserID())
	}

	if _, err := k.CheckAuthentication(context.Background(), "tok-unknown"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown token = %v, want ErrUnauthorized", err)
	}
	if _, err := k.CheckAuthentication(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token = %v, want ErrUnauthorized", err)
	}
}

func TestKeyFileReload(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, `{"tok-a": {"identity": "a"}}`)
	k, err := NewKeyFile(path, nil)
	if err != nil {
		t.Fatalf("NewKeyFile failed: %v", err)
	}
	defer k.Close()

	if err := os.WriteFile(path, []byte(`{"tok-b": {"identity": "b"}}`), 0o600); err != nil {
		t.Fatalf("rewrite key file: %v", err)
	}

	// The watcher reload is asynchronous; poll briefly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := k.CheckAuthentication(context.Background(), "tok-b"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload never picked up the new token")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := k.CheckAuthentication(context.Background(), "tok-a"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stale token still accepted after reload: %v", err)
	}
}

func TestKeyFileRejectsMalformed(t *testing.T) {
	path := writeKeyFile(t, t.TempDir(), `{"tok": {"id": "x"}}`)
	if _, err := NewKeyFile(path, nil); err == nil {
		t.Fatal("entry without identity must be rejected")
	}
}

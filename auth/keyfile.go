package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// keyFileEntry is one principal in the key file. The file maps opaque tokens
// to entries:
//
//	{"tok-romana": {"id": "u-1", "identity": "Romana"}}
type keyFileEntry struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
}

// KeyFile is a file-backed Authenticator for small deployments: a JSON map
// from token to identity, hot-reloaded when the file changes. Not suitable
// where tokens must expire or rotate per-user; use NewJWT for that.
type KeyFile struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	tokens map[string]keyFileEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewKeyFile loads the key file and starts watching it for changes.
// Call Close to stop the watcher.
func NewKeyFile(path string, log *slog.Logger) (*KeyFile, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	k := &KeyFile{
		path: path,
		log:  log,
		done: make(chan struct{}),
	}
	if err := k.Reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher init: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place,
	// which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	k.watcher = w
	go k.watch()

	return k, nil
}

// Reload re-reads the key file. The previous token set stays in effect if
// the file is missing or malformed.
func (k *KeyFile) Reload() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	var tokens map[string]keyFileEntry
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	for tok, e := range tokens {
		if e.Identity == "" {
			return fmt.Errorf("key file entry for token %q missing identity", tok)
		}
	}

	k.mu.Lock()
	k.tokens = tokens
	k.mu.Unlock()
	return nil
}

// CheckAuthentication implements Authenticator.
func (k *KeyFile) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	k.mu.RLock()
	e, ok := k.tokens[tok]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	id := e.ID
	if id == "" {
		id = e.Identity
	}
	return &userInfo{id: id, identity: e.Identity}, nil
}

// Close stops the file watcher.
func (k *KeyFile) Close() error {
	var err error
	k.once.Do(func() {
		close(k.done)
		if k.watcher != nil {
			err = k.watcher.Close()
		}
	})
	return err
}

func (k *KeyFile) watch() {
	target := filepath.Clean(k.path)
	for {
		select {
		case <-k.done:
			return
		case ev, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := k.Reload(); err != nil {
				k.log.Warn("key file reload failed",
					slog.String("path", k.path),
					slog.String("error", err.Error()))
				continue
			}
			k.log.Info("key file reloaded", slog.String("path", k.path))
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			k.log.Warn("key file watcher error", slog.String("error", err.Error()))
		}
	}
}

var _ Authenticator = (*KeyFile)(nil)

// Package credfile delivers the upstream API credential from a token file on
// disk. The file may not exist at startup; the watcher picks it up whenever
// it appears or changes and hands each new token to a callback.
package credfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type tokenFile struct {
	AccessToken string `json:"access_token"`
}

// Watcher reads the token file once at startup and then on every filesystem
// change, invoking the callback once per distinct token value.
type Watcher struct {
	path     string
	onToken  func(string)
	logger   *log.Logger
	notifier *fsnotify.Watcher

	wg sync.WaitGroup

	mu        sync.Mutex
	lastToken string
}

func New(path string, onToken func(string), logger *log.Logger) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty token file path")
	}
	if onToken == nil {
		return nil, errors.New("nil token callback")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[credfile] ", log.LstdFlags)
	}
	return &Watcher{path: path, onToken: onToken, logger: logger}, nil
}

// Start performs the initial read and begins watching. The parent directory
// is watched rather than the file itself so replace-by-rename still fires.
func (w *Watcher) Start(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := notifier.Add(dir); err != nil {
		notifier.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.notifier = notifier

	w.loadToken()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-notifier.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				w.loadToken()
			case err, ok := <-notifier.Errors:
				if !ok {
					return
				}
				w.logger.Printf("watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.notifier == nil {
		return nil
	}
	err := w.notifier.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loadToken() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Printf("reading token file: %v", err)
		}
		return
	}
	var parsed tokenFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		w.logger.Printf("malformed token file %s: %v", w.path, err)
		return
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return
	}

	w.mu.Lock()
	changed := token != w.lastToken
	if changed {
		w.lastToken = token
	}
	w.mu.Unlock()
	if changed {
		w.logger.Printf("credential loaded from %s", w.path)
		w.onToken(token)
	}
}

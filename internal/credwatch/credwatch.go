// Package credwatch imports session credential bags that an external login
// tool drops on disk.
package credwatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/state"
)

// ImportFile reads a JSON credential bag and stores it for source.
func ImportFile(ctx context.Context, store state.Store, source, path string) (highlight.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	creds, err := highlight.ParseCredentials(string(data))
	if err != nil {
		return nil, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("credentials file %s is empty", path)
	}
	if err := state.SaveCredentials(ctx, store, source, creds); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	return creds, nil
}

type Config struct {
	Path     string
	Source   string
	Store    state.Store
	Debounce time.Duration
	Logger   *log.Logger
	// OnImport is called after each successful import.
	OnImport func(highlight.Credentials)
}

// Watch imports Path every time it is created or rewritten, until ctx is
// done. The parent directory is watched so editors and atomic renames
// are picked up.
func Watch(ctx context.Context, cfg Config) error {
	if cfg.Path == "" {
		return fmt.Errorf("credential file path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	target, err := filepath.Abs(cfg.Path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	cfg.Logger.Printf("watching %s for %s credentials", target, cfg.Source)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			debounce = time.After(cfg.Debounce)

		case <-debounce:
			debounce = nil
			creds, err := ImportFile(ctx, cfg.Store, cfg.Source, target)
			if err != nil {
				cfg.Logger.Printf("credential import failed: %v", err)
				continue
			}
			cfg.Logger.Printf("imported %d %s credential fields", len(creds), cfg.Source)
			if cfg.OnImport != nil {
				cfg.OnImport(creds)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cfg.Logger.Printf("watcher error: %v", err)
		}
	}
}

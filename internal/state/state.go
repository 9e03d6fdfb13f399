// Package state persists sync cursors and session credentials in a flat
// key-value store.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

// KeyWatermark holds the filter-source watermark as an ISO-8601 string.
const KeyWatermark = "latest_sync_time"

// DefaultWatermark applies when no watermark was ever persisted.
const DefaultWatermark = "2023-01-07"

func SyncKeyKey(source string) string { return source + "_synckey" }
func CookiesKey(source string) string { return source + "_cookies" }

// Store is a string key-value store. Get returns "" for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all values or none of them.
	SetMany(ctx context.Context, values map[string]string) error
	Close() error
}

// Snapshot is the persisted position of one run.
type Snapshot struct {
	Watermark   time.Time
	SyncToken   string // empty means full resync
	Credentials highlight.Credentials
}

// Load reads the cursors of both sources and the session source's
// credential bag. fallback seeds the bag when none is stored.
func Load(ctx context.Context, s Store, sessionSource string, defaultWatermark time.Time, fallback highlight.Credentials) (Snapshot, error) {
	snap := Snapshot{Watermark: defaultWatermark}

	raw, err := s.Get(ctx, KeyWatermark)
	if err != nil {
		return snap, fmt.Errorf("failed to read %s: %w", KeyWatermark, err)
	}
	if raw != "" {
		wm, err := highlight.ParseTime(raw)
		if err != nil {
			return snap, fmt.Errorf("invalid %s %q: %w", KeyWatermark, raw, err)
		}
		snap.Watermark = wm
	}

	if snap.SyncToken, err = s.Get(ctx, SyncKeyKey(sessionSource)); err != nil {
		return snap, fmt.Errorf("failed to read sync key: %w", err)
	}

	rawCreds, err := s.Get(ctx, CookiesKey(sessionSource))
	if err != nil {
		return snap, fmt.Errorf("failed to read credentials: %w", err)
	}
	if rawCreds == "" {
		snap.Credentials = fallback.Clone()
		return snap, nil
	}
	if snap.Credentials, err = highlight.ParseCredentials(rawCreds); err != nil {
		return snap, fmt.Errorf("invalid stored credentials: %w", err)
	}
	return snap, nil
}

func SaveCredentials(ctx context.Context, s Store, source string, creds highlight.Credentials) error {
	raw, err := creds.JSON()
	if err != nil {
		return err
	}
	return s.Set(ctx, CookiesKey(source), raw)
}

func SaveWatermark(ctx context.Context, s Store, wm time.Time) error {
	return s.Set(ctx, KeyWatermark, highlight.FormatTime(wm))
}

// SaveCursors writes the sync token and the watermark in one atomic
// write. An empty token or a zero watermark is left untouched.
func SaveCursors(ctx context.Context, s Store, source, token string, wm time.Time) error {
	values := map[string]string{}
	if token != "" {
		values[SyncKeyKey(source)] = token
	}
	if !wm.IsZero() {
		values[KeyWatermark] = highlight.FormatTime(wm)
	}
	if len(values) == 0 {
		return nil
	}
	return s.SetMany(ctx, values)
}

func SaveSyncToken(ctx context.Context, s Store, source, token string) error {
	return s.Set(ctx, SyncKeyKey(source), token)
}

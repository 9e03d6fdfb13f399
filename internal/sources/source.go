package sources

import (
	"context"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

// Source is an upstream highlight provider.
type Source interface {
	// Name returns the source tag (weread, dedao)
	Name() string
}

// RenewFunc persists a renewed credential bag. It must return before the
// adapter retries with the new bag.
type RenewFunc func(ctx context.Context, creds highlight.Credentials) error

// SessionSource is a change feed behind a cookie session. An empty token
// asks for a full resync. The returned bag is the one the final request
// used, which differs from creds only after a renewal.
type SessionSource interface {
	Source
	FetchChanges(ctx context.Context, creds highlight.Credentials, token string, onRenew RenewFunc) (*ChangeSet, highlight.Credentials, error)
}

// FilterSource returns records created after the watermark, oldest first.
type FilterSource interface {
	Source
	FetchSince(ctx context.Context, watermark time.Time) ([]highlight.Highlight, error)
}

// BookLookup resolves book metadata by title. A miss yields an empty
// BookMeta and no error.
type BookLookup interface {
	Lookup(ctx context.Context, title string) (BookMeta, error)
}

type BookMeta struct {
	Author    string
	ImageURL  string
	SourceURL string
}

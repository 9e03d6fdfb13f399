// Package syncer runs one highlight sync: it loads the cursors, fetches
// both sources concurrently, merges their highlights and hands the batch
// to the sink, advancing the cursors only after the sink accepted it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/user/syncbook/internal/db"
	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/readwise"
	"github.com/user/syncbook/internal/sources"
	"github.com/user/syncbook/internal/state"
)

const MessageNothingToSync = "No highlights to sync"

// ErrRunInProgress is returned when another run holds the engine.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Sink accepts a batch of highlights.
type Sink interface {
	CreateHighlights(ctx context.Context, highlights []highlight.Highlight) ([]readwise.Book, error)
}

type LatestBookFinder interface {
	LatestBook(ctx context.Context, source string) (*readwise.Book, error)
}

// Recorder keeps the local ledger of submitted highlights and runs.
type Recorder interface {
	RecordHighlights(ctx context.Context, runID string, highlights []highlight.Highlight) error
	RecordRun(ctx context.Context, run db.Run) error
}

type Config struct {
	Session sources.SessionSource
	Filter  sources.FilterSource
	// Lookup enriches filter-source highlights with book metadata.
	Lookup sources.BookLookup
	Sink   Sink
	// Latest reports the sink's most recent book of a source. Only
	// Backfill uses it.
	Latest   LatestBookFinder
	State    state.Store
	Recorder Recorder
	// Credentials seed the session when the state store holds none.
	Credentials      highlight.Credentials
	DefaultWatermark time.Time
	Logger           *log.Logger
	Now              func() time.Time
}

type Engine struct {
	cfg Config
	mu  sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if cfg.Session == nil || cfg.Filter == nil {
		return nil, fmt.Errorf("both sources are required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.DefaultWatermark.IsZero() {
		wm, err := highlight.ParseTime(state.DefaultWatermark)
		if err != nil {
			return nil, err
		}
		cfg.DefaultWatermark = wm
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}, nil
}

type Options struct {
	DryRun bool
	// From replaces the persisted watermark for this run when set.
	From time.Time
}

// Result is what a run reports to its caller.
type Result struct {
	RunID      string                `json:"run_id"`
	Message    string                `json:"message"`
	Highlights []highlight.Highlight `json:"highlights,omitempty"`
	Books      []readwise.Book       `json:"books,omitempty"`
	Submitted  int                   `json:"submitted"`
	Removed    int                   `json:"removed,omitempty"`
	Watermark  string                `json:"watermark,omitempty"`
	SyncToken  string                `json:"sync_token,omitempty"`
}

// Run performs one sync. Runs on the same engine never overlap; a call
// made while another is running returns ErrRunInProgress.
func (e *Engine) Run(ctx context.Context, opts Options) (res *Result, err error) {
	if !e.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.mu.Unlock()

	run := db.Run{
		ID:        uuid.NewString(),
		StartedAt: e.cfg.Now().UTC(),
		DryRun:    opts.DryRun,
	}
	logger := e.cfg.Logger
	defer func() {
		run.FinishedAt = e.cfg.Now().UTC()
		switch {
		case err != nil:
			run.Status = "failed"
			run.Error = err.Error()
			logger.Printf("run %s failed: %v", run.ID, err)
		case opts.DryRun && len(res.Highlights) > 0:
			run.Status = "dry_run"
			run.Message = res.Message
		case res.Submitted == 0:
			run.Status = "empty"
			run.Message = res.Message
		default:
			run.Status = "success"
			run.Message = res.Message
			run.Submitted = res.Submitted
		}
		e.recordRun(run)
	}()

	snap, err := state.Load(ctx, e.cfg.State, e.cfg.Session.Name(), e.cfg.DefaultWatermark, e.cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	watermark := snap.Watermark
	if !opts.From.IsZero() {
		watermark = opts.From
	}
	logger.Printf("run %s: watermark=%s sync_token=%q dry_run=%t", run.ID, highlight.FormatTime(watermark), snap.SyncToken, opts.DryRun)

	filtered, changes, err := e.fetch(ctx, watermark, snap)
	if err != nil {
		return nil, err
	}

	batch, err := e.normalize(ctx, filtered, changes, watermark)
	if err != nil {
		return nil, err
	}

	res = &Result{RunID: run.ID, Removed: len(changes.Removed)}
	if len(changes.Removed) > 0 {
		logger.Printf("run %s: %d highlights removed upstream", run.ID, len(changes.Removed))
	}

	if len(batch) == 0 {
		res.Message = MessageNothingToSync
		return res, nil
	}
	if opts.DryRun {
		res.Message = fmt.Sprintf("Dry run: Would sync %d highlights", len(batch))
		res.Highlights = batch
		return res, nil
	}

	books, err := e.cfg.Sink.CreateHighlights(ctx, batch)
	if err != nil {
		return nil, err
	}
	res.Books = books
	res.Submitted = len(batch)

	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.RecordHighlights(ctx, run.ID, batch); err != nil {
			return nil, fmt.Errorf("failed to record submitted highlights: %w", err)
		}
	}

	if err := e.persist(ctx, res, changes, batch, snap.Watermark); err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("Synced %d highlights", len(batch))
	logger.Printf("run %s: %s", run.ID, res.Message)
	return res, nil
}

// fetch runs both sources concurrently. Either failing fails the run.
func (e *Engine) fetch(ctx context.Context, watermark time.Time, snap state.Snapshot) ([]highlight.Highlight, *sources.ChangeSet, error) {
	g, gctx := errgroup.WithContext(ctx)

	var filtered []highlight.Highlight
	g.Go(func() error {
		hs, err := e.cfg.Filter.FetchSince(gctx, watermark)
		if err != nil {
			return fmt.Errorf("%s fetch failed: %w", e.cfg.Filter.Name(), err)
		}
		filtered = hs
		return nil
	})

	var changes *sources.ChangeSet
	g.Go(func() error {
		session := e.cfg.Session.Name()
		// A renewed bag is stored even if the other fetch cancels gctx.
		onRenew := func(ctx context.Context, creds highlight.Credentials) error {
			return state.SaveCredentials(context.WithoutCancel(ctx), e.cfg.State, session, creds)
		}
		cs, _, err := e.cfg.Session.FetchChanges(gctx, snap.Credentials, snap.SyncToken, onRenew)
		if err != nil {
			return fmt.Errorf("%s fetch failed: %w", session, err)
		}
		changes = cs
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if changes == nil {
		changes = &sources.ChangeSet{}
	}
	return filtered, changes, nil
}

// normalize merges both sources into one batch, filter-source first.
// Session highlights older than the watermark are dropped.
func (e *Engine) normalize(ctx context.Context, filtered []highlight.Highlight, changes *sources.ChangeSet, watermark time.Time) ([]highlight.Highlight, error) {
	batch := make([]highlight.Highlight, 0, len(filtered)+len(changes.Records))

	for _, h := range filtered {
		h.SourceType = e.cfg.Filter.Name()
		h.Category = highlight.CategoryBooks
		if e.cfg.Lookup != nil && h.Title != "" {
			meta, err := e.cfg.Lookup.Lookup(ctx, h.Title)
			if err != nil {
				return nil, fmt.Errorf("failed to look up %q: %w", h.Title, err)
			}
			h.Author = meta.Author
			h.ImageURL = meta.ImageURL
			h.SourceURL = meta.SourceURL
		}
		batch = append(batch, h)
	}

	skipped := 0
	for _, rec := range changes.Records {
		h := rec.Highlight()
		if h.HighlightedAt.Before(watermark) {
			skipped++
			continue
		}
		batch = append(batch, h)
	}
	if skipped > 0 {
		e.cfg.Logger.Printf("skipped %d %s highlights older than the watermark", skipped, e.cfg.Session.Name())
	}

	for _, h := range batch {
		if h.HighlightURL == "" || h.HighlightedAt.IsZero() {
			return nil, &highlight.IntegrityError{Source: h.SourceType, Record: h.Title, Reason: "highlight is missing its url or timestamp"}
		}
	}
	return batch, nil
}

// persist advances both cursors in one write after a successful submit.
// The watermark only moves forward, and only with filter-source highlights.
func (e *Engine) persist(ctx context.Context, res *Result, changes *sources.ChangeSet, batch []highlight.Highlight, stored time.Time) error {
	var latest time.Time
	for _, h := range batch {
		if h.SourceType != e.cfg.Filter.Name() {
			continue
		}
		if h.HighlightedAt.After(latest) {
			latest = h.HighlightedAt
		}
	}
	if !latest.After(stored) {
		latest = time.Time{}
	}

	if err := state.SaveCursors(ctx, e.cfg.State, e.cfg.Session.Name(), changes.NextToken, latest); err != nil {
		return fmt.Errorf("failed to persist cursors: %w", err)
	}
	res.SyncToken = changes.NextToken
	if !latest.IsZero() {
		res.Watermark = highlight.FormatTime(latest)
	}
	return nil
}

func (e *Engine) recordRun(run db.Run) {
	if e.cfg.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cfg.Recorder.RecordRun(ctx, run); err != nil {
		e.cfg.Logger.Printf("failed to record run %s: %v", run.ID, err)
	}
}

package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/user/syncbook/internal/db"
	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/state"
)

type BackfillOptions struct {
	// FullSync submits every session highlight instead of only those
	// newer than the sink's latest book of the source.
	FullSync bool
	DryRun   bool
}

type BookCount struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

type BackfillResult struct {
	RunID     string                `json:"run_id"`
	Message   string                `json:"message"`
	Fetched   int                   `json:"fetched"`
	Since     string                `json:"since,omitempty"`
	Submitted int                   `json:"submitted"`
	PerBook   []BookCount           `json:"per_book,omitempty"`
	Batch     []highlight.Highlight `json:"highlights,omitempty"`
}

// Backfill fetches the session source from scratch and submits what the
// sink is missing. Neither cursor is read or advanced; renewed
// credentials are still persisted.
func (e *Engine) Backfill(ctx context.Context, opts BackfillOptions) (res *BackfillResult, err error) {
	if !e.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.mu.Unlock()

	run := db.Run{ID: uuid.NewString(), StartedAt: e.cfg.Now().UTC(), DryRun: opts.DryRun}
	defer func() {
		run.FinishedAt = e.cfg.Now().UTC()
		switch {
		case err != nil:
			run.Status = "failed"
			run.Error = err.Error()
		case opts.DryRun && len(res.Batch) > 0:
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

	session := e.cfg.Session.Name()
	snap, err := state.Load(ctx, e.cfg.State, session, e.cfg.DefaultWatermark, e.cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	onRenew := func(ctx context.Context, creds highlight.Credentials) error {
		return state.SaveCredentials(context.WithoutCancel(ctx), e.cfg.State, session, creds)
	}
	changes, _, err := e.cfg.Session.FetchChanges(ctx, snap.Credentials, "", onRenew)
	if err != nil {
		return nil, fmt.Errorf("%s fetch failed: %w", session, err)
	}

	res = &BackfillResult{RunID: run.ID, Fetched: len(changes.Records)}
	var since time.Time
	if !opts.FullSync && e.cfg.Latest != nil {
		book, err := e.cfg.Latest.LatestBook(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch latest %s book: %w", session, err)
		}
		if book != nil && book.LastHighlightAt != "" {
			since, err = highlight.ParseTime(book.LastHighlightAt)
			if err != nil {
				return nil, &highlight.IntegrityError{Source: "readwise", Record: book.Title, Reason: "invalid last_highlight_at " + book.LastHighlightAt}
			}
			res.Since = highlight.FormatTime(since)
		}
	}

	batch := make([]highlight.Highlight, 0, len(changes.Records))
	for _, rec := range changes.Records {
		h := rec.Highlight()
		if !since.IsZero() && !h.HighlightedAt.After(since) {
			continue
		}
		batch = append(batch, h)
	}
	res.PerBook = countByBook(batch)
	e.cfg.Logger.Printf("backfill %s: %d of %d %s highlights selected", run.ID, len(batch), res.Fetched, session)

	if len(batch) == 0 {
		res.Message = MessageNothingToSync
		return res, nil
	}
	if opts.DryRun {
		res.Message = fmt.Sprintf("Dry run: Would sync %d highlights", len(batch))
		res.Batch = batch
		return res, nil
	}

	if _, err := e.cfg.Sink.CreateHighlights(ctx, batch); err != nil {
		return nil, err
	}
	res.Submitted = len(batch)
	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.RecordHighlights(ctx, run.ID, batch); err != nil {
			return nil, fmt.Errorf("failed to record submitted highlights: %w", err)
		}
	}
	res.Message = fmt.Sprintf("Synced %d highlights", len(batch))
	return res, nil
}

// countByBook orders books by highlight count, most first.
func countByBook(batch []highlight.Highlight) []BookCount {
	counts := map[string]int{}
	for _, h := range batch {
		counts[h.Title]++
	}
	out := make([]BookCount, 0, len(counts))
	for title, n := range counts {
		out = append(out, BookCount{Title: title, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Title < out[j].Title
	})
	return out
}

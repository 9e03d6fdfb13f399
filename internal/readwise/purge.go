package readwise

import (
	"context"
	"fmt"
)

type PurgeOptions struct {
	Source string
	DryRun bool
	// OnHighlight is called for every highlight before it is deleted
	// (or instead of deleting it on a dry run).
	OnHighlight func(book Book, h Highlight)
}

type PurgeResult struct {
	Books      int
	Highlights int
	Deleted    int
}

// Purge removes every highlight the sink holds for one source. Books
// without highlights are skipped.
func (c *Client) Purge(ctx context.Context, opts PurgeOptions) (PurgeResult, error) {
	var res PurgeResult
	if opts.Source == "" {
		return res, fmt.Errorf("purge requires a source")
	}

	for page := 1; ; page++ {
		books, err := c.ListBooks(ctx, BookFilter{Source: opts.Source, Page: page})
		if err != nil {
			return res, fmt.Errorf("failed to list books (page %d): %w", page, err)
		}

		for _, book := range books.Results {
			if book.NumHighlights == 0 {
				continue
			}
			res.Books++

			highlights, err := c.ListHighlights(ctx, HighlightFilter{BookID: book.ID})
			if err != nil {
				return res, fmt.Errorf("failed to list highlights of %q: %w", book.Title, err)
			}
			for _, h := range highlights.Results {
				res.Highlights++
				if opts.OnHighlight != nil {
					opts.OnHighlight(book, h)
				}
				if opts.DryRun {
					continue
				}
				if err := c.DeleteHighlight(ctx, h.ID); err != nil {
					return res, err
				}
				res.Deleted++
			}
		}

		if books.Next == nil {
			return res, nil
		}
	}
}

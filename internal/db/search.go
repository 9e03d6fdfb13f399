package db

import (
	"context"
	"strings"
)

// Search matches every whitespace-separated term against title, author,
// text and note. An empty query falls back to List.
func (s *Store) Search(ctx context.Context, query string, sources []string, limit int) ([]Entry, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return s.List(ctx, sources, limit)
	}

	sqlQuery := `SELECT highlight_url, source, title, author, text, note, highlighted_at, synced_at, run_id FROM highlights WHERE 1 = 1`
	var args []interface{}
	for _, term := range terms {
		sqlQuery += ` AND (title LIKE ? ESCAPE '\' OR author LIKE ? ESCAPE '\' OR text LIKE ? ESCAPE '\' OR note LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(term) + "%"
		args = append(args, pattern, pattern, pattern, pattern)
	}
	sqlQuery, args = appendSourceFilter(sqlQuery, args, sources)

	// Title hits rank ahead of body hits.
	sqlQuery += ` ORDER BY CASE WHEN title LIKE ? ESCAPE '\' THEN 0 ELSE 1 END, highlighted_at DESC LIMIT ?`
	args = append(args, "%"+escapeLike(terms[0])+"%", limit)

	return s.queryEntries(ctx, sqlQuery, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

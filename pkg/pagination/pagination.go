// Package pagination follows MCP list cursors. Servers page their tool,
// prompt and resource listings with an opaque nextCursor; this package walks
// the pages while guarding against malicious or buggy cursor loops.
package pagination

import (
	"context"
	"errors"
	"fmt"
)

// MaxPages bounds a single listing walk. A server that hands out more pages
// than this is looping or unbounded, and either way the walk stops.
const MaxPages = 100

// ErrCursorLoop is returned when a server repeats a cursor.
var ErrCursorLoop = errors.New("server returned a previously seen cursor")

// ErrTooManyPages is returned when a walk exceeds MaxPages.
var ErrTooManyPages = errors.New("listing exceeded the page budget")

// Params carries the cursor for one page request. An empty cursor requests
// the first page.
type Params struct {
	Cursor string `json:"cursor,omitempty"`
}

// Page is one fetched page: its items and the cursor to the next page, empty
// on the last page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// FetchFunc retrieves one page.
type FetchFunc[T any] func(ctx context.Context, params Params) (Page[T], error)

// CollectAll walks every page and returns the concatenated items. Already
// fetched items are returned alongside the error when a later page fails.
func CollectAll[T any](ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	var all []T
	seen := map[string]bool{}
	cursor := ""

	for page := 0; ; page++ {
		if page >= MaxPages {
			return all, fmt.Errorf("%w (%d pages)", ErrTooManyPages, MaxPages)
		}
		result, err := fetch(ctx, Params{Cursor: cursor})
		if err != nil {
			return all, err
		}
		all = append(all, result.Items...)

		cursor = result.NextCursor
		if cursor == "" {
			return all, nil
		}
		if seen[cursor] {
			return all, ErrCursorLoop
		}
		seen[cursor] = true
	}
}

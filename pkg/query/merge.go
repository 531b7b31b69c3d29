package query

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Pager yields the pages of one chunk query in order.
type Pager interface {
	// NextPage returns the next page and whether more pages follow.
	NextPage(ctx context.Context) (records []map[string]any, more bool, err error)
}

type cursor struct {
	pager Pager
	buf   []map[string]any
	more  bool
}

// Merge zips the rows of several chunk queries by position and emits one
// combined record per row. Every chunk must return the same primary keys in
// the same order; the first disagreement, including one chunk running out of
// rows before another, is a PrimaryKeyMismatchError. Exhausted buffers are
// refilled concurrently.
func Merge(ctx context.Context, stream, primaryKey string, pagers []Pager, emit func(map[string]any) error) error {
	cursors := make([]*cursor, len(pagers))
	for i, p := range pagers {
		cursors[i] = &cursor{pager: p, more: true}
	}

	position := 0
	for {
		if err := refill(ctx, cursors); err != nil {
			return err
		}

		empty := 0
		for _, c := range cursors {
			if len(c.buf) == 0 {
				empty++
			}
		}
		if empty == len(cursors) {
			return nil
		}
		if empty > 0 {
			return mismatchAtEnd(stream, primaryKey, position, cursors)
		}

		n := len(cursors[0].buf)
		for _, c := range cursors[1:] {
			if len(c.buf) < n {
				n = len(c.buf)
			}
		}

		for i := 0; i < n; i++ {
			merged := make(map[string]any)
			var want any
			for j, c := range cursors {
				row := c.buf[i]
				got := row[primaryKey]
				if j == 0 {
					want = got
				} else if fmt.Sprint(got) != fmt.Sprint(want) {
					return &errors.PrimaryKeyMismatchError{
						Stream:   stream,
						Position: position,
						Expected: fmt.Sprint(want),
						Got:      fmt.Sprint(got),
					}
				}
				for k, v := range row {
					merged[k] = v
				}
			}
			if err := emit(merged); err != nil {
				return err
			}
			position++
		}
		for _, c := range cursors {
			c.buf = c.buf[n:]
		}
	}
}

// refill fetches the next page for every cursor whose buffer is empty and
// which still has pages.
func refill(ctx context.Context, cursors []*cursor) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cursors {
		c := c
		if len(c.buf) > 0 || !c.more {
			continue
		}
		g.Go(func() error {
			for c.more && len(c.buf) == 0 {
				records, more, err := c.pager.NextPage(gctx)
				if err != nil {
					return err
				}
				c.buf, c.more = records, more
			}
			return nil
		})
	}
	return g.Wait()
}

func mismatchAtEnd(stream, primaryKey string, position int, cursors []*cursor) error {
	for _, c := range cursors {
		if len(c.buf) > 0 {
			return &errors.PrimaryKeyMismatchError{
				Stream:   stream,
				Position: position,
				Expected: fmt.Sprint(c.buf[0][primaryKey]),
				Got:      "<end of results>",
			}
		}
	}
	return nil
}

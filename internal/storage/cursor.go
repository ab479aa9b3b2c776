package storage

// pageSize is how many records a cursor buffers per fetch.
const pageSize = 128

// fetchFunc loads the next page after last. hasLast is false on the first call.
type fetchFunc[T any] func(last T, hasLast bool, n int) ([]T, error)

// pageCursor turns a page fetcher into a lazy Cursor.
type pageCursor[T any] struct {
	fetch     fetchFunc[T]
	remaining int // -1 when unlimited
	buf       []T
	pos       int
	cur       T
	hasLast   bool
	exhausted bool
	closed    bool
	err       error
}

func newPageCursor[T any](limit int, fetch fetchFunc[T]) *pageCursor[T] {
	remaining := limit
	if limit <= 0 {
		remaining = -1
	}
	return &pageCursor[T]{fetch: fetch, remaining: remaining}
}

func (c *pageCursor[T]) Next() bool {
	if c.closed || c.err != nil || c.remaining == 0 {
		return false
	}
	if c.pos >= len(c.buf) {
		if c.exhausted {
			return false
		}
		n := pageSize
		if c.remaining > 0 && c.remaining < n {
			n = c.remaining
		}
		page, err := c.fetch(c.cur, c.hasLast, n)
		if err != nil {
			c.err = err
			return false
		}
		if len(page) < n {
			c.exhausted = true
		}
		if len(page) == 0 {
			return false
		}
		c.buf, c.pos = page, 0
	}
	c.cur = c.buf[c.pos]
	c.hasLast = true
	c.pos++
	if c.remaining > 0 {
		c.remaining--
	}
	return true
}

func (c *pageCursor[T]) Value() T {
	return c.cur
}

func (c *pageCursor[T]) Err() error {
	return c.err
}

func (c *pageCursor[T]) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}

// errCursor is a cursor that yields nothing and reports err.
type errCursor[T any] struct {
	err error
}

func (c errCursor[T]) Next() bool   { return false }
func (c errCursor[T]) Value() T     { var zero T; return zero }
func (c errCursor[T]) Err() error   { return c.err }
func (c errCursor[T]) Close() error { return nil }

package dispatch

import (
	"sync"

	"github.com/go-go-golems/ingestgw/pkg/content"
)

type pushResult int

const (
	pushed pushResult = iota
	pushFull
	pushClosed
)

// mailbox is a FIFO of contents owned by one registration. A limit of 0 means
// unbounded. After close, pop keeps returning queued items until empty.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*content.Content
	limit  int
	closed bool
}

func newMailbox(limit int) *mailbox {
	q := &mailbox{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *mailbox) push(c *content.Content) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushClosed
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return pushFull
	}
	q.items = append(q.items, c)
	q.cond.Signal()
	return pushed
}

func (q *mailbox) pop() (*content.Content, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return c, true
}

func (q *mailbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *mailbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

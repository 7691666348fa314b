// Package dispatch fans completed contents out to consumers registered by
// content type. AddDispatch only enqueues; every registration owns a mailbox
// drained by its own worker goroutines, so consumer code never runs on the
// connection's goroutine.
package dispatch

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
)

// AnyType registers a consumer for every content type.
const AnyType = "*"

var (
	ErrManagerClosed = errors.New("dispatch manager closed")
	ErrNilConsumer   = errors.New("nil consumer")
)

type Consumer interface {
	OnContent(ctx context.Context, c *content.Content)
}

type ConsumerFunc func(ctx context.Context, c *content.Content)

func (f ConsumerFunc) OnContent(ctx context.Context, c *content.Content) { f(ctx, c) }

type Option func(*Manager)

// WithQueueLimit bounds every registration's mailbox. 0 means unbounded.
func WithQueueLimit(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.queueLimit = n
		}
	}
}

// WithWorkers sets how many goroutines drain each registration's mailbox.
// With more than one worker, deliveries to the same consumer may interleave.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

type RegisterOption func(*Registration)

// WithName labels a registration in logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.name = name }
}

// WithRegistrationQueueLimit overrides the manager queue limit for one registration.
func WithRegistrationQueueLimit(n int) RegisterOption {
	return func(r *Registration) {
		if n >= 0 {
			r.limit = n
		}
	}
}

// WithRegistrationWorkers overrides the manager worker count for one registration.
func WithRegistrationWorkers(n int) RegisterOption {
	return func(r *Registration) {
		if n > 0 {
			r.workers = n
		}
	}
}

type table map[string][]*Registration

type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	queueLimit int
	workers    int

	mu     sync.Mutex
	routes atomic.Pointer[table]
	// live holds registrations until their last worker exits.
	live   map[*Registration]struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
	nextID atomic.Uint64

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	overflowed atomic.Uint64
	panics     atomic.Uint64
}

// NewManager creates a manager. ctx is handed to consumers and cancelled when
// Close gives up waiting.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:     ctx,
		cancel:  cancel,
		workers: 1,
		live:    map[*Registration]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	empty := table{}
	m.routes.Store(&empty)
	return m
}

// Register adds consumer for contentType. Several consumers may share a type;
// each gets its own mailbox and sees every matching content.
func (m *Manager) Register(contentType string, consumer Consumer, opts ...RegisterOption) (*Registration, error) {
	if consumer == nil {
		return nil, ErrNilConsumer
	}
	if contentType == "" {
		return nil, errors.New("empty content type")
	}
	r := &Registration{
		id:       m.nextID.Add(1),
		typ:      contentType,
		consumer: consumer,
		manager:  m,
		limit:    m.queueLimit,
		workers:  m.workers,
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = newMailbox(r.limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	cur := *m.routes.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[contentType] = append(append([]*Registration(nil), cur[contentType]...), r)
	m.routes.Store(&next)
	m.live[r] = struct{}{}

	r.running.Store(int32(r.workers))
	for i := 0; i < r.workers; i++ {
		m.wg.Add(1)
		go m.work(r)
	}
	log.Debug().Str("component", "dispatch").
		Str("type", contentType).
		Str("consumer", r.label()).
		Int("workers", r.workers).
		Int("queue_limit", r.limit).
		Msg("consumer registered")
	return r, nil
}

// Unregister removes every registration of consumer under contentType and
// returns how many were removed. Consumers of non-comparable dynamic type
// (for example ConsumerFunc) can only be removed through Registration.Close.
func (m *Manager) Unregister(contentType string, consumer Consumer) int {
	if consumer == nil || !reflect.TypeOf(consumer).Comparable() {
		return 0
	}
	m.mu.Lock()
	var removed []*Registration
	cur := *m.routes.Load()
	kept := make([]*Registration, 0, len(cur[contentType]))
	for _, r := range cur[contentType] {
		if reflect.TypeOf(r.consumer).Comparable() && r.consumer == consumer {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(removed) > 0 {
		m.storeLocked(cur, contentType, kept)
	}
	m.mu.Unlock()

	for _, r := range removed {
		r.queue.close()
	}
	return len(removed)
}

func (m *Manager) remove(r *Registration) bool {
	m.mu.Lock()
	cur := *m.routes.Load()
	list := cur[r.typ]
	idx := -1
	for i, x := range list {
		if x == r {
			idx = i
			break
		}
	}
	if idx >= 0 {
		kept := make([]*Registration, 0, len(list)-1)
		kept = append(kept, list[:idx]...)
		kept = append(kept, list[idx+1:]...)
		m.storeLocked(cur, r.typ, kept)
	}
	m.mu.Unlock()
	return idx >= 0
}

// storeLocked publishes a copy of cur with contentType mapped to regs.
// Caller holds m.mu.
func (m *Manager) storeLocked(cur table, contentType string, regs []*Registration) {
	next := make(table, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	if len(regs) == 0 {
		delete(next, contentType)
	} else {
		next[contentType] = regs
	}
	m.routes.Store(&next)
}

// AddDispatch enqueues c on every registration for c.Type and AnyType. It
// never blocks on consumers. Contents nobody accepts count as dropped.
func (m *Manager) AddDispatch(c *content.Content) {
	if c == nil {
		return
	}
	m.dispatched.Add(1)
	if m.closed.Load() {
		m.dropped.Add(1)
		log.Debug().Str("component", "dispatch").Str("type", c.Type).Msg("dispatch after close")
		return
	}

	routes := *m.routes.Load()
	accepted, full := 0, 0
	for _, key := range [2]string{c.Type, AnyType} {
		for _, r := range routes[key] {
			switch r.queue.push(c) {
			case pushed:
				accepted++
			case pushFull:
				full++
				m.overflowed.Add(1)
				log.Warn().Str("component", "dispatch").
					Str("type", c.Type).
					Str("consumer", r.label()).
					Str("session_id", c.SessionID()).
					Msg("consumer queue full, content not delivered")
			case pushClosed:
			}
		}
		if c.Type == AnyType {
			break
		}
	}
	if accepted == 0 && full == 0 {
		m.dropped.Add(1)
		log.Debug().Str("component", "dispatch").
			Str("type", c.Type).
			Str("session_id", c.SessionID()).
			Msg("no consumer for content type")
	}
}

func (m *Manager) work(r *Registration) {
	defer m.wg.Done()
	defer func() {
		if r.running.Add(-1) == 0 {
			m.mu.Lock()
			delete(m.live, r)
			m.mu.Unlock()
		}
	}()
	for {
		c, ok := r.queue.pop()
		if !ok {
			return
		}
		m.deliver(r, c)
	}
}

func (m *Manager) deliver(r *Registration, c *content.Content) {
	defer func() {
		if p := recover(); p != nil {
			m.panics.Add(1)
			log.Error().Str("component", "dispatch").
				Str("type", c.Type).
				Str("consumer", r.label()).
				Interface("panic", p).
				Msg("consumer panicked")
		}
	}()
	r.consumer.OnContent(m.ctx, c)
	m.delivered.Add(1)
}

// Close stops accepting contents, lets every mailbox drain and waits for the
// workers. If ctx ends first, the consumer context is cancelled and ctx.Err()
// is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	cur := *m.routes.Load()
	empty := table{}
	m.routes.Store(&empty)
	m.mu.Unlock()

	for _, regs := range cur {
		for _, r := range regs {
			r.queue.close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return errors.Wrap(ctx.Err(), "dispatch drain")
	}
}

// Stats is a point-in-time snapshot of the manager counters. Registrations
// and Pending include removed registrations whose workers are still draining.
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	Overflowed     uint64 `json:"overflowed"`
	ConsumerPanics uint64 `json:"consumer_panics"`
	Registrations  int    `json:"registrations"`
	Pending        int    `json:"pending"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Dispatched:     m.dispatched.Load(),
		Delivered:      m.delivered.Load(),
		Dropped:        m.dropped.Load(),
		Overflowed:     m.overflowed.Load(),
		ConsumerPanics: m.panics.Load(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Registrations = len(m.live)
	for r := range m.live {
		s.Pending += r.queue.len()
	}
	return s
}

// Registration is one consumer bound to one content type.
type Registration struct {
	id       uint64
	name     string
	typ      string
	consumer Consumer
	manager  *Manager
	queue    *mailbox
	limit    int
	workers  int
	running  atomic.Int32
	once     sync.Once
}

func (r *Registration) Type() string { return r.typ }

// Pending is the number of contents waiting in the mailbox.
func (r *Registration) Pending() int { return r.queue.len() }

// Close removes the registration. Already queued contents are still delivered.
func (r *Registration) Close() {
	r.once.Do(func() {
		r.manager.remove(r)
		r.queue.close()
	})
}

func (r *Registration) label() string {
	if r.name != "" {
		return r.name
	}
	return r.typ + "#" + strconv.FormatUint(r.id, 10)
}

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/envelope"
)

type recorder struct {
	mu   sync.Mutex
	seen []*content.Content
}

func (r *recorder) OnContent(_ context.Context, c *content.Content) {
	r.mu.Lock()
	r.seen = append(r.seen, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []*content.Content {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*content.Content(nil), r.seen...)
}

func newContent(typ string) *content.Content {
	return &content.Content{
		Type:     typ,
		Envelope: envelope.New(typ, envelope.StatusOK, "conn-1", nil, []byte(typ)),
	}
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestFanOutDeliversSameContentOnce(t *testing.T) {
	m := NewManager(context.Background())
	a, b, other := &recorder{}, &recorder{}, &recorder{}
	_, err := m.Register("orders", a)
	require.NoError(t, err)
	_, err = m.Register("orders", b)
	require.NoError(t, err)
	_, err = m.Register("metrics", other)
	require.NoError(t, err)

	c := newContent("orders")
	m.AddDispatch(c)
	closeManager(t, m)

	for _, r := range []*recorder{a, b} {
		seen := r.snapshot()
		require.Len(t, seen, 1)
		require.Same(t, c, seen[0])
	}
	require.Empty(t, other.snapshot())

	st := m.Stats()
	require.Equal(t, uint64(1), st.Dispatched)
	require.Equal(t, uint64(2), st.Delivered)
	require.Equal(t, uint64(0), st.Dropped)
}

func TestAnyTypeReceivesEverything(t *testing.T) {
	m := NewManager(context.Background())
	all := &recorder{}
	_, err := m.Register(AnyType, all)
	require.NoError(t, err)

	m.AddDispatch(newContent("a"))
	m.AddDispatch(newContent("b"))
	m.AddDispatch(newContent(AnyType))
	closeManager(t, m)

	require.Len(t, all.snapshot(), 3)
}

func TestNoConsumerCountsDropped(t *testing.T) {
	m := NewManager(context.Background())
	m.AddDispatch(newContent("nobody"))
	st := m.Stats()
	require.Equal(t, uint64(1), st.Dispatched)
	require.Equal(t, uint64(1), st.Dropped)
	closeManager(t, m)

	m.AddDispatch(newContent("late"))
	require.Equal(t, uint64(2), m.Stats().Dropped)
}

func TestAddDispatchDoesNotWaitForConsumers(t *testing.T) {
	m := NewManager(context.Background())
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(3)
	_, err := m.Register("slow", ConsumerFunc(func(context.Context, *content.Content) {
		<-release
		calls.Done()
	}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			m.AddDispatch(newContent("slow"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddDispatch blocked on a consumer")
	}
	close(release)
	calls.Wait()
	closeManager(t, m)
}

func TestBoundedQueueOverflows(t *testing.T) {
	m := NewManager(context.Background(), WithQueueLimit(1))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := m.Register("q", ConsumerFunc(func(context.Context, *content.Content) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))
	require.NoError(t, err)

	m.AddDispatch(newContent("q"))
	<-started
	m.AddDispatch(newContent("q"))
	m.AddDispatch(newContent("q"))

	st := m.Stats()
	require.Equal(t, uint64(1), st.Overflowed)
	require.Equal(t, uint64(0), st.Dropped)
	require.Equal(t, 1, st.Pending)

	close(release)
	closeManager(t, m)
	require.Equal(t, uint64(2), m.Stats().Delivered)
}

func TestUnregisterByConsumer(t *testing.T) {
	m := NewManager(context.Background())
	r := &recorder{}
	_, err := m.Register("t", r)
	require.NoError(t, err)
	_, err = m.Register("t", r)
	require.NoError(t, err)
	require.Equal(t, 2, m.Stats().Registrations)

	require.Equal(t, 2, m.Unregister("t", r))
	require.Equal(t, 0, m.Unregister("t", r))
	require.Eventually(t, func() bool { return m.Stats().Registrations == 0 }, time.Second, 5*time.Millisecond)

	m.AddDispatch(newContent("t"))
	require.Equal(t, uint64(1), m.Stats().Dropped)

	fn := ConsumerFunc(func(context.Context, *content.Content) {})
	_, err = m.Register("t", fn)
	require.NoError(t, err)
	require.Equal(t, 0, m.Unregister("t", fn))
	closeManager(t, m)
}

func TestRegistrationCloseDrainsQueued(t *testing.T) {
	m := NewManager(context.Background())
	release := make(chan struct{})
	r := &recorder{}
	reg, err := m.Register("t", ConsumerFunc(func(ctx context.Context, c *content.Content) {
		<-release
		r.OnContent(ctx, c)
	}))
	require.NoError(t, err)

	m.AddDispatch(newContent("t"))
	m.AddDispatch(newContent("t"))
	reg.Close()
	reg.Close()
	m.AddDispatch(newContent("t"))
	close(release)

	require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	closeManager(t, m)
	require.Len(t, r.snapshot(), 2)
}

func TestStatsCountDrainingQueuesDuringClose(t *testing.T) {
	m := NewManager(context.Background())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := m.Register("t", ConsumerFunc(func(context.Context, *content.Content) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.AddDispatch(newContent("t"))
	}
	<-started

	closed := make(chan error, 1)
	go func() { closed <- m.Close(context.Background()) }()
	require.Eventually(t, func() bool { return m.closed.Load() }, time.Second, time.Millisecond)

	st := m.Stats()
	require.Equal(t, 1, st.Registrations)
	require.Equal(t, 2, st.Pending)

	close(release)
	require.NoError(t, <-closed)
	st = m.Stats()
	require.Equal(t, 0, st.Registrations)
	require.Equal(t, 0, st.Pending)
	require.Equal(t, uint64(3), st.Delivered)
}

func TestConsumerPanicIsRecovered(t *testing.T) {
	m := NewManager(context.Background())
	r := &recorder{}
	_, err := m.Register("t", ConsumerFunc(func(context.Context, *content.Content) { panic("boom") }))
	require.NoError(t, err)
	_, err = m.Register("t", r)
	require.NoError(t, err)

	m.AddDispatch(newContent("t"))
	m.AddDispatch(newContent("t"))
	closeManager(t, m)

	st := m.Stats()
	require.Equal(t, uint64(2), st.ConsumerPanics)
	require.Len(t, r.snapshot(), 2)
}

func TestCloseTimesOutAndCancelsConsumers(t *testing.T) {
	m := NewManager(context.Background())
	cancelled := make(chan struct{})
	_, err := m.Register("t", ConsumerFunc(func(ctx context.Context, _ *content.Content) {
		<-ctx.Done()
		close(cancelled)
	}))
	require.NoError(t, err)
	m.AddDispatch(newContent("t"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("consumer context not cancelled")
	}

	_, err = m.Register("t", &recorder{})
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	m := NewManager(context.Background())
	_, err := m.Register("t", nil)
	require.ErrorIs(t, err, ErrNilConsumer)
	_, err = m.Register("", &recorder{})
	require.Error(t, err)
	closeManager(t, m)
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
	m := NewManager(context.Background(), WithWorkers(2))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg, err := m.Register("t", &recorder{})
				if err == nil && j%2 == 0 {
					reg.Close()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.AddDispatch(newContent("t"))
			}
		}()
	}
	wg.Wait()
	closeManager(t, m)
	st := m.Stats()
	require.Equal(t, uint64(800), st.Dispatched)
}

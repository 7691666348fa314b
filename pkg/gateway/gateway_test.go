package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

type stubWriter struct {
	mu        sync.Mutex
	responses []Response
	replies   [][]byte
	closed    int
	writeErr  error
}

func (w *stubWriter) WriteResponse(r Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.responses = append(w.responses, r)
	return nil
}

func (w *stubWriter) Reply(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replies = append(w.replies, b)
	return nil
}

func (w *stubWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	seen []*content.Content
}

func (d *stubDispatcher) AddDispatch(c *content.Content) {
	d.mu.Lock()
	d.seen = append(d.seen, c)
	d.mu.Unlock()
}

func newTestGateway(cfg Config) (*Gateway, *stubDispatcher) {
	d := &stubDispatcher{}
	return New(cfg, d, content.NewDefaultMux(), sender.NewRegistry()), d
}

func start(id string, n int) FrameStart {
	return FrameStart{MessageID: id, Length: strconv.Itoa(n), KeepAlive: true}
}

func TestSingleChunkMessageIsDispatchedAndAcked(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)

	require.NoError(t, c.FrameStart(start("orders", 5)))
	require.Equal(t, 5, c.Remaining())
	require.NoError(t, c.FrameData([]byte("hello")))

	require.Len(t, d.seen, 1)
	got := d.seen[0]
	require.Equal(t, "orders", got.Type)
	require.Equal(t, "conn-1", got.SessionID())
	require.Equal(t, []byte("hello"), got.Payload())

	require.Len(t, w.responses, 1)
	resp := w.responses[0]
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, []byte("hello"), resp.Body)
	require.Equal(t, DefaultAckContentType, resp.Header.Get("Content-Type"))
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
	require.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	require.Equal(t, "conn-1", SessionIDFromHeader(resp.Header))
	require.Contains(t, resp.Header.Values("Set-Cookie"), "JSESSIONID=conn-1; Path=/ingest/; HttpOnly")
	require.Contains(t, resp.Header.Values("Set-Cookie"), "eos_style_cookie=default")

	require.Equal(t, session.Responded, c.sess.State())
	require.Equal(t, uint64(1), g.Stats().Acked)
}

func TestFragmentedMessageAndTokenStability(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-7", w)

	require.NoError(t, c.FrameStart(start("a", 6)))
	for _, part := range []string{"ab", "cd", "ef"} {
		require.NoError(t, c.FrameData([]byte(part)))
	}
	require.NoError(t, c.FrameStart(start("b", 3)))
	require.NoError(t, c.FrameData([]byte("xyz")))

	require.Len(t, d.seen, 2)
	require.Equal(t, []byte("abcdef"), d.seen[0].Payload())
	require.Equal(t, []byte("xyz"), d.seen[1].Payload())
	require.Len(t, w.responses, 2)
	require.Equal(t,
		SessionIDFromHeader(w.responses[0].Header),
		SessionIDFromHeader(w.responses[1].Header))
}

func TestZeroLengthCompletesAtStart(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)
	require.NoError(t, c.FrameStart(start("ping", 0)))
	require.Len(t, d.seen, 1)
	require.Len(t, w.responses, 1)
	require.Empty(t, w.responses[0].Body)
	require.Equal(t, "0", w.responses[0].Header.Get("Content-Length"))
}

func TestMalformedLengthClosesConnection(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)

	err := c.FrameStart(FrameStart{MessageID: "x", Length: "abc"})
	require.ErrorIs(t, err, session.ErrMalformedHeader)
	require.True(t, c.Closed())
	require.Equal(t, 1, w.closed)
	require.Empty(t, w.responses)
	require.Empty(t, d.seen)
	require.Equal(t, 0, g.Registry().Count())

	require.ErrorIs(t, c.FrameData([]byte("late")), session.ErrClosed)
	c.Close(nil)
	require.Equal(t, 1, w.closed)
	require.Equal(t, int64(0), g.Stats().Open)
}

func TestOverflowClosesWithoutAck(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)

	require.NoError(t, c.FrameStart(start("big", 100)))
	for i := 0; i < session.MaxReadAttempts; i++ {
		require.NoError(t, c.FrameData([]byte("x")))
	}
	err := c.FrameData([]byte("x"))
	require.ErrorIs(t, err, session.ErrReassemblyOverflow)
	require.True(t, c.Closed())
	require.Empty(t, w.responses)
	require.Empty(t, d.seen)
	require.Equal(t, uint64(1), g.Stats().Aborted)
}

func TestFifthChunkStillCompletes(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)
	require.NoError(t, c.FrameStart(start("m", 5)))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.FrameData([]byte{'a' + byte(i)}))
	}
	require.Len(t, d.seen, 1)
	require.Equal(t, []byte("abcde"), d.seen[0].Payload())
}

func TestDataWithoutStartClosesConnection(t *testing.T) {
	g, _ := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)
	require.ErrorIs(t, c.FrameData([]byte("x")), session.ErrNoMessage)
	require.True(t, c.Closed())
}

func TestDecodeFailureAcksWithErrorAndKeepsConnection(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)

	bad := []byte(`{"type":`)
	require.NoError(t, c.FrameStart(FrameStart{
		MessageID: "j", Length: strconv.Itoa(len(bad)), KeepAlive: true, MediaType: content.MediaTypeJSON,
	}))
	require.NoError(t, c.FrameData(bad))

	require.Empty(t, d.seen)
	require.Len(t, w.responses, 1)
	require.Equal(t, http.StatusUnprocessableEntity, w.responses[0].Status)
	require.Equal(t, "conn-1", SessionIDFromHeader(w.responses[0].Header))
	require.False(t, c.Closed())

	require.NoError(t, c.FrameStart(start("next", 2)))
	require.NoError(t, c.FrameData([]byte("ok")))
	require.Len(t, d.seen, 1)
	require.Equal(t, uint64(1), g.Stats().Rejected)
}

func TestOversizedDeclaredLengthIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 4
	g, _ := newTestGateway(cfg)
	c := g.Open("conn-1", &stubWriter{})
	require.ErrorIs(t, c.FrameStart(start("m", 5)), ErrPayloadTooLarge)
	require.True(t, c.Closed())
}

func TestSenderRepliesUntilConnectionCloses(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{}
	c := g.Open("conn-1", w)
	require.NoError(t, c.FrameStart(start("m", 1)))
	require.NoError(t, c.FrameData([]byte("z")))

	s := d.seen[0].Sender()
	require.NoError(t, s.Reply([]byte("later")))
	require.Equal(t, [][]byte{[]byte("later")}, w.replies)

	c.Close(nil)
	require.ErrorIs(t, s.Reply([]byte("gone")), sender.ErrConnectionClosed)
	require.Len(t, w.replies, 1)
}

func TestAckBodyModesAndNonKeepAlive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckBody = AckEmpty
	g, _ := newTestGateway(cfg)
	w := &stubWriter{}
	c := g.Open("conn-1", w)
	require.NoError(t, c.FrameStart(FrameStart{MessageID: "m", Length: "2"}))
	require.NoError(t, c.FrameData([]byte("hi")))
	require.Empty(t, w.responses[0].Body)
	require.Equal(t, "close", w.responses[0].Header.Get("Connection"))

	cfg.AckBody = AckBodyFunc(func(c *content.Content, _ []byte) []byte { return []byte("accepted " + c.Type) })
	g, _ = newTestGateway(cfg)
	w = &stubWriter{}
	c = g.Open("conn-2", w)
	require.NoError(t, c.FrameStart(start("m", 2)))
	require.NoError(t, c.FrameData([]byte("hi")))
	require.Equal(t, "accepted m", string(w.responses[0].Body))

	_, err := ParseAckBody("bogus")
	require.Error(t, err)
	b, err := ParseAckBody("empty")
	require.NoError(t, err)
	require.Nil(t, b.AckBody(nil, []byte("x")))
}

func TestAckWriteFailureClosesConnection(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	w := &stubWriter{writeErr: errors.New("broken pipe")}
	c := g.Open("conn-1", w)
	require.NoError(t, c.FrameStart(start("m", 1)))
	err := c.FrameData([]byte("z"))
	require.Error(t, err)
	require.True(t, c.Closed())
	require.Len(t, d.seen, 1)
}

func TestConcurrentConnectionsShareGateway(t *testing.T) {
	g, d := newTestGateway(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := g.Open("conn-"+strconv.Itoa(i), &stubWriter{})
			for j := 0; j < 10; j++ {
				if err := c.FrameStart(start("m", 4)); err != nil {
					t.Error(err)
					return
				}
				for _, p := range []string{"ab", "cd"} {
					if err := c.FrameData([]byte(p)); err != nil {
						t.Error(err)
						return
					}
				}
			}
			c.Close(nil)
		}(i)
	}
	wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, 160)
	require.Equal(t, int64(0), g.Stats().Open)
}

func TestSessionIDFromCookies(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", "eos_style_cookie=default; JSESSIONID=abc-123")
	require.Equal(t, "abc-123", SessionIDFromCookies(h))
	require.Equal(t, "", SessionIDFromCookies(http.Header{}))

	cookies := AffinityCookies("s1", "")
	require.Equal(t, "/", cookies[1].Path)
}

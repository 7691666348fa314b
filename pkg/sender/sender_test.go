package sender

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu      sync.Mutex
	replies [][]byte
	closed  bool
	err     error
}

func (s *stubConn) Reply(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.replies = append(s.replies, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSenderReplyReachesRegisteredConn(t *testing.T) {
	reg := NewRegistry()
	conn := &stubConn{}
	reg.Add("c1", conn)

	s := reg.Sender("c1")
	require.Equal(t, "c1", s.ID())
	require.NoError(t, s.Reply([]byte("hello")))
	require.Equal(t, [][]byte{[]byte("hello")}, conn.replies)
}

func TestSenderReplyAfterRemoveReturnsConnectionClosed(t *testing.T) {
	reg := NewRegistry()
	conn := &stubConn{}
	reg.Add("c1", conn)
	s := reg.Sender("c1")

	reg.Remove("c1")

	err := s.Reply([]byte("late"))
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.True(t, IsClosed(err))
	require.Empty(t, conn.replies)
}

func TestSenderReplyUnknownAndNil(t *testing.T) {
	reg := NewRegistry()
	require.ErrorIs(t, reg.Sender("missing").Reply([]byte("x")), ErrConnectionClosed)

	var s *Sender
	require.ErrorIs(t, s.Reply([]byte("x")), ErrConnectionClosed)
	require.Equal(t, "", s.ID())
}

func TestSenderReplyWrapsTransportErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Add("c1", &stubConn{err: errors.New("broken pipe")})

	err := reg.Sender("c1").Reply([]byte("x"))
	require.Error(t, err)
	require.False(t, IsClosed(err))
	require.Contains(t, err.Error(), "reply to c1")
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()
	a, b := &stubConn{}, &stubConn{}
	reg.Add("a", a)
	reg.Add("b", b)
	require.Equal(t, 2, reg.Count())
	require.Equal(t, []string{"a", "b"}, reg.IDs())

	seen := 0
	reg.Range(func(string, Conn) bool {
		seen++
		return true
	})
	require.Equal(t, 2, seen)

	reg.CloseAll()
	require.Equal(t, 0, reg.Count())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

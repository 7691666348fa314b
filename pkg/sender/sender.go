// Package sender provides reply handles that let dispatch consumers answer on the
// connection a payload arrived on, after the acknowledgement has already been sent.
//
// A Sender holds a connection id and a Registry, never the connection itself.
// Once the transport removes the connection from the registry every Reply returns
// ErrConnectionClosed. Consumers should treat that as a normal outcome.
package sender

import (
	"github.com/pkg/errors"
)

var ErrConnectionClosed = errors.New("connection closed")

type Sender struct {
	id       string
	registry *Registry
}

func (s *Sender) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Reply writes data to the owning connection.
func (s *Sender) Reply(data []byte) error {
	if s == nil || s.registry == nil || s.id == "" {
		return ErrConnectionClosed
	}
	conn, ok := s.registry.Get(s.id)
	if !ok {
		return ErrConnectionClosed
	}
	if err := conn.Reply(data); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		return errors.Wrapf(err, "reply to %s", s.id)
	}
	return nil
}

// IsClosed reports whether err means the owning connection is gone.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// Package content turns completed session payloads into typed Content values.
//
// A Factory owns one wire format. Factories never panic on bad input: they return
// an error wrapping ErrDecodeFailure, which the gateway answers with a rejection
// acknowledgement while keeping the connection open.
package content

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ingestgw/pkg/envelope"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

var ErrDecodeFailure = errors.New("decode failure")

// Content is a completed payload ready for dispatch. It is shared by reference
// between every consumer it fans out to and must be treated as read-only.
type Content struct {
	Type       string
	MediaType  string
	Envelope   *envelope.Envelope
	ReceivedAt time.Time
}

func (c *Content) SessionID() string {
	if c == nil || c.Envelope == nil {
		return ""
	}
	return c.Envelope.SessionID()
}

func (c *Content) MessageID() string {
	if c == nil || c.Envelope == nil {
		return ""
	}
	return c.Envelope.MessageID()
}

func (c *Content) Payload() []byte {
	if c == nil || c.Envelope == nil {
		return nil
	}
	return c.Envelope.Payload()
}

func (c *Content) Sender() *sender.Sender {
	if c == nil || c.Envelope == nil {
		return nil
	}
	return c.Envelope.Sender()
}

type Factory interface {
	Create(view session.View, payload []byte, s *sender.Sender) (*Content, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(view session.View, payload []byte, s *sender.Sender) (*Content, error)

func (f FactoryFunc) Create(view session.View, payload []byte, s *sender.Sender) (*Content, error) {
	return f(view, payload, s)
}

func decodeFailure(format string, args ...any) error {
	return errors.Wrapf(ErrDecodeFailure, format, args...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package envelope holds the logical message value handed from the gateway to
// dispatch consumers.
package envelope

import (
	"strconv"

	"github.com/go-go-golems/ingestgw/pkg/sender"
)

// Status is the outcome code carried by an Envelope.
type Status int32

const (
	StatusOK       Status = 0
	StatusRejected Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Envelope is one application message. Apart from Merge it is not modified
// after New returns.
type Envelope struct {
	messageID string
	status    Status
	sessionID string
	sender    *sender.Sender
	payload   []byte
}

func New(messageID string, status Status, sessionID string, s *sender.Sender, payload []byte) *Envelope {
	e := &Envelope{
		messageID: messageID,
		status:    status,
		sessionID: sessionID,
		sender:    s,
	}
	e.Merge(payload)
	return e
}

func (e *Envelope) MessageID() string { return e.messageID }
func (e *Envelope) Status() Status    { return e.status }
func (e *Envelope) SessionID() string { return e.sessionID }

// Sender may outlive its connection; Reply then returns sender.ErrConnectionClosed.
func (e *Envelope) Sender() *sender.Sender { return e.sender }

// Payload returns the stored bytes. Callers must not modify them.
func (e *Envelope) Payload() []byte { return e.payload }

// Merge replaces the stored payload.
func (e *Envelope) Merge(payload []byte) {
	e.payload = payload
}

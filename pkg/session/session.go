// Package session tracks per-connection reassembly state.
//
// A Session belongs to exactly one connection and is mutated only from that
// connection's event stream, so it carries no lock. Content factories receive a
// View and never see the mutators.
package session

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxReadAttempts bounds the frame-data events accepted for one message.
const MaxReadAttempts = 5

const preallocLimit = 64 * 1024

var (
	ErrMalformedHeader    = errors.New("malformed header: declared length missing or unparseable")
	ErrReassemblyOverflow = errors.New("reassembly overflow: read attempts exceeded")
	ErrNoMessage          = errors.New("frame data without a pending message")
	ErrClosed             = errors.New("session closed")
)

type State int

const (
	AwaitingHeader State = iota
	Accumulating
	Complete
	Responded
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	case Responded:
		return "responded"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// View is the read-only side of a Session.
type View interface {
	ID() string
	MessageID() string
	MediaType() string
	KeepAlive() bool
}

type Option func(*Session)

// WithMaxReadAttempts overrides MaxReadAttempts. Values below 1 are ignored.
func WithMaxReadAttempts(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

type Session struct {
	id          string
	keepAlive   bool
	maxAttempts int

	state       State
	messageID   string
	mediaType   string
	expected    int
	accumulated []byte
	attempts    int
}

var _ View = (*Session)(nil)

func New(id string, keepAlive bool, opts ...Option) *Session {
	s := &Session{
		id:          id,
		keepAlive:   keepAlive,
		maxAttempts: MaxReadAttempts,
		state:       AwaitingHeader,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) KeepAlive() bool     { return s.keepAlive }
func (s *Session) MessageID() string   { return s.messageID }
func (s *Session) MediaType() string   { return s.mediaType }
func (s *Session) State() State        { return s.state }
func (s *Session) ExpectedLength() int { return s.expected }
func (s *Session) Accumulated() int    { return len(s.accumulated) }
func (s *Session) ReadAttempts() int   { return s.attempts }
func (s *Session) MaxAttempts() int    { return s.maxAttempts }

// Remaining is the number of bytes the current message still needs.
func (s *Session) Remaining() int {
	if s.state != Accumulating {
		return 0
	}
	return s.expected - len(s.accumulated)
}

// Begin starts a new message. It reports complete=true for zero-length
// payloads, which need no frame data. A Begin during Accumulating discards
// the partial message.
func (s *Session) Begin(messageID string, declared int, mediaType string) (bool, error) {
	switch s.state {
	case Closed:
		return false, ErrClosed
	case Complete:
		return false, errors.New("previous message not yet responded")
	}
	if declared < 0 {
		declared = 0
	}
	s.resetMessage()
	s.messageID = messageID
	s.mediaType = strings.TrimSpace(mediaType)
	s.expected = declared
	s.accumulated = make([]byte, 0, min(declared, preallocLimit))
	s.state = Accumulating
	if declared == 0 {
		s.state = Complete
		return true, nil
	}
	return false, nil
}

// Accumulate appends at most Remaining bytes of chunk. Exceeding the read
// attempt bound before completion closes the session.
func (s *Session) Accumulate(chunk []byte) (bool, error) {
	switch s.state {
	case Closed:
		return false, ErrClosed
	case Accumulating:
	default:
		return false, ErrNoMessage
	}
	s.attempts++
	if s.attempts > s.maxAttempts {
		s.Close()
		return false, errors.Wrapf(ErrReassemblyOverflow, "%d attempts", s.maxAttempts)
	}
	need := s.expected - len(s.accumulated)
	if len(chunk) > need {
		chunk = chunk[:need]
	}
	s.accumulated = append(s.accumulated, chunk...)
	if len(s.accumulated) == s.expected {
		s.state = Complete
		return true, nil
	}
	return false, nil
}

// Payload returns a copy of the completed message bytes.
func (s *Session) Payload() ([]byte, error) {
	if s.state != Complete {
		return nil, errors.Errorf("payload requested in state %s", s.state)
	}
	out := make([]byte, len(s.accumulated))
	copy(out, s.accumulated)
	return out, nil
}

// MarkResponded finishes the current message and readies the session for the next one.
func (s *Session) MarkResponded() error {
	if s.state != Complete {
		return errors.Errorf("respond in state %s", s.state)
	}
	s.resetMessage()
	s.state = Responded
	return nil
}

func (s *Session) Close() {
	s.resetMessage()
	s.state = Closed
}

func (s *Session) resetMessage() {
	s.messageID = ""
	s.mediaType = ""
	s.expected = 0
	s.accumulated = nil
	s.attempts = 0
}

// ParseDeclaredLength parses a declared payload length. Missing or
// unparseable values are malformed; negative values mean an empty payload.
func ParseDeclaredLength(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrMalformedHeader
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q", raw)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

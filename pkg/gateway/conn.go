package gateway

import (
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/session"
)

// FrameStart announces a new message on a connection.
type FrameStart struct {
	MessageID string
	// Length is the declared payload length as carried by the transport.
	Length    string
	KeepAlive bool
	MediaType string
}

// Conn handles the event stream of one connection. Calls must come from the
// goroutine that reads the connection.
type Conn struct {
	id      string
	gateway *Gateway
	w       ResponseWriter
	sess    *session.Session

	closeOnce sync.Once
	closed    bool
}

func (c *Conn) ID() string { return c.id }

// Session is nil until the first frame arrives.
func (c *Conn) Session() session.View {
	if c.sess == nil {
		return nil
	}
	return c.sess
}

// Remaining is how many payload bytes the current message still needs.
func (c *Conn) Remaining() int {
	if c.sess == nil {
		return 0
	}
	return c.sess.Remaining()
}

func (c *Conn) Closed() bool { return c.closed }

// FrameStart begins a message. A malformed or oversized length closes the
// connection and is returned.
func (c *Conn) FrameStart(f FrameStart) error {
	if c.closed {
		return session.ErrClosed
	}
	n, err := session.ParseDeclaredLength(f.Length)
	if err != nil {
		c.abort(err)
		return err
	}
	if limit := c.gateway.cfg.MaxPayloadBytes; limit > 0 && n > limit {
		err = errors.Wrapf(ErrPayloadTooLarge, "%d > %d", n, limit)
		c.abort(err)
		return err
	}
	if c.sess == nil {
		c.sess = session.New(c.id, f.KeepAlive, session.WithMaxReadAttempts(c.gateway.cfg.MaxReadAttempts))
	}
	complete, err := c.sess.Begin(f.MessageID, n, f.MediaType)
	if err != nil {
		c.abort(err)
		return err
	}
	if complete {
		return c.complete()
	}
	return nil
}

// FrameData feeds one chunk of the current message. Data without a message or
// beyond the read attempt bound closes the connection.
func (c *Conn) FrameData(chunk []byte) error {
	if c.closed {
		return session.ErrClosed
	}
	if c.sess == nil {
		c.abort(session.ErrNoMessage)
		return session.ErrNoMessage
	}
	complete, err := c.sess.Accumulate(chunk)
	if err != nil {
		c.abort(err)
		return err
	}
	if complete {
		return c.complete()
	}
	return nil
}

func (c *Conn) complete() error {
	g := c.gateway
	payload, err := c.sess.Payload()
	if err != nil {
		c.abort(err)
		return err
	}

	ct, err := g.factory.Create(c.sess, payload, g.registry.Sender(c.id))
	var resp Response
	if err != nil {
		g.rejected.Add(1)
		log.Warn().Str("component", "gateway").
			Str("conn_id", c.id).
			Str("message_id", c.sess.MessageID()).
			Str("media_type", c.sess.MediaType()).
			Err(err).
			Msg("content rejected")
		resp = c.response(http.StatusUnprocessableEntity, "text/plain; charset=utf-8", []byte(err.Error()))
	} else {
		g.acked.Add(1)
		resp = c.response(http.StatusOK, g.cfg.AckContentType, g.cfg.AckBody.AckBody(ct, payload))
	}

	// The ack goes out before dispatch so a consumer reply can never precede
	// it on the wire. Dispatch happens whether or not the write succeeded.
	werr := c.w.WriteResponse(resp)
	if err == nil && g.dispatcher != nil {
		g.dispatcher.AddDispatch(ct)
	}
	if werr != nil {
		werr = errors.Wrap(werr, "write ack")
		c.abort(werr)
		return werr
	}
	return c.sess.MarkResponded()
}

func (c *Conn) response(status int, contentType string, body []byte) Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	for _, ck := range AffinityCookies(c.id, c.gateway.cfg.CookiePath) {
		h.Add("Set-Cookie", ck.String())
	}
	if c.sess.KeepAlive() {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}
	return Response{Status: status, Header: h, Body: body}
}

func (c *Conn) abort(err error) {
	c.gateway.aborted.Add(1)
	c.Close(err)
}

// Close discards the session, unregisters the connection and closes the
// transport. cause is nil or io.EOF for an orderly disconnect.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closed = true
		if c.sess != nil {
			c.sess.Close()
		}
		g := c.gateway
		g.registry.Remove(c.id)
		g.open.Add(-1)

		ev := log.Debug()
		if cause != nil && !errors.Is(cause, io.EOF) {
			ev = log.Info().Err(cause)
		}
		ev.Str("component", "gateway").Str("conn_id", c.id).Msg("connection closed")

		if err := c.w.Close(); err != nil {
			log.Debug().Str("component", "gateway").Str("conn_id", c.id).Err(err).Msg("transport close")
		}
	})
}

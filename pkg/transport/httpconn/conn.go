package httpconn

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ingestgw/pkg/gateway"
	"github.com/go-go-golems/ingestgw/pkg/sender"
)

// conn is the writing side of one connection. Acknowledgements and replies
// may come from different goroutines and are serialized on wmu.
type conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	wmu    sync.Mutex
	bw     *bufio.Writer
	closed atomic.Bool
}

var _ gateway.ResponseWriter = (*conn)(nil)

func (c *conn) WriteResponse(r gateway.Response) error {
	return c.write(r.Status, r.Header, r.Body)
}

// Reply writes an unsolicited 200 response marked with ReplyHeader.
func (c *conn) Reply(data []byte) error {
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set(ReplyHeader, "1")
	err := c.write(http.StatusOK, h, data)
	if err != nil && c.closed.Load() {
		return sender.ErrConnectionClosed
	}
	return err
}

func (c *conn) write(status int, h http.Header, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return sender.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := fmt.Fprintf(c.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return errors.Wrap(err, "write status line")
	}
	if h.Get("Content-Length") == "" {
		h = h.Clone()
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if err := h.Write(c.bw); err != nil {
		return errors.Wrap(err, "write headers")
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return errors.Wrap(err, "write headers")
	}
	if _, err := c.bw.Write(body); err != nil {
		return errors.Wrap(err, "write body")
	}
	return errors.Wrap(c.bw.Flush(), "flush")
}

// writeContinue sends the interim response a client waits for before
// sending a body under Expect: 100-continue.
func (c *conn) writeContinue() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return sender.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return errors.Wrap(err, "write continue")
	}
	return errors.Wrap(c.bw.Flush(), "flush")
}

func (c *conn) setReadDeadline(d time.Duration) {
	if d > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

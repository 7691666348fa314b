package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Client speaks the websocket ingest protocol. Send may be called from one
// goroutine while another reads with Next.
type Client struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// Dial connects to a gateway websocket endpoint such as ws://host:8081/ws.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &Client{ws: ws}, nil
}

// Send announces a message and writes payload as up to fragments binary
// messages.
func (c *Client) Send(messageID, mediaType string, payload []byte, fragments int) error {
	if fragments <= 0 {
		fragments = 1
	}
	if err := c.Start(messageID, mediaType, len(payload)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	size := (len(payload) + fragments - 1) / fragments
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		if err := c.Data(payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Start sends a frame.start control frame.
func (c *Client) Start(messageID, mediaType string, length int) error {
	b, err := json.Marshal(ControlFrame{
		Type:      TypeFrameStart,
		MessageID: messageID,
		Length:    json.RawMessage(strconv.Itoa(length)),
		MediaType: mediaType,
	})
	if err != nil {
		return errors.Wrap(err, "encode frame.start")
	}
	return c.write(websocket.TextMessage, b)
}

// Data sends one payload fragment.
func (c *Client) Data(p []byte) error {
	return c.write(websocket.BinaryMessage, p)
}

func (c *Client) Ping() error {
	b, _ := json.Marshal(ControlFrame{Type: TypePing})
	return c.write(websocket.TextMessage, b)
}

func (c *Client) write(msgType int, b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return errors.Wrap(c.ws.WriteMessage(msgType, b), "write")
}

// Next returns the next server frame. ctx bounds the wait through its deadline.
func (c *Client) Next(ctx context.Context) (ServerFrame, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return ServerFrame{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ServerFrame{}, errors.Wrap(err, "decode server frame")
		}
		return f, nil
	}
}

// Close sends a normal closure and closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

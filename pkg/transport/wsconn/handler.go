// Package wsconn serves the gateway over websockets. JSON text messages carry
// control frames, binary messages carry payload fragments.
package wsconn

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/gateway"
	"github.com/go-go-golems/ingestgw/pkg/sender"
)

type Handler struct {
	Gateway      *gateway.Gateway
	Upgrader     websocket.Upgrader
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageBytes bounds a single websocket message. 0 keeps gorilla's default.
	MaxMessageBytes int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "wsconn").Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.Serve(r.Context(), ws)
}

// Serve runs the read loop of ws until the connection ends.
func (h *Handler) Serve(ctx context.Context, ws *websocket.Conn) {
	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: h.WriteTimeout,
	}
	if h.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.MaxMessageBytes)
	}
	wsLog := log.With().
		Str("component", "wsconn").
		Str("remote", ws.RemoteAddr().String()).
		Str("conn_id", c.id).
		Logger()
	wsLog.Debug().Msg("ws connected")

	gc := h.Gateway.Open(c.id, c)
	cause := h.readLoop(ctx, c, gc)
	wsLog.Debug().Err(cause).Msg("ws read loop end")
	gc.Close(cause)
}

func (h *Handler) readLoop(ctx context.Context, c *conn, gc *gateway.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if h.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(h.IdleTimeout))
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := gc.FrameData(data); err != nil {
				return nil
			}
		case websocket.TextMessage:
			var cf ControlFrame
			if err := json.Unmarshal(data, &cf); err != nil {
				return errors.Wrap(err, "decode control frame")
			}
			switch strings.ToLower(strings.TrimSpace(cf.Type)) {
			case TypeFrameStart:
				err := gc.FrameStart(gateway.FrameStart{
					MessageID: strings.TrimSpace(cf.MessageID),
					Length:    cf.LengthString(),
					KeepAlive: true,
					MediaType: cf.MediaType,
				})
				if err != nil {
					return nil
				}
			case TypePing:
				if err := c.writeFrame(ServerFrame{Type: TypePong}); err != nil {
					return err
				}
			default:
				log.Debug().Str("component", "wsconn").Str("conn_id", c.id).Str("type", cf.Type).Msg("ignoring unknown control frame")
			}
		}
	}
}

// conn serializes writes of acknowledgements and replies on one websocket.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu    sync.Mutex
	closed atomic.Bool
}

var _ gateway.ResponseWriter = (*conn)(nil)

func (c *conn) WriteResponse(r gateway.Response) error {
	return c.writeFrame(ServerFrame{
		Type:    TypeAck,
		Status:  r.Status,
		Headers: r.Header,
		Body:    r.Body,
	})
}

func (c *conn) Reply(data []byte) error {
	return c.writeFrame(ServerFrame{Type: TypeReply, Body: data})
}

func (c *conn) writeFrame(f ServerFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return sender.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		if c.closed.Load() {
			return sender.ErrConnectionClosed
		}
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

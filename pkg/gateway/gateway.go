// Package gateway drives per-connection sessions from transport events and
// answers every completed message with an acknowledgement carrying a
// session-affinity cookie. Completed contents go to a Dispatcher; the gateway
// never waits for them to be processed.
package gateway

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

const (
	DefaultCookiePath      = "ingest"
	DefaultAckContentType  = "text/plain; charset=utf-8"
	DefaultMaxPayloadBytes = 1 << 20
)

var ErrPayloadTooLarge = errors.New("declared payload too large")

// Dispatcher receives completed contents. AddDispatch must not block.
type Dispatcher interface {
	AddDispatch(c *content.Content)
}

// Response is one acknowledgement as handed to the transport.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ResponseWriter is the transport side of one connection. Reply and Close come
// from sender.Conn so the same value is registered for asynchronous replies.
type ResponseWriter interface {
	sender.Conn
	WriteResponse(r Response) error
}

type Config struct {
	// CookiePath scopes the affinity cookie to /<CookiePath>/.
	CookiePath      string
	AckContentType  string
	AckBody         AckBody
	MaxReadAttempts int
	// MaxPayloadBytes rejects larger declared lengths. 0 disables the check.
	MaxPayloadBytes int
}

func DefaultConfig() Config {
	return Config{
		CookiePath:      DefaultCookiePath,
		AckContentType:  DefaultAckContentType,
		AckBody:         AckEcho,
		MaxReadAttempts: session.MaxReadAttempts,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

func (c Config) withDefaults() Config {
	c.CookiePath = strings.Trim(strings.TrimSpace(c.CookiePath), "/")
	if c.CookiePath == "" {
		c.CookiePath = DefaultCookiePath
	}
	if strings.TrimSpace(c.AckContentType) == "" {
		c.AckContentType = DefaultAckContentType
	}
	if c.AckBody == nil {
		c.AckBody = AckEcho
	}
	if c.MaxReadAttempts <= 0 {
		c.MaxReadAttempts = session.MaxReadAttempts
	}
	if c.MaxPayloadBytes < 0 {
		c.MaxPayloadBytes = 0
	}
	return c
}

// Gateway is shared by all connections.
type Gateway struct {
	cfg        Config
	dispatcher Dispatcher
	factory    content.Factory
	registry   *sender.Registry

	opened   atomic.Uint64
	open     atomic.Int64
	acked    atomic.Uint64
	rejected atomic.Uint64
	aborted  atomic.Uint64
}

func New(cfg Config, d Dispatcher, f content.Factory, reg *sender.Registry) *Gateway {
	if f == nil {
		f = content.NewDefaultMux()
	}
	if reg == nil {
		reg = sender.NewRegistry()
	}
	return &Gateway{
		cfg:        cfg.withDefaults(),
		dispatcher: d,
		factory:    f,
		registry:   reg,
	}
}

func (g *Gateway) Config() Config             { return g.cfg }
func (g *Gateway) Registry() *sender.Registry { return g.registry }

// Open starts handling a new connection and makes it reachable for replies.
func (g *Gateway) Open(connID string, w ResponseWriter) *Conn {
	c := &Conn{
		id:      connID,
		gateway: g,
		w:       w,
	}
	g.registry.Add(connID, w)
	g.opened.Add(1)
	g.open.Add(1)
	log.Debug().Str("component", "gateway").Str("conn_id", connID).Msg("connection opened")
	return c
}

type Stats struct {
	Opened   uint64 `json:"opened"`
	Open     int64  `json:"open"`
	Acked    uint64 `json:"acked"`
	Rejected uint64 `json:"rejected"`
	Aborted  uint64 `json:"aborted"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Opened:   g.opened.Load(),
		Open:     g.open.Load(),
		Acked:    g.acked.Load(),
		Rejected: g.rejected.Load(),
		Aborted:  g.aborted.Load(),
	}
}

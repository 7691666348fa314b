// Package httpconn serves the gateway over raw HTTP/1.1 keep-alive
// connections. Each request head becomes a frame start and its body is fed to
// the gateway in ChunkSize pieces.
package httpconn

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/gateway"
)

const (
	// MessageIDHeader carries the message identifier of a request.
	MessageIDHeader = "messageId"
	// ReplyHeader marks responses produced by asynchronous replies.
	ReplyHeader = "X-Reply"

	DefaultChunkSize = 256 << 10
)

type Server struct {
	Addr    string
	Gateway *gateway.Gateway

	ChunkSize      int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// ListenAndServe listens on s.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is done. It then closes the listener and
// every open connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Gateway == nil {
		return errors.New("httpconn: nil gateway")
	}
	log.Info().Str("component", "httpconn").Str("addr", ln.Addr().String()).Msg("ingest listener started")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = errors.Wrap(err, "accept")
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
	close(stop)

	s.closeConns()
	s.wg.Wait()
	log.Info().Str("component", "httpconn").Str("addr", ln.Addr().String()).Msg("ingest listener stopped")
	return acceptErr
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) track(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.conns == nil {
			s.conns = map[*conn]struct{}{}
		}
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

// ServeConn runs the read loop of one connection until it closes.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := &conn{
		id:           uuid.NewString(),
		nc:           nc,
		bw:           bufio.NewWriter(nc),
		writeTimeout: s.WriteTimeout,
	}
	s.track(c, true)
	defer s.track(c, false)

	gc := s.Gateway.Open(c.id, c)
	cause := s.readLoop(ctx, c, gc)
	gc.Close(cause)
}

func (s *Server) readLoop(ctx context.Context, c *conn, gc *gateway.Conn) error {
	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	maxHeader := s.MaxHeaderBytes
	if maxHeader <= 0 {
		maxHeader = http.DefaultMaxHeaderBytes
	}
	lr := &headerLimiter{r: c.nc, n: -1}
	br := bufio.NewReader(lr)
	var buf []byte

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setReadDeadline(s.IdleTimeout)
		lr.n = int64(maxHeader + br.Size())
		req, err := http.ReadRequest(br)
		lr.n = -1
		if err != nil {
			return readErr(err)
		}

		err = gc.FrameStart(gateway.FrameStart{
			MessageID: strings.TrimSpace(req.Header.Get(MessageIDHeader)),
			Length:    req.Header.Get("Content-Length"),
			KeepAlive: !req.Close,
			MediaType: mediaType(req),
		})
		if err != nil {
			return nil
		}
		if gc.Remaining() > 0 && strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
			if err := c.writeContinue(); err != nil {
				return err
			}
		}

		for gc.Remaining() > 0 {
			n := min(gc.Remaining(), chunkSize)
			if len(buf) < n {
				buf = make([]byte, n)
			}
			c.setReadDeadline(s.IdleTimeout)
			read, err := io.ReadFull(req.Body, buf[:n])
			if read > 0 {
				if ferr := gc.FrameData(buf[:read]); ferr != nil {
					return nil
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return readErr(err)
			}
		}

		if req.Close {
			return nil
		}
	}
}

// headerLimiter bounds how much a request head may read. A negative n
// means unlimited.
type headerLimiter struct {
	r io.Reader
	n int64
}

func (l *headerLimiter) Read(p []byte) (int, error) {
	if l.n < 0 {
		return l.r.Read(p)
	}
	if l.n == 0 {
		return 0, errors.New("request header too large")
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func mediaType(req *http.Request) string {
	if req.Header.Get("Content-Type") == "" {
		return ""
	}
	mt, err := contenttype.GetMediaType(req)
	if err != nil {
		return ""
	}
	return mt.String()
}

// Package server assembles the gateway: connection registry, dispatch manager,
// content factories, the raw HTTP ingest listener, the admin/websocket
// listener and the optional message bus bridge.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/ingestgw/pkg/bridge"
	"github.com/go-go-golems/ingestgw/pkg/config"
	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/dispatch"
	"github.com/go-go-golems/ingestgw/pkg/gateway"
	"github.com/go-go-golems/ingestgw/pkg/journal"
	"github.com/go-go-golems/ingestgw/pkg/logging"
	"github.com/go-go-golems/ingestgw/pkg/redisstream"
	"github.com/go-go-golems/ingestgw/pkg/script"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/transport/httpconn"
	"github.com/go-go-golems/ingestgw/pkg/transport/wsconn"
)

type Option func(*Server) error

// WithFactory replaces the default content factory mux.
func WithFactory(f content.Factory) Option {
	return func(s *Server) error {
		if f == nil {
			return errors.New("nil factory")
		}
		s.factory = f
		return nil
	}
}

// WithConsumer registers an extra consumer for contentType at startup.
func WithConsumer(contentType string, c dispatch.Consumer, opts ...dispatch.RegisterOption) Option {
	return func(s *Server) error {
		_, err := s.dispatch.Register(contentType, c, opts...)
		return err
	}
}

// WithBusPublisher overrides the publisher the bridge writes to.
func WithBusPublisher(pub message.Publisher) Option {
	return func(s *Server) error {
		s.busPub = pub
		return nil
	}
}

type Server struct {
	cfg config.Config

	registry *sender.Registry
	dispatch *dispatch.Manager
	factory  content.Factory
	gateway  *gateway.Gateway
	ingest   *httpconn.Server
	ws       *wsconn.Handler
	admin    *http.Server

	busPub   message.Publisher
	memBus   *gochannel.GoChannel
	bridge   *bridge.Publisher
	journal  *journal.Consumer
	script   *script.Runtime
	shutdown chan struct{}
}

// New wires every component from cfg. cfg must have passed Validate.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	ackBody, err := gateway.ParseAckBody(cfg.AckBody)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: sender.NewRegistry(),
		// Consumers outlive ctx so queued contents drain on shutdown; only
		// a Close that runs out of time cancels them.
		dispatch: dispatch.NewManager(context.WithoutCancel(ctx),
			dispatch.WithQueueLimit(cfg.Dispatch.QueueLimit),
			dispatch.WithWorkers(cfg.Dispatch.Workers),
		),
		shutdown: make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			_ = s.dispatch.Close(context.Background())
			return nil, err
		}
	}
	if s.factory == nil {
		s.factory = content.NewDefaultMux()
	}

	if err := s.registerBuiltins(); err != nil {
		_ = s.closeBackends()
		return nil, err
	}
	if err := s.setupBridge(); err != nil {
		_ = s.closeBackends()
		return nil, err
	}

	s.gateway = gateway.New(gateway.Config{
		CookiePath:      cfg.CookiePath,
		AckBody:         ackBody,
		MaxReadAttempts: cfg.MaxReadAttempts,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, s.dispatch, s.factory, s.registry)

	s.ingest = &httpconn.Server{
		Addr:           cfg.Listen,
		Gateway:        s.gateway,
		ChunkSize:      cfg.ChunkSize,
		IdleTimeout:    cfg.IdleTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	s.ws = &wsconn.Handler{
		Gateway:         s.gateway,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: int64(cfg.ChunkSize) + 1<<10,
	}
	s.admin = &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

func (s *Server) registerBuiltins() error {
	for _, name := range s.cfg.Consumers {
		var c dispatch.Consumer
		switch name {
		case config.ConsumerLog:
			c = LogConsumer{}
		case config.ConsumerEchoReply:
			c = EchoReplyConsumer{}
		case config.ConsumerJournal:
			dsn, err := journal.SQLiteDSNForFile(s.cfg.Journal.Path)
			if err != nil {
				return err
			}
			store, err := journal.NewSQLiteStore(dsn)
			if err != nil {
				return err
			}
			s.journal = journal.NewConsumer(store)
			c = s.journal
		case config.ConsumerScript:
			rt := script.New()
			if err := rt.LoadFile(s.cfg.Script.Path); err != nil {
				return err
			}
			s.script = rt
			c = rt
		default:
			return errors.Errorf("unknown consumer %q", name)
		}
		if _, err := s.dispatch.Register(dispatch.AnyType, c, dispatch.WithName(name)); err != nil {
			return errors.Wrapf(err, "register consumer %s", name)
		}
	}
	return nil
}

func (s *Server) setupBridge() error {
	if s.busPub == nil {
		switch s.cfg.Bridge.Backend {
		case config.BridgeNone, "":
			return nil
		case config.BridgeMemory:
			s.memBus = gochannel.NewGoChannel(gochannel.Config{
				OutputChannelBuffer: 256,
			}, logging.NewWatermillAdapter(log.Logger))
			s.busPub = s.memBus
		case config.BridgeRedis:
			pub, err := redisstream.BuildPublisher(s.cfg.Redis)
			if err != nil {
				return err
			}
			s.busPub = pub
		default:
			return errors.Errorf("unknown bridge backend %q", s.cfg.Bridge.Backend)
		}
	}

	s.bridge = bridge.NewPublisher(s.busPub, s.cfg.Bridge.TopicPrefix)
	contentType := s.cfg.Bridge.Type
	if contentType == "" {
		contentType = dispatch.AnyType
	}
	if _, err := s.dispatch.Register(contentType, s.bridge, dispatch.WithName("bridge")); err != nil {
		return errors.Wrap(err, "register bridge")
	}
	log.Info().
		Str("component", "server").
		Str("backend", s.cfg.Bridge.Backend).
		Str("type", contentType).
		Str("topic_prefix", s.cfg.Bridge.TopicPrefix).
		Msg("bridge enabled")
	return nil
}

func (s *Server) Gateway() *gateway.Gateway       { return s.gateway }
func (s *Server) Dispatch() *dispatch.Manager     { return s.dispatch }
func (s *Server) Registry() *sender.Registry      { return s.registry }
func (s *Server) Bridge() *bridge.Publisher       { return s.bridge }
func (s *Server) Config() config.Config           { return s.cfg }
func (s *Server) WebSocket() *wsconn.Handler      { return s.ws }
func (s *Server) Ingest() *httpconn.Server        { return s.ingest }
func (s *Server) MemoryBus() *gochannel.GoChannel { return s.memBus }
func (s *Server) Journal() *journal.Consumer      { return s.journal }

// Handler serves the admin routes: /ws, /healthz, /stats and, with the
// journal consumer enabled, /journal.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdown:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("ok\n"))
		}
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})
	if s.journal != nil {
		mux.HandleFunc("/journal", s.handleJournal)
	}
	return mux
}

type BridgeStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

type JournalStats struct {
	Saved  uint64 `json:"saved"`
	Failed uint64 `json:"failed"`
}

type ScriptStats struct {
	Calls  uint64 `json:"calls"`
	Failed uint64 `json:"failed"`
}

type Stats struct {
	Gateway     gateway.Stats  `json:"gateway"`
	Dispatch    dispatch.Stats `json:"dispatch"`
	Connections int            `json:"connections"`
	Bridge      *BridgeStats   `json:"bridge,omitempty"`
	Journal     *JournalStats  `json:"journal,omitempty"`
	Script      *ScriptStats   `json:"script,omitempty"`
}

func (s *Server) Stats() Stats {
	st := Stats{
		Gateway:     s.gateway.Stats(),
		Dispatch:    s.dispatch.Stats(),
		Connections: s.registry.Count(),
	}
	if s.bridge != nil {
		st.Bridge = &BridgeStats{Published: s.bridge.Published(), Failed: s.bridge.Failed()}
	}
	if s.journal != nil {
		st.Journal = &JournalStats{Saved: s.journal.Saved(), Failed: s.journal.Failed()}
	}
	if s.script != nil {
		st.Script = &ScriptStats{Calls: s.script.Calls(), Failed: s.script.Failed()}
	}
	return st
}

// Run listens on the configured addresses and serves until ctx is done or
// the process receives SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	var ingestLn, adminLn net.Listener
	var err error
	if s.cfg.Listen != "" {
		if ingestLn, err = net.Listen("tcp", s.cfg.Listen); err != nil {
			return errors.Wrapf(err, "listen %s", s.cfg.Listen)
		}
	}
	if s.cfg.AdminListen != "" {
		if adminLn, err = net.Listen("tcp", s.cfg.AdminListen); err != nil {
			if ingestLn != nil {
				_ = ingestLn.Close()
			}
			return errors.Wrapf(err, "listen %s", s.cfg.AdminListen)
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(runCtx, ingestLn, adminLn)
}

// Serve runs on already open listeners. Either may be nil. When ctx is done
// it stops accepting, closes every connection, drains dispatch within
// ShutdownTimeout and closes the bridge.
func (s *Server) Serve(ctx context.Context, ingestLn, adminLn net.Listener) error {
	if ingestLn == nil && adminLn == nil {
		return errors.New("no listeners")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	if ingestLn != nil {
		eg.Go(func() error { return s.ingest.Serve(egCtx, ingestLn) })
	}
	if adminLn != nil {
		eg.Go(func() error {
			log.Info().Str("component", "server").Str("addr", adminLn.Addr().String()).Msg("admin listener started")
			if err := s.admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin listener")
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "server").Msg("shutting down")
		close(s.shutdown)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by http.Server.
		s.registry.CloseAll()
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "server").Msg("admin shutdown error")
		}
		return nil
	})

	err := eg.Wait()
	s.registry.CloseAll()
	if cerr := s.closeBackends(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Str("component", "server").Interface("stats", s.Stats()).Msg("server shutdown complete")
	return err
}

func (s *Server) closeBackends() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.dispatch.Close(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("dispatch did not drain")
	}
	if s.journal != nil {
		if jerr := s.journal.Store().Close(); jerr != nil {
			log.Error().Err(jerr).Str("component", "server").Msg("journal close error")
			if err == nil {
				err = errors.Wrap(jerr, "close journal")
			}
		}
	}
	if s.bridge != nil {
		if berr := s.bridge.Close(); berr != nil {
			log.Error().Err(berr).Str("component", "server").Msg("bridge close error")
			if err == nil {
				err = errors.Wrap(berr, "close bridge")
			}
		}
	}
	return err
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := journal.Query{
		SessionID: r.URL.Query().Get("session_id"),
		Type:      r.URL.Query().Get("type"),
	}
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("since_ms"); v != "" {
		if q.SinceMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "bad since_ms", http.StatusBadRequest)
			return
		}
	}
	entries, err := s.journal.Store().List(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("journal list failed")
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

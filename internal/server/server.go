// Package server accepts WebSocket handshakes over net/http, keeps the
// registry of open channels and broadcasts messages to all of them.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/wschan/internal/channel"
	"github.com/gaspardpetit/wschan/internal/config"
	"github.com/gaspardpetit/wschan/internal/fanout"
	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/logx"
	"github.com/gaspardpetit/wschan/internal/metrics"
	"github.com/gaspardpetit/wschan/internal/netutil"
	"github.com/gaspardpetit/wschan/internal/serverstate"
)

// Option customizes a Server.
type Option func(*Server)

// WithStateStore keeps the lifecycle state in st instead of in memory.
func WithStateStore(st serverstate.Store) Option {
	return func(s *Server) { s.state.UseStore(st) }
}

// WithRelay publishes broadcasts to other instances through r. Peer
// broadcasts reach this server when r.Run is started with Deliver.
func WithRelay(r *fanout.Relay) Option {
	return func(s *Server) { s.relay = r }
}

// Server is a WebSocket server.
type Server struct {
	cfg    config.ServerConfig
	http   *http.Server
	router chi.Router
	state  *serverstate.Tracker
	preg   *prometheus.Registry
	relay  *fanout.Relay
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	ln        net.Listener
	chans     map[channel.Transport]*channel.Channel
	nextID    int
	listeners []listener
	nextLsn   int
}

type listener struct {
	id int
	fn channel.Listener
}

// New constructs a server for cfg. It does not start listening.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		state:  serverstate.NewTracker(nil),
		preg:   prometheus.NewRegistry(),
		log:    logx.Log.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
		chans:  make(map[channel.Transport]*channel.Channel),
	}
	for _, o := range opts {
		o(s)
	}
	metrics.Register(s.preg)
	s.router = s.routes()
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP handler serving handshakes and status routes.
func (s *Server) Handler() http.Handler { return s.router }

// Gatherer exposes the server's metrics registry.
func (s *Server) Gatherer() prometheus.Gatherer { return s.preg }

// State returns the lifecycle tracker.
func (s *Server) State() *serverstate.Tracker { return s.state }

// On registers a listener for events of every channel and returns a function
// that removes it.
func (s *Server) On(l channel.Listener) (off func()) {
	s.mu.Lock()
	s.nextLsn++
	id := s.nextLsn
	s.listeners = append(s.listeners, listener{id: id, fn: l})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, ls := range s.listeners {
			if ls.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Server) emit(ch *channel.Channel, e channel.Event) {
	s.mu.Lock()
	ls := s.listeners
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(ch, e)
	}
}

// Upgrade registers a new channel over t, emits Open and starts its read
// loop. A transport that is already registered returns its channel.
func (s *Server) Upgrade(t channel.Transport) *channel.Channel {
	s.mu.Lock()
	if ch, ok := s.chans[t]; ok {
		s.mu.Unlock()
		return ch
	}
	s.nextID++
	ch := channel.New(s.nextID, t)
	s.chans[t] = ch
	s.mu.Unlock()

	metrics.ChannelOpened()
	ch.On(func(c *channel.Channel, e channel.Event) {
		s.emit(c, e)
		if _, ok := e.(channel.Close); ok {
			s.remove(t, c)
		}
	})
	ch.Emit(channel.Open{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := ch.Serve(s.ctx); err != nil {
			s.log.Debug().Err(err).Int("channel_id", ch.ID()).Msg("read loop ended")
		}
	}()
	return ch
}

func (s *Server) remove(t channel.Transport, ch *channel.Channel) {
	s.mu.Lock()
	cur, ok := s.chans[t]
	if ok && cur == ch {
		delete(s.chans, t)
	}
	s.mu.Unlock()
	if ok && cur == ch {
		metrics.ChannelClosed()
	}
	ch.RemoveAllListeners()
}

// IsConnected reports whether t has an open channel.
func (s *Server) IsConnected(t channel.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chans[t]
	return ok
}

// Channels returns the open channels ordered by id.
func (s *Server) Channels() []*channel.Channel {
	s.mu.Lock()
	out := make([]*channel.Channel, 0, len(s.chans))
	for _, ch := range s.chans {
		out = append(out, ch)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *channel.Channel) int { return a.ID() - b.ID() })
	return out
}

// Len returns the number of open channels.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

// Send broadcasts a text message to every open channel.
func (s *Server) Send(text string) { s.broadcast(frame.OpText, []byte(text), true) }

// SendBinary broadcasts a binary message to every open channel.
func (s *Server) SendBinary(b []byte) { s.broadcast(frame.OpBinary, b, true) }

// Deliver broadcasts a message received from another instance to the local
// channels only.
func (s *Server) Deliver(op frame.Opcode, data []byte) { s.broadcast(op, data, false) }

func (s *Server) broadcast(op frame.Opcode, data []byte, publish bool) {
	frames := frame.Fragment(op, data, 0)
	for _, ch := range s.Channels() {
		if err := ch.SendFrames(frames); err != nil && !errors.Is(err, channel.ErrClosed) {
			s.log.Warn().Err(err).Int("channel_id", ch.ID()).Msg("broadcast")
		}
	}
	if publish && s.relay != nil {
		if err := s.relay.Publish(s.ctx, op, data); err != nil {
			s.log.Warn().Err(err).Msg("fan-out publish")
		}
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := netutil.Listen(s.ctx, addr, s.cfg.ReusePort)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.ln = l
	s.mu.Unlock()
	s.state.SetState(serverstate.StatusReady)
	s.log.Info().Str("addr", l.Addr().String()).Msg("listening")
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting handshakes, closes every channel with code and reason
// one after another and shuts the HTTP server down. When ctx carries a
// deadline it also bounds the close frame writes.
func (s *Server) Close(ctx context.Context, code int, reason string) error {
	s.state.StartDrain()
	chans := s.Channels()
	s.log.Info().Int("channels", len(chans)).Int("code", code).Str("reason", reason).Msg("closing")
	deadline, hasDeadline := ctx.Deadline()
	for _, ch := range chans {
		if hasDeadline {
			if wd, ok := ch.Transport().(interface{ SetWriteDeadline(time.Time) error }); ok {
				_ = wd.SetWriteDeadline(deadline)
			}
		}
		if err := ch.Close(code, reason); err != nil {
			s.log.Debug().Err(err).Int("channel_id", ch.ID()).Msg("close channel")
		}
	}
	s.cancel()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return err
}

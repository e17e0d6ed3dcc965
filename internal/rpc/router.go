package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/wschan/internal/channel"
	"github.com/gaspardpetit/wschan/internal/logx"
)

// HandlerFunc serves one method. The returned values travel back to the
// caller; a non-nil error is sent as an error reply.
type HandlerFunc func(ctx context.Context, ch *channel.Channel, args []any) ([]any, error)

// RemoteError is returned by Call when the peer answered with an error.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

type pendingCall struct {
	ch    *channel.Channel
	reply chan Envelope
}

// Router dispatches incoming calls to registered handlers and matches
// replies to outstanding calls.
type Router struct {
	ctx context.Context
	log zerolog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]pendingCall
}

// NewRouter returns a router whose handlers run under ctx.
func NewRouter(ctx context.Context) *Router {
	return &Router{
		ctx:      ctx,
		log:      logx.Log.With().Str("component", "rpc").Logger(),
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[string]pendingCall),
	}
}

// Handle registers h for method name, replacing any previous handler.
func (r *Router) Handle(name string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Attach routes the envelopes arriving on ch through r.
func (r *Router) Attach(ch *channel.Channel) (detach func()) {
	return ch.On(r.Listen)
}

// Listen is a channel.Listener; registering it on a server routes every
// channel through r.
func (r *Router) Listen(ch *channel.Channel, e channel.Event) {
	switch ev := e.(type) {
	case channel.Message:
		if ev.IsText() {
			return
		}
		env, err := Decode(ev.Data)
		if err != nil {
			r.log.Debug().Err(err).Int("channel_id", ch.ID()).Msg("ignoring message")
			return
		}
		r.dispatch(ch, env)
	case channel.Close:
		r.failPending(ch)
	}
}

func (r *Router) dispatch(ch *channel.Channel, env Envelope) {
	switch env.Kind {
	case KindCall, KindNotify:
		r.mu.Lock()
		h := r.handlers[env.Method]
		r.mu.Unlock()
		// Handlers run off the read loop so they may call back into ch.
		go r.serve(ch, env, h)
	case KindReturn, KindError:
		r.mu.Lock()
		p, ok := r.pending[env.ID]
		if ok && p.ch == ch {
			delete(r.pending, env.ID)
		}
		r.mu.Unlock()
		if !ok || p.ch != ch {
			r.log.Debug().Str("id", env.ID).Msg("reply for unknown call")
			return
		}
		p.reply <- env
	}
}

func (r *Router) serve(ch *channel.Channel, env Envelope, h HandlerFunc) {
	log := r.log.With().Int("channel_id", ch.ID()).Str("method", env.Method).Logger()
	var (
		res []any
		err error
	)
	if h == nil {
		err = fmt.Errorf("unknown method %q", env.Method)
	} else {
		res, err = h(r.ctx, ch, env.Args)
	}
	if env.Kind == KindNotify {
		if err != nil {
			log.Warn().Err(err).Msg("notification failed")
		}
		return
	}
	reply := Envelope{Kind: KindReturn, ID: env.ID, Method: env.Method, Args: res}
	if err != nil {
		reply = Envelope{Kind: KindError, ID: env.ID, Method: env.Method, Args: []any{err.Error()}}
	}
	b, encErr := Encode(reply)
	if encErr != nil {
		log.Error().Err(encErr).Msg("encode reply")
		b, _ = Encode(Envelope{Kind: KindError, ID: env.ID, Method: env.Method, Args: []any{encErr.Error()}})
	}
	if err := ch.SendBinary(b); err != nil && !errors.Is(err, channel.ErrClosed) {
		log.Warn().Err(err).Msg("send reply")
	}
}

func (r *Router) failPending(ch *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.ch == ch {
			delete(r.pending, id)
			close(p.reply)
		}
	}
}

// Call invokes method on the peer of ch and waits for its reply or ctx.
func (r *Router) Call(ctx context.Context, ch *channel.Channel, method string, args ...any) ([]any, error) {
	id := uuid.NewString()
	b, err := Encode(Envelope{Kind: KindCall, ID: id, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	reply := make(chan Envelope, 1)
	r.mu.Lock()
	r.pending[id] = pendingCall{ch: ch, reply: reply}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := ch.SendBinary(b); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-reply:
		if !ok {
			return nil, channel.ErrClosed
		}
		if env.Kind == KindError {
			msg := ""
			if len(env.Args) > 0 {
				msg, _ = env.Args[0].(string)
			}
			return nil, &RemoteError{Method: method, Message: msg}
		}
		return env.Args, nil
	}
}

// Notify sends a one-way call to the peer of ch.
func Notify(ch *channel.Channel, method string, args ...any) error {
	b, err := Encode(Envelope{Kind: KindNotify, Method: method, Args: args})
	if err != nil {
		return err
	}
	return ch.SendBinary(b)
}

package channel

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/logx"
)

// ErrClosed is returned by writes attempted after the channel closed.
var ErrClosed = errors.New("channel: closed")

const readBufferSize = 32 << 10

// Transport is the byte stream a channel runs over. A net.Conn satisfies it.
type Transport interface {
	io.ReadWriteCloser
}

// Channel is one open WebSocket connection.
type Channel struct {
	id      int
	session string
	conn    Transport
	log     zerolog.Logger

	mu        sync.Mutex
	closed    bool
	maxSize   int
	readLimit uint64
	listeners []listener
	nextLsn   int
	out       *queue.Queue // encoded frames awaiting the writer
	sending   bool         // a drain goroutine owns the queue

	// writeMu keeps a single frame on the wire at a time.
	writeMu sync.Mutex

	// inbound state, serialized by inMu
	inMu      sync.Mutex
	tail      []byte
	inBuf     []byte
	inType    frame.Opcode
	inPending bool
}

type listener struct {
	id int
	fn Listener
}

// New wraps conn in a channel with the given server-assigned id.
func New(id int, conn Transport) *Channel {
	c := &Channel{
		id:        id,
		session:   uuid.NewString(),
		conn:      conn,
		maxSize:   math.MaxInt,
		readLimit: frame.MaxPayload,
		out:       queue.New(),
		inType:    frame.OpBinary,
	}
	c.log = logx.Log.With().Int("channel_id", id).Str("session", c.session).Logger()
	return c
}

// ID returns the server-assigned channel id.
func (c *Channel) ID() int { return c.id }

// Session returns a unique identifier for log correlation.
func (c *Channel) Session() string { return c.session }

// Transport returns the underlying transport.
func (c *Channel) Transport() Transport { return c.conn }

// RemoteAddr returns the peer address when the transport exposes one.
func (c *Channel) RemoteAddr() string {
	if rc, ok := c.conn.(interface{ RemoteAddr() net.Addr }); ok && rc.RemoteAddr() != nil {
		return rc.RemoteAddr().String()
	}
	return ""
}

// Closed reports whether the channel has closed. Once true it stays true.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MaxSize is the largest payload any single outbound data frame carries.
func (c *Channel) MaxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// SetMaxSize sets the outbound frame payload bound, clamped to [1, MaxInt].
func (c *Channel) SetMaxSize(n int) {
	c.mu.Lock()
	c.maxSize = max(n, 1)
	c.mu.Unlock()
}

// SetReadLimit bounds the payload of any single inbound frame. Zero or a
// negative value removes the limit.
func (c *Channel) SetReadLimit(n int64) {
	c.mu.Lock()
	if n <= 0 {
		c.readLimit = frame.MaxPayload
	} else {
		c.readLimit = uint64(n)
	}
	c.mu.Unlock()
}

// On registers l and returns a function that removes it.
func (c *Channel) On(l Listener) (off func()) {
	c.mu.Lock()
	c.nextLsn++
	id := c.nextLsn
	c.listeners = append(c.listeners, listener{id: id, fn: l})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, ls := range c.listeners {
			if ls.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// RemoveAllListeners detaches every listener.
func (c *Channel) RemoveAllListeners() {
	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
}

// Emit delivers e to the current listeners.
func (c *Channel) Emit(e Event) {
	c.mu.Lock()
	ls := c.listeners
	c.mu.Unlock()
	for _, l := range ls {
		l.fn(c, e)
	}
}

// Serve reads from the transport until it fails or ctx is done, feeding
// everything to Receive. Cancelling ctx closes the channel with 1001.
func (c *Channel) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close(frame.CloseGoingAway, "")
	})
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Receive(buf[:n])
		}
		if err != nil {
			if c.Closed() {
				return nil
			}
			c.terminate(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

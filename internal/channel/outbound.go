package channel

import (
	"errors"

	"github.com/eapache/queue"

	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/metrics"
)

// SendText queues s as a text message, fragmented by MaxSize.
func (c *Channel) SendText(s string) error {
	return c.SendFrames(frame.Fragment(frame.OpText, []byte(s), c.MaxSize()))
}

// SendBinary queues b as a binary message, fragmented by MaxSize.
func (c *Channel) SendBinary(b []byte) error {
	return c.SendFrames(frame.Fragment(frame.OpBinary, b, c.MaxSize()))
}

// SendFrames queues pre-encoded frames. Frames are written in the order they
// were queued, one at a time, so fragments of concurrent messages never
// interleave.
func (c *Channel) SendFrames(frames [][]byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, f := range frames {
		c.out.Add(f)
	}
	start := !c.sending && c.out.Length() > 0
	if start {
		c.sending = true
	}
	c.mu.Unlock()

	if start {
		go c.drain()
	}
	return nil
}

// drain writes queued frames until the queue is empty or the channel closes.
// At most one drain goroutine runs per channel.
func (c *Channel) drain() {
	for {
		c.mu.Lock()
		if c.closed || c.out.Length() == 0 {
			c.sending = false
			c.mu.Unlock()
			return
		}
		b := c.out.Remove().([]byte)
		c.mu.Unlock()

		if err := c.writeOpen(b); err != nil {
			if !errors.Is(err, ErrClosed) {
				c.terminate(err)
			}
			return
		}
	}
}

// Ping writes an empty ping frame ahead of any queued data.
func (c *Channel) Ping() error { return c.writeControl(frame.OpPing, nil) }

// Pong writes an empty pong frame ahead of any queued data.
func (c *Channel) Pong() error { return c.writeControl(frame.OpPong, nil) }

func (c *Channel) writeControl(op frame.Opcode, payload []byte) error {
	return c.writeOpen(frame.Encode(op, true, payload))
}

// Close sends a close frame carrying code and reason (an empty body when code
// is 0), emits Close and ends the transport. Data frames still queued are
// dropped. Closing an already closed channel does nothing.
func (c *Channel) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dropped := c.out.Length()
	c.out = queue.New()
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Debug().Int("dropped", dropped).Msg("discarding queued frames")
	}
	werr := c.write(frame.Encode(frame.OpClose, true, frame.ClosePayload(code, reason)))
	c.Emit(Close{Code: code, Reason: reason})
	if err := c.conn.Close(); err != nil && werr == nil {
		return err
	}
	return werr
}

// terminate closes the channel after a transport failure.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.out = queue.New()
	c.mu.Unlock()

	c.log.Debug().Err(err).Msg("transport lost")
	c.Emit(Close{Code: frame.CloseAbnormal, Err: err})
	_ = c.conn.Close()
}

// writeOpen writes b only while the channel is open. closed is checked under
// writeMu, so a frame dequeued before Close either reaches the wire ahead of
// the close frame or not at all.
func (c *Channel) writeOpen(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return ErrClosed
	}
	return c.writeLocked(b)
}

// write is used for close frames, which go out after closed is set.
func (c *Channel) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(b)
}

func (c *Channel) writeLocked(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		return err
	}
	metrics.RecordFrame(metrics.DirOut, frame.Opcode(b[0]&0x0F).String(), len(b))
	return nil
}

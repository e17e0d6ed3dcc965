package channel

import (
	"errors"
	"fmt"

	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/metrics"
)

var (
	errControlFragmented = errors.New("fragmented or oversized control frame")
	errReservedOpcode    = errors.New("reserved opcode")
)

// Receive consumes transport bytes. Whole frames are decoded and dispatched
// in arrival order; an incomplete trailing frame stays buffered until the
// next call. Nothing is processed once the channel has closed.
func (c *Channel) Receive(b []byte) {
	c.inMu.Lock()
	defer c.inMu.Unlock()

	if c.Closed() {
		return
	}
	c.mu.Lock()
	limit := c.readLimit
	c.mu.Unlock()

	c.tail = append(c.tail, b...)
	for len(c.tail) > 0 {
		f, n, err := frame.DecodeLimit(c.tail, limit)
		if errors.Is(err, frame.ErrIncomplete) {
			break
		}
		if err != nil {
			c.protocolError(err)
			return
		}
		c.tail = c.tail[n:]
		metrics.RecordFrame(metrics.DirIn, f.Opcode.String(), n)
		if err := c.dispatch(f); err != nil {
			c.protocolError(err)
			return
		}
		if c.Closed() {
			c.tail = nil
			return
		}
	}
	if len(c.tail) == 0 {
		c.tail = nil
	}
}

func (c *Channel) dispatch(f frame.Frame) error {
	if f.Opcode.IsControl() && (!f.Final || len(f.Payload) > frame.MaxControlPayload) {
		return fmt.Errorf("%s: %w", f.Opcode, errControlFragmented)
	}

	switch f.Opcode {
	case frame.OpPing:
		c.Emit(Ping{Payload: f.Payload})
		if err := c.writeControl(frame.OpPong, f.Payload); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Debug().Err(err).Msg("pong reply")
		}
		return nil
	case frame.OpPong:
		c.Emit(Pong{Payload: f.Payload})
		return nil
	case frame.OpClose:
		c.peerClose(f.Payload)
		return nil

	case frame.OpText, frame.OpBinary:
		if c.inPending {
			metrics.RecordIncompleteMessage()
			c.Emit(IncompleteMessage{Type: c.inType, Data: c.inBuf})
		}
		c.inType = f.Opcode
		c.inBuf = f.Payload
	case frame.OpContinuation:
		if !c.inPending {
			return nil
		}
		c.inBuf = append(c.inBuf, f.Payload...)
	default:
		return fmt.Errorf("%#x: %w", byte(f.Opcode), errReservedOpcode)
	}

	if !f.Final {
		c.inPending = true
		return nil
	}
	msg := Message{Type: c.inType, Data: c.inBuf}
	c.inBuf = nil
	c.inPending = false
	metrics.RecordMessage(msg.Type.String())
	c.Emit(msg)
	return nil
}

// peerClose handles a close frame: the channel closes, the status code is
// echoed back and the transport is ended.
func (c *Channel) peerClose(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	var ev Close
	reply := []byte(nil)
	if code, reason, ok := frame.ParseClosePayload(payload); ok {
		ev = Close{Code: code, Reason: reason}
		reply = frame.ClosePayload(code, "")
	}
	if err := c.write(frame.Encode(frame.OpClose, true, reply)); err != nil {
		c.log.Debug().Err(err).Msg("close reply")
	}
	c.Emit(ev)
	_ = c.conn.Close()
}

func (c *Channel) protocolError(err error) {
	metrics.RecordProtocolError()
	c.log.Warn().Err(err).Msg("protocol error; closing")
	code := frame.CloseProtocolError
	if errors.Is(err, frame.ErrTooLarge) {
		code = frame.CloseTooBig
	}
	c.tail = nil
	_ = c.Close(code, "")
}

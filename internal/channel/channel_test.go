package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/wschan/internal/frame"
)

// peer reads frames written by the channel on the far end of a pipe.
type peer struct {
	conn   net.Conn
	frames chan frame.Frame
}

func newPair(t *testing.T) (*Channel, *peer) {
	t.Helper()
	srv, cli := net.Pipe()
	p := &peer{conn: cli, frames: make(chan frame.Frame, 256)}
	go func() {
		defer close(p.frames)
		var tail []byte
		buf := make([]byte, 4096)
		for {
			n, err := cli.Read(buf)
			tail = append(tail, buf[:n]...)
			for {
				f, used, derr := frame.Decode(tail)
				if derr != nil {
					break
				}
				tail = tail[used:]
				p.frames <- f
			}
			if err != nil {
				return
			}
		}
	}()
	ch := New(1, srv)
	t.Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})
	return ch, p
}

func (p *peer) next(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatal("transport closed before frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return frame.Frame{}
}

func clientFrame(op frame.Opcode, final bool, payload string) []byte {
	key := [4]byte{0x1a, 0x2b, 0x3c, 0x4d}
	b := frame.Encode(op, final, []byte(payload))
	h := len(b) - len(payload)
	out := append([]byte(nil), b[:h]...)
	out[1] |= 0x80
	out = append(out, key[:]...)
	masked := []byte(payload)
	frame.Mask(masked, key)
	return append(out, masked...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(_ *Channel, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestSendTextSplitsByMaxSize(t *testing.T) {
	ch, p := newPair(t)
	ch.SetMaxSize(4)
	if err := ch.SendText("abcdefghijkl"); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []struct {
		op    frame.Opcode
		final bool
		data  string
	}{
		{frame.OpText, false, "abcd"},
		{frame.OpContinuation, false, "efgh"},
		{frame.OpContinuation, true, "ijkl"},
	}
	for i, w := range want {
		f := p.next(t)
		if f.Opcode != w.op || f.Final != w.final || string(f.Payload) != w.data {
			t.Fatalf("frame %d: got %s final=%v %q", i, f.Opcode, f.Final, f.Payload)
		}
		if f.Masked {
			t.Fatalf("frame %d: server frames must not be masked", i)
		}
	}
}

func TestSetMaxSizeClamps(t *testing.T) {
	ch, _ := newPair(t)
	ch.SetMaxSize(0)
	if ch.MaxSize() != 1 {
		t.Fatalf("expected 1, got %d", ch.MaxSize())
	}
	ch.SetMaxSize(-10)
	if ch.MaxSize() != 1 {
		t.Fatalf("expected 1, got %d", ch.MaxSize())
	}
}

func TestReassembly(t *testing.T) {
	ch, _ := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	ch.Receive(clientFrame(frame.OpText, false, "hel"))
	ch.Receive(clientFrame(frame.OpContinuation, false, "lo "))
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("no event expected mid-message, got %d", n)
	}
	ch.Receive(clientFrame(frame.OpContinuation, true, "world"))

	ev := rec.snapshot()
	if len(ev) != 1 {
		t.Fatalf("expected one event, got %d", len(ev))
	}
	msg, ok := ev[0].(Message)
	if !ok || !msg.IsText() || msg.Text() != "hello world" {
		t.Fatalf("unexpected event %#v", ev[0])
	}
}

func TestInterruptedMessage(t *testing.T) {
	ch, _ := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	ch.Receive(clientFrame(frame.OpText, false, "stale"))
	ch.Receive(clientFrame(frame.OpBinary, true, "fresh"))

	ev := rec.snapshot()
	if len(ev) != 2 {
		t.Fatalf("expected two events, got %d", len(ev))
	}
	inc, ok := ev[0].(IncompleteMessage)
	if !ok || inc.Type != frame.OpText || string(inc.Data) != "stale" {
		t.Fatalf("unexpected first event %#v", ev[0])
	}
	msg, ok := ev[1].(Message)
	if !ok || msg.Type != frame.OpBinary || string(msg.Data) != "fresh" {
		t.Fatalf("unexpected second event %#v", ev[1])
	}
}

func TestContinuationWhileIdleIgnored(t *testing.T) {
	ch, _ := newPair(t)
	var rec recorder
	ch.On(rec.listen)
	ch.Receive(clientFrame(frame.OpContinuation, true, "orphan"))
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
	if ch.Closed() {
		t.Fatal("channel should stay open")
	}
}

func TestPartialFrameBuffered(t *testing.T) {
	ch, _ := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	data := clientFrame(frame.OpText, true, "split across reads")
	data = append(data, clientFrame(frame.OpText, true, "second")...)
	for i := range data {
		ch.Receive(data[i : i+1])
	}
	ev := rec.snapshot()
	if len(ev) != 2 {
		t.Fatalf("expected two messages, got %d", len(ev))
	}
	if ev[0].(Message).Text() != "split across reads" || ev[1].(Message).Text() != "second" {
		t.Fatalf("unexpected messages %#v", ev)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	ch, p := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	ch.Receive(clientFrame(frame.OpPing, true, "are you there"))
	f := p.next(t)
	if f.Opcode != frame.OpPong || string(f.Payload) != "are you there" {
		t.Fatalf("expected pong echo, got %s %q", f.Opcode, f.Payload)
	}
	ev := rec.snapshot()
	if len(ev) != 1 {
		t.Fatalf("expected one event, got %d", len(ev))
	}
	if ping, ok := ev[0].(Ping); !ok || string(ping.Payload) != "are you there" {
		t.Fatalf("unexpected event %#v", ev[0])
	}
}

func TestPongEmitsOnly(t *testing.T) {
	ch, _ := newPair(t)
	var rec recorder
	ch.On(rec.listen)
	ch.Receive(clientFrame(frame.OpPong, true, ""))
	ev := rec.snapshot()
	if len(ev) != 1 {
		t.Fatalf("expected one event, got %d", len(ev))
	}
	if _, ok := ev[0].(Pong); !ok {
		t.Fatalf("unexpected event %#v", ev[0])
	}
}

func TestPeerClose(t *testing.T) {
	ch, p := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	payload := string(frame.ClosePayload(frame.CloseNormal, "bye"))
	ch.Receive(clientFrame(frame.OpClose, true, payload))

	f := p.next(t)
	if f.Opcode != frame.OpClose {
		t.Fatalf("expected close reply, got %s", f.Opcode)
	}
	if code, _, ok := frame.ParseClosePayload(f.Payload); !ok || code != frame.CloseNormal {
		t.Fatalf("reply should echo 1000, got %d ok=%v", code, ok)
	}
	if !ch.Closed() {
		t.Fatal("channel should be closed")
	}
	ev := rec.snapshot()
	if len(ev) != 1 {
		t.Fatalf("expected one event, got %d", len(ev))
	}
	cl := ev[0].(Close)
	if cl.Code != frame.CloseNormal || cl.Reason != "bye" || cl.Err != nil {
		t.Fatalf("unexpected close event %#v", cl)
	}

	// Frames after close are not processed.
	ch.Receive(clientFrame(frame.OpText, true, "late"))
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected no further events, got %d", n)
	}
}

func TestPeerCloseWithoutStatus(t *testing.T) {
	ch, p := newPair(t)
	var rec recorder
	ch.On(rec.listen)
	ch.Receive(clientFrame(frame.OpClose, true, ""))
	if f := p.next(t); f.Opcode != frame.OpClose || len(f.Payload) != 0 {
		t.Fatalf("expected empty close reply, got %s %q", f.Opcode, f.Payload)
	}
	cl := rec.snapshot()[0].(Close)
	if cl.Code != 0 || cl.Reason != "" {
		t.Fatalf("unexpected close event %#v", cl)
	}
}

func TestCloseDropsLaterWrites(t *testing.T) {
	ch, p := newPair(t)
	var rec recorder
	ch.On(rec.listen)

	if err := ch.Close(frame.CloseGoingAway, "shutdown"); err != nil {
		t.Fatalf("close: %v", err)
	}
	f := p.next(t)
	code, reason, _ := frame.ParseClosePayload(f.Payload)
	if f.Opcode != frame.OpClose || code != frame.CloseGoingAway || reason != "shutdown" {
		t.Fatalf("unexpected close frame %s %d %q", f.Opcode, code, reason)
	}
	if err := ch.SendText("too late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ch.Ping(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from ping, got %v", err)
	}
	if err := ch.Close(frame.CloseNormal, ""); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected a single close event, got %d", n)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	ch, p := newPair(t)
	ch.SetMaxSize(2)

	const senders = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := ch.SendText(fmt.Sprintf("msg-%02d", i)); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for len(seen) < senders {
		first := p.next(t)
		if first.Opcode != frame.OpText {
			t.Fatalf("message must start with a text frame, got %s", first.Opcode)
		}
		var buf bytes.Buffer
		buf.Write(first.Payload)
		for f := first; !f.Final; {
			f = p.next(t)
			if f.Opcode != frame.OpContinuation {
				t.Fatalf("fragments interleaved: got %s mid-message", f.Opcode)
			}
			buf.Write(f.Payload)
		}
		seen[buf.String()] = true
	}
	for i := 0; i < senders; i++ {
		if !seen[fmt.Sprintf("msg-%02d", i)] {
			t.Fatalf("missing msg-%02d", i)
		}
	}
}

func TestProtocolErrorCloses(t *testing.T) {
	ch, p := newPair(t)
	bad := clientFrame(frame.OpText, true, "x")
	bad[0] |= 0x40
	ch.Receive(bad)

	f := p.next(t)
	code, _, _ := frame.ParseClosePayload(f.Payload)
	if f.Opcode != frame.OpClose || code != frame.CloseProtocolError {
		t.Fatalf("expected close 1002, got %s %d", f.Opcode, code)
	}
	if !ch.Closed() {
		t.Fatal("channel should be closed")
	}
}

func TestReadLimitClosesTooBig(t *testing.T) {
	ch, p := newPair(t)
	ch.SetReadLimit(4)
	ch.Receive(clientFrame(frame.OpBinary, true, "12345"))
	f := p.next(t)
	code, _, _ := frame.ParseClosePayload(f.Payload)
	if f.Opcode != frame.OpClose || code != frame.CloseTooBig {
		t.Fatalf("expected close 1009, got %s %d", f.Opcode, code)
	}
}

func TestFragmentedControlFrameIsProtocolError(t *testing.T) {
	ch, p := newPair(t)
	ch.Receive(clientFrame(frame.OpPing, false, "x"))
	f := p.next(t)
	code, _, _ := frame.ParseClosePayload(f.Payload)
	if code != frame.CloseProtocolError {
		t.Fatalf("expected 1002, got %d", code)
	}
}

func TestServeTransportLoss(t *testing.T) {
	ch, p := newPair(t)
	closed := make(chan Close, 1)
	ch.On(func(_ *Channel, e Event) {
		if c, ok := e.(Close); ok {
			closed <- c
		}
	})
	done := make(chan error, 1)
	go func() { done <- ch.Serve(context.Background()) }()

	if _, err := p.conn.Write(clientFrame(frame.OpText, true, "hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = p.conn.Close()

	select {
	case c := <-closed:
		if c.Code != frame.CloseAbnormal || !errors.Is(c.Err, io.EOF) {
			t.Fatalf("unexpected close event %#v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
	}
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestServeContextCancelClosesGoingAway(t *testing.T) {
	ch, p := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ch.Serve(ctx) }()
	cancel()
	f := p.next(t)
	code, _, _ := frame.ParseClosePayload(f.Payload)
	if f.Opcode != frame.OpClose || code != frame.CloseGoingAway {
		t.Fatalf("expected close 1001, got %s %d", f.Opcode, code)
	}
}

func TestListenerRemoval(t *testing.T) {
	ch, _ := newPair(t)
	var a, b recorder
	offA := ch.On(a.listen)
	ch.On(b.listen)
	offA()
	ch.Emit(Open{})
	if len(a.snapshot()) != 0 || len(b.snapshot()) != 1 {
		t.Fatalf("listener removal failed: a=%d b=%d", len(a.snapshot()), len(b.snapshot()))
	}
	ch.RemoveAllListeners()
	ch.Emit(Open{})
	if len(b.snapshot()) != 1 {
		t.Fatal("listeners should be detached")
	}
}

func TestEventName(t *testing.T) {
	cases := map[string]Event{
		"open":               Open{},
		"message":            Message{},
		"ping":               Ping{},
		"pong":               Pong{},
		"close":              Close{},
		"incomplete-message": IncompleteMessage{},
	}
	for want, e := range cases {
		if got := EventName(e); got != want {
			t.Errorf("EventName(%T) = %q, want %q", e, got, want)
		}
	}
	if got := EventName(nil); got != "unknown" {
		t.Errorf("EventName(nil) = %q", got)
	}
}

// tape is a Transport that records every write and never blocks.
type tape struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tape) Read([]byte) (int, error) { return 0, io.EOF }
func (t *tape) Close() error             { return nil }

func (t *tape) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	return len(b), nil
}

func (t *tape) opcodes(tb testing.TB) []frame.Opcode {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	var ops []frame.Opcode
	for rest := t.buf; len(rest) > 0; {
		f, n, err := frame.Decode(rest)
		if err != nil {
			tb.Fatalf("decode written bytes: %v", err)
		}
		ops = append(ops, f.Opcode)
		rest = rest[n:]
	}
	return ops
}

func TestDequeuedFrameAfterCloseIsDropped(t *testing.T) {
	tp := &tape{}
	ch := New(1, tp)
	if err := ch.Close(frame.CloseNormal, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Same path the drain goroutine takes for a frame it removed from the
	// queue just before Close ran.
	if err := ch.writeOpen(frame.Encode(frame.OpText, true, []byte("late"))); !errors.Is(err, ErrClosed) {
		t.Fatalf("writeOpen after close = %v, want ErrClosed", err)
	}
	if err := ch.Ping(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping after close = %v, want ErrClosed", err)
	}
	if ops := tp.opcodes(t); len(ops) != 1 || ops[0] != frame.OpClose {
		t.Fatalf("wire = %v, want only the close frame", ops)
	}
}

func TestCloseFrameIsLastOnWire(t *testing.T) {
	tapes := make([]*tape, 200)
	for i := range tapes {
		tp := &tape{}
		tapes[i] = tp
		ch := New(i, tp)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if ch.SendText("x") != nil {
					return
				}
			}
		}()
		_ = ch.Close(frame.CloseNormal, "")
		wg.Wait()
	}
	// let any drain goroutine still holding a dequeued frame finish
	time.Sleep(50 * time.Millisecond)
	for i, tp := range tapes {
		ops := tp.opcodes(t)
		if len(ops) == 0 || ops[len(ops)-1] != frame.OpClose {
			t.Fatalf("run %d: wire = %v, want close frame last", i, ops)
		}
		for _, op := range ops[:len(ops)-1] {
			if op == frame.OpClose {
				t.Fatalf("run %d: more than one close frame: %v", i, ops)
			}
		}
	}
}

package channel

import "github.com/gaspardpetit/wschan/internal/frame"

// Event is one of Open, Message, Ping, Pong, Close or IncompleteMessage.
type Event interface {
	event()
}

// Listener observes channel events. Listeners run synchronously on the
// goroutine that produced the event, in registration order.
type Listener func(*Channel, Event)

// Open is emitted once the server has registered the channel.
type Open struct{}

// Message carries a complete, reassembled data message.
type Message struct {
	Type frame.Opcode // OpText or OpBinary
	Data []byte
}

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Data) }

// IsText reports whether the message arrived with the text opcode.
func (m Message) IsText() bool { return m.Type == frame.OpText }

type Ping struct {
	Payload []byte
}

type Pong struct {
	Payload []byte
}

// Close is emitted exactly once when the channel closes. Code is zero when the
// peer sent no status code. Err is set when the transport failed.
type Close struct {
	Code   int
	Reason string
	Err    error
}

// IncompleteMessage reports a partially reassembled message that was
// abandoned because the peer started a new one.
type IncompleteMessage struct {
	Type frame.Opcode
	Data []byte
}

func (Open) event()              {}
func (Message) event()           {}
func (Ping) event()              {}
func (Pong) event()              {}
func (Close) event()             {}
func (IncompleteMessage) event() {}

// EventName returns a short name for e, used as the event field in logs.
func EventName(e Event) string {
	switch e.(type) {
	case Open:
		return "open"
	case Message:
		return "message"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Close:
		return "close"
	case IncompleteMessage:
		return "incomplete-message"
	}
	return "unknown"
}

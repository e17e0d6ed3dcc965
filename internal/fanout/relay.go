// Package fanout relays server broadcasts between wschan instances through
// Redis pub/sub. Each message is a packed (origin, opcode, payload) triple;
// a relay ignores the messages it published itself.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/logx"
	"github.com/gaspardpetit/wschan/internal/pack"
)

// ErrMalformed reports a pub/sub payload that is not a relay envelope.
var ErrMalformed = errors.New("fanout: malformed envelope")

// DeliverFunc receives a broadcast published by another instance.
type DeliverFunc func(op frame.Opcode, data []byte)

// Relay publishes and receives broadcasts on one Redis channel.
type Relay struct {
	client redis.UniversalClient
	topic  string
	origin string
	log    zerolog.Logger
	ready  chan struct{}
}

// New returns a relay on topic with a fresh origin id.
func New(client redis.UniversalClient, topic string) *Relay {
	origin := uuid.NewString()
	return &Relay{
		client: client,
		topic:  topic,
		origin: origin,
		log:    logx.Log.With().Str("topic", topic).Str("origin", origin).Logger(),
		ready:  make(chan struct{}),
	}
}

// Origin identifies this relay in published envelopes.
func (r *Relay) Origin() string { return r.origin }

// Ready is closed once Run has an active subscription.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Publish sends a broadcast to the other instances.
func (r *Relay) Publish(ctx context.Context, op frame.Opcode, data []byte) error {
	b, err := packEnvelope(r.origin, op, data)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.topic, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.topic, err)
	}
	return nil
}

// Run subscribes to the topic and hands every foreign broadcast to deliver
// until ctx is done. It must be called at most once per relay.
func (r *Relay) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.client.Subscribe(ctx, r.topic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	close(r.ready)
	r.log.Debug().Msg("fan-out subscribed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			origin, op, data, err := decode([]byte(m.Payload))
			if err != nil {
				r.log.Warn().Err(err).Msg("dropping fan-out message")
				continue
			}
			if origin == r.origin {
				continue
			}
			deliver(op, data)
		}
	}
}

func packEnvelope(origin string, op frame.Opcode, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return pack.Pack(origin, int(op), data)
}

func decode(b []byte) (origin string, op frame.Opcode, data []byte, err error) {
	vals, err := pack.Unpack(b)
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(vals) != 3 {
		return "", 0, nil, ErrMalformed
	}
	origin, ok1 := vals[0].(string)
	code, ok2 := vals[1].(int)
	data, ok3 := vals[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return "", 0, nil, ErrMalformed
	}
	op = frame.Opcode(code)
	if !op.IsData() {
		return "", 0, nil, ErrMalformed
	}
	return origin, op, data, nil
}

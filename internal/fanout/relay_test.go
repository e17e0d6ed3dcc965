package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/wschan/internal/frame"
)

type delivery struct {
	op   frame.Opcode
	data string
}

func startRelay(t *testing.T, ctx context.Context, r *Relay) <-chan delivery {
	t.Helper()
	out := make(chan delivery, 8)
	go func() {
		_ = r.Run(ctx, func(op frame.Opcode, data []byte) {
			out <- delivery{op, string(data)}
		})
	}()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}
	return out
}

func TestRelaySkipsOwnOrigin(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(client, "wschan:test")
	b := New(client, "wschan:test")
	if a.Origin() == b.Origin() {
		t.Fatal("origins must differ")
	}
	gotA := startRelay(t, ctx, a)
	gotB := startRelay(t, ctx, b)

	if err := a.Publish(ctx, frame.OpText, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case d := <-gotB:
		if d.op != frame.OpText || d.data != "hello" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive broadcast")
	}
	select {
	case d := <-gotA:
		t.Fatalf("publisher received its own broadcast %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayDropsMalformed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(client, "wschan:test")
	got := startRelay(t, ctx, r)
	mr.Publish("wschan:test", "not an envelope")
	other := New(client, "wschan:test")
	if err := other.Publish(ctx, frame.OpBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case d := <-got:
		if d.op != frame.OpBinary || d.data != "\x01\x02\x03" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid broadcast not delivered after malformed one")
	}
}

func TestDecodeRejectsControlOpcode(t *testing.T) {
	r := New(nil, "t")
	b, _ := packEnvelope(r.Origin(), frame.OpClose, nil)
	if _, _, _, err := decode(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

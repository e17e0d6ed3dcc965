package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/wschan/internal/config"
	"github.com/gaspardpetit/wschan/internal/rpc"
)

func TestOpenGreetsAndNotifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.ServerConfig{Greeting: "welcome", MaxSize: 2}
	srv := newServer(ctx, cfg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if typ != websocket.MessageText || string(data) != "welcome" {
		t.Fatalf("greeting = %v %q", typ, data)
	}

	typ, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	env, err := rpc.Decode(data)
	if typ != websocket.MessageBinary || err != nil {
		t.Fatalf("notification = %v %v", typ, err)
	}
	if env.Kind != rpc.KindNotify || env.Method != "message" || len(env.Args) != 1 || env.Args[0] != "Hello, client" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestLogMethodReturns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newServer(ctx, config.ServerConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Skip the open notification.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}

	call, _ := rpc.Encode(rpc.Envelope{Kind: rpc.KindCall, ID: "c1", Method: "log", Args: []any{"hello", 3}})
	if err := conn.Write(ctx, websocket.MessageBinary, call); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	env, err := rpc.Decode(data)
	if err != nil || env.Kind != rpc.KindReturn || env.ID != "c1" {
		t.Fatalf("reply = %+v %v", env, err)
	}
}

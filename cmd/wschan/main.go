package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/wschan/internal/channel"
	"github.com/gaspardpetit/wschan/internal/config"
	"github.com/gaspardpetit/wschan/internal/fanout"
	"github.com/gaspardpetit/wschan/internal/frame"
	"github.com/gaspardpetit/wschan/internal/logx"
	"github.com/gaspardpetit/wschan/internal/metrics"
	"github.com/gaspardpetit/wschan/internal/netutil"
	"github.com/gaspardpetit/wschan/internal/rpc"
	"github.com/gaspardpetit/wschan/internal/server"
	"github.com/gaspardpetit/wschan/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	loadConfig(&cfg, cfg.ConfigFile)
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "wschan version=%s sha=%s date=%s\n\nusage: wschan [flags] [port]\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	path := cfg.ConfigFile
	flag.Parse()
	if *showVersion {
		fmt.Printf("wschan version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != path {
		// An explicit -config file sits below env and flags like the default one.
		loadConfig(&cfg, cfg.ConfigFile)
		cfg.ApplyEnv()
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	if err := cfg.ParsePortArg(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if err := run(cfg); err != nil {
		logx.Log.Error().Err(err).Msg("wschan")
		os.Exit(1)
	}
}

func loadConfig(cfg *config.ServerConfig, path string) {
	if path == "" {
		return
	}
	if err := cfg.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Str("path", path).Msg("load config")
	}
}

func run(cfg config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	var relay *fanout.Relay
	if cfg.RedisAddr != "" {
		client, err := serverstate.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		relay = fanout.New(client, cfg.FanoutTopic)
		opts = append(opts, server.WithStateStore(serverstate.NewRedisStore(client, "")), server.WithRelay(relay))
		logx.Log.Info().Str("addr", cfg.RedisAddr).Str("topic", cfg.FanoutTopic).Msg("using redis state store and fan-out")
	}

	srv := newServer(ctx, cfg, opts...)

	l, err := netutil.Listen(ctx, cfg.Addr(), cfg.ReusePort)
	if err != nil {
		return err
	}
	port := cfg.Port
	if ta, ok := l.Addr().(*net.TCPAddr); ok {
		port = ta.Port
	}
	fmt.Printf("[PID: %d] WebSocket server listening on port %d\n", os.Getpid(), port)

	var metricsSrv *http.Server
	if cfg.SeparateMetrics() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(srv.Gatherer(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	if relay != nil {
		go func() {
			if err := relay.Run(relayCtx, srv.Deliver); err != nil {
				logx.Log.Error().Err(err).Msg("fan-out stopped")
			}
		}()
	}

	var once sync.Once
	shutdown := func(code int, reason string) {
		once.Do(func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Close(sctx, code, reason); err != nil {
				logx.Log.Error().Err(err).Msg("server shutdown")
			}
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(sctx); err != nil {
					logx.Log.Error().Err(err).Msg("metrics server shutdown")
				}
			}
			cancelRelay()
		})
	}
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
			logx.Log.Info().Msg("termination requested")
			shutdown(cfg.CloseCode, cfg.CloseReason)
		case <-served:
		}
	}()
	if cfg.CloseAfter > 0 {
		t := time.AfterFunc(cfg.CloseAfter, func() { shutdown(frame.CloseNormal, "Done") })
		defer t.Stop()
	}

	err = srv.Serve(l)
	// Waits for a shutdown already in progress.
	shutdown(cfg.CloseCode, cfg.CloseReason)
	return err
}

// newServer builds the server and wires the demo behavior: event logging,
// per-connection setup and the rpc methods.
func newServer(ctx context.Context, cfg config.ServerConfig, opts ...server.Option) *server.Server {
	srv := server.New(cfg, opts...)

	router := rpc.NewRouter(ctx)
	router.Handle("log", func(_ context.Context, ch *channel.Channel, args []any) ([]any, error) {
		logx.Log.Info().Int("channel_id", ch.ID()).Interface("args", args).Msg("client log")
		return nil, nil
	})

	srv.On(logEvent)
	srv.On(func(ch *channel.Channel, e channel.Event) {
		if _, ok := e.(channel.Open); ok {
			onOpen(cfg, ch)
		}
	})
	srv.On(router.Listen)
	return srv
}

func onOpen(cfg config.ServerConfig, ch *channel.Channel) {
	if cfg.MaxSize > 0 {
		ch.SetMaxSize(cfg.MaxSize)
	}
	if cfg.ReadLimit > 0 {
		ch.SetReadLimit(cfg.ReadLimit)
	}
	if err := ch.Ping(); err != nil {
		logx.Log.Debug().Err(err).Int("channel_id", ch.ID()).Msg("ping")
	}
	if cfg.Greeting != "" {
		_ = ch.SendText(cfg.Greeting)
	}
	if err := rpc.Notify(ch, "message", "Hello, client"); err != nil {
		logx.Log.Debug().Err(err).Int("channel_id", ch.ID()).Msg("notify")
	}
}

func logEvent(ch *channel.Channel, e channel.Event) {
	log := logx.Log.With().Int("channel_id", ch.ID()).Str("session", ch.Session()).
		Str("event", channel.EventName(e)).Logger()
	switch ev := e.(type) {
	case channel.Open:
		log.Info().Str("remote", ch.RemoteAddr()).Msg("connected")
	case channel.Close:
		l := log.Info().Int("code", ev.Code).Str("reason", ev.Reason)
		if ev.Err != nil {
			l = l.Err(ev.Err)
		}
		l.Msg("disconnected")
	case channel.Message:
		l := log.Info().Str("type", ev.Type.String()).Int("bytes", len(ev.Data))
		if ev.IsText() {
			l = l.Str("text", strconv.Quote(ev.Text()))
		}
		l.Msg("message")
	case channel.IncompleteMessage:
		log.Warn().Str("type", ev.Type.String()).Int("bytes", len(ev.Data)).Msg("incomplete message")
	case channel.Ping:
		log.Debug().Int("bytes", len(ev.Payload)).Msg("ping")
	case channel.Pong:
		log.Debug().Int("bytes", len(ev.Payload)).Msg("pong")
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID, s.requestLogger)

	r.Group(func(g chi.Router) {
		if len(s.cfg.AllowedOrigins) > 0 {
			g.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.cfg.AllowedOrigins,
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}))
		}
		g.Get("/healthz", s.handleHealthz)
		g.Get("/state", s.handleState)
		if !s.cfg.SeparateMetrics() {
			g.Handle("/metrics", promhttp.HandlerFor(s.preg, promhttp.HandlerOpts{}))
		}
	})

	r.HandleFunc("/*", s.HandleRequest)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		s.log.Debug().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.state.Load()
	code := http.StatusOK
	if st.Draining {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

type channelInfo struct {
	ID      int    `json:"id"`
	Session string `json:"session"`
	Remote  string `json:"remote,omitempty"`
	MaxSize int    `json:"max_size"`
}

type stateSnapshot struct {
	PID         int           `json:"pid"`
	RSS         uint64        `json:"rss_bytes,omitempty"`
	Status      string        `json:"status"`
	Draining    bool          `json:"draining"`
	Connections int           `json:"connections"`
	Channels    []channelInfo `json:"channels"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.state.Load()
	snap := stateSnapshot{
		PID:      os.Getpid(),
		Status:   st.Status,
		Draining: st.Draining,
		Channels: []channelInfo{},
	}
	if p, err := process.NewProcessWithContext(r.Context(), int32(snap.PID)); err == nil {
		if mi, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			snap.RSS = mi.RSS
		}
	}
	for _, ch := range s.Channels() {
		snap.Channels = append(snap.Channels, channelInfo{
			ID:      ch.ID(),
			Session: ch.Session(),
			Remote:  ch.RemoteAddr(),
			MaxSize: ch.MaxSize(),
		})
	}
	snap.Connections = len(snap.Channels)
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

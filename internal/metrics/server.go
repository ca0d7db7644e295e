package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and a JSON /health snapshot.
type Server struct {
	server *http.Server
	health func() any
}

// NewServer creates a server listening on addr. health supplies the body of
// /health.
func NewServer(addr string, health func() any) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		health: health,
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens and serves until Stop. It returns once the listener is bound.
func (s *Server) Start() (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, nil, err
	}
	errc := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return ln.Addr(), errc, nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var body any = map[string]string{"status": "ok"}
	if s.health != nil {
		body = s.health()
	}
	json.NewEncoder(w).Encode(body)
}

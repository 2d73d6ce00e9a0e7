package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-group/pkg/observability/tracing"
)

// StatusFunc renders the JSON status document served at /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// DirectoryFunc applies a directory write forwarded by another node.
type DirectoryFunc func(ctx context.Context, w DirectoryWrite) DirectoryWriteResult

// Server is a minimal HTTP server exposing management endpoints for status,
// metrics and healthz. It is intended for operators and development tooling.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
    dirFn  DirectoryFunc
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// HandleDirectory serves POST /directory with f. Must be called before Start.
func (s *Server) HandleDirectory(f DirectoryFunc) *Server { s.dirFn = f; return s }

// Start launches the HTTP server. The server is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, status StatusFunc) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    if s.dirFn != nil {
        dirFn := s.dirFn
        mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
            if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
            var req DirectoryWrite
            if err := json.NewDecoder(r.Body).Decode(&req); err != nil { http.Error(w, "bad request", http.StatusBadRequest); return }
            ctx, end := tracing.StartSpan(r.Context(), "http.directory", "op", req.Op, "group", req.Group)
            defer end()
            w.Header().Set("Content-Type", "application/json")
            _ = json.NewEncoder(w).Encode(dirFn(ctx, req))
        })
    }
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())

    s.srv = &http.Server{Addr: s.bind, Handler: mux}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = ln
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := s.srv
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the listening address (resolved when bound to port 0).
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

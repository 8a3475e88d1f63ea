package escapexl

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Server serves the landing page and the upload relay. It is assembled once
// from a Config and not modified afterwards.
type Server struct {
	filter     *Filter
	tmpl       *template.Template
	static     http.Handler
	maxUpload  int64
	log        *zerolog.Logger
	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger used for access and handler logs.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = &l }
}

// WithFilter replaces the filter built from the configuration.
func WithFilter(f *Filter) Option {
	return func(s *Server) { s.filter = f }
}

// NewServer builds a Server from cfg.
func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	static, err := staticHandler(cfg.StaticDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		tmpl:      tmpl,
		static:    static,
		maxUpload: cfg.MaxUploadBytes(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filter == nil {
		s.filter = NewFilter(cfg)
	}
	if s.log == nil {
		s.log = GetZlog()
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Filter returns the filter used for uploads.
func (s *Server) Filter() *Filter {
	return s.filter
}

// Handler returns the routed handler wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", s.static))

	chain := alice.New(
		hlog.NewHandler(*s.log),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.RemoteAddrHandler("addr"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
	)
	return chain.Then(r)
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Filters
// still running when ctx expires are killed through their request contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		_ = s.httpServer.Close()
	}
	return err
}

// staticHandler serves dir, or the embedded assets when dir is empty.
func staticHandler(dir string) (http.Handler, error) {
	if dir != "" {
		return http.FileServer(http.Dir(dir)), nil
	}
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("loading static assets: %w", err)
	}
	return http.FileServer(http.FS(sub)), nil
}

package invoice

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Server handles HTTP requests for the scanner page and API
type Server struct {
	service   *Service
	basicAuth BasicAuth
	models    ModelFiles
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ModelFiles tells the server where the model file lives on disk.
// An empty Dir disables model serving.
type ModelFiles struct {
	Dir      string
	Filename string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, models ModelFiles) *Server {
	return NewServerWithMux(service, basicAuth, models, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, models ModelFiles, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		models:    models,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return username == s.basicAuth.Username && password == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Scanner"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	// Current selection and runs
	s.mux.HandleFunc("GET /api/state", s.requireAuth(s.handleGetState))
	s.mux.HandleFunc("GET /api/image", s.requireAuth(s.handleGetImage))
	s.mux.HandleFunc("POST /api/image", s.requireAuth(s.handleUploadImage))
	s.mux.HandleFunc("POST /api/run", s.requireAuth(s.handleRun))

	// History
	s.mux.HandleFunc("GET /api/scans/{id}/image", s.requireAuth(s.handleGetScanImage))
	s.mux.HandleFunc("GET /api/scans/{id}", s.requireAuth(s.handleGetScan))
	s.mux.HandleFunc("DELETE /api/scans/{id}", s.requireAuth(s.handleDeleteScan))
	s.mux.HandleFunc("GET /api/scans", s.requireAuth(s.handleListScans))
	s.mux.HandleFunc("GET /api/export.xlsx", s.requireAuth(s.handleExport))

	// Page and model file at any path (catch-all, registered last)
	s.mux.HandleFunc("GET /", s.handleCatchAll)
}

// basePathPrefixes mark where a route starts below a base path
var basePathPrefixes = []string{"/api/", "/static/"}

// stripBasePath serves "/<base>/api/..." and "/<base>/static/..." from the
// root routes so the page's relative URLs work under any base path
func stripBasePath(r *http.Request) *http.Request {
	p := r.URL.Path
	for _, prefix := range basePathPrefixes {
		i := strings.Index(p, prefix)
		if i <= 0 {
			continue
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = p[i:]
		r2.URL.RawPath = ""
		return r2
	}
	return r
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// ServeHTTP dispatches to the mux after removing any base path
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, stripBasePath(r))
}

// Package api is the HTTP surface of the relay: the websocket endpoint,
// health and stats, image uploads through the media store, the password-gated
// admin log view, and static front-end files. No business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/auditlog"
	"chatrelay/internal/media"
)

// StatsProvider reports live registry counters for the health endpoint.
type StatsProvider interface {
	Stats() map[string]int
}

// LogReader serves the admin log view.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]auditlog.Entry, error)
}

// Server routes HTTP traffic to the relay's collaborators.
type Server struct {
	mux           *http.ServeMux
	wsHandler     http.HandlerFunc
	media         *media.Store
	logs          LogReader
	stats         StatsProvider
	adminPassHash string
	staticDir     string
}

// NewServer wires the routes. adminPassHash is a bcrypt hash; when empty the
// admin endpoint reports not found. staticDir may be empty to disable static
// serving.
func NewServer(wsHandler http.HandlerFunc, mediaStore *media.Store, logs LogReader, stats StatsProvider, adminPassHash, staticDir string) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		wsHandler:     wsHandler,
		media:         mediaStore,
		logs:          logs,
		stats:         stats,
		adminPassHash: adminPassHash,
		staticDir:     staticDir,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/ws", s.wsHandler)
	s.mux.Handle("/healthz", s.corsMiddleware(http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("/api/uploads", s.corsMiddleware(http.HandlerFunc(s.handleUpload)))
	s.mux.Handle("/api/admin/logs", s.corsMiddleware(http.HandlerFunc(s.handleAdminLogs)))
	s.mux.HandleFunc(media.URLPrefix, s.handleMedia)
	if s.staticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]interface{}{"status": "ok"}
	if s.stats != nil {
		body["stats"] = s.stats.Stats()
	}
	s.sendJSON(w, http.StatusOK, body)
}

// handleUpload accepts one multipart image (field name "file") and returns
// the URL the client should place in a chat message. Upload failures are
// request-level responses to the uploader; nothing is broadcast.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Cap the request a little above the media limit so an oversized image
	// is reported as too large rather than as a broken form.
	r.Body = http.MaxBytesReader(w, r.Body, s.media.MaxBytes()+(1<<20))
	if err := r.ParseMultipartForm(s.media.MaxBytes() + (1 << 20)); err != nil {
		s.sendError(w, "upload exceeds the configured size cap", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.sendError(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	url, err := s.media.Put(data, mimeType)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusCreated, map[string]string{"url": url})
	case err == media.ErrUnsupportedMediaType:
		s.sendError(w, err.Error(), http.StatusUnsupportedMediaType)
	case err == media.ErrTooLarge:
		s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
	case err == media.ErrEmptyUpload:
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("upload failed: %v", err)
		s.sendError(w, "failed to store upload", http.StatusInternalServerError)
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, media.URLPrefix)
	path, err := s.media.Path(key)
	if err != nil {
		s.sendError(w, "media not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// handleAdminLogs serves recent connection events to an operator. Access is
// gated by HTTP basic auth whose password is checked against the configured
// bcrypt hash; with no hash configured the endpoint does not exist.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.adminPassHash == "" || s.logs == nil {
		s.sendError(w, "not found", http.StatusNotFound)
		return
	}

	_, password, ok := r.BasicAuth()
	if !ok || bcrypt.CompareHashAndPassword([]byte(s.adminPassHash), []byte(password)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="chatrelay admin"`)
		s.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	entries, err := s.logs.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("failed to read audit log: %v", err)
		s.sendError(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, status int) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/relay"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// Server is the HTTP surface of the relay.
type Server struct {
	hub       *relay.Hub
	publicURL string
	router    *mux.Router
	started   time.Time
	log       *logrus.Entry
}

// NewServer creates the HTTP server for hub. Join links point at publicURL.
func NewServer(hub *relay.Hub, publicURL string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.WithField("component", "api")
	}
	s := &Server{
		hub:       hub,
		publicURL: publicURL,
		router:    mux.NewRouter(),
		started:   time.Now(),
		log:       log,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.hub.ServeWS)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// Method-restricted routes stay on the root router; a PathPrefix
	// subrouter answers a method mismatch with 404 instead of 405.
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/rooms/{code}/link", s.handleRoomLink).Methods("GET")
	s.router.HandleFunc("/api/rooms/{code}/qr", s.handleRoomQR).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// JoinLink is the URL guests open to join room code.
func JoinLink(publicURL, code string) string {
	return strings.TrimRight(publicURL, "/") + "/join/" + code
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.Registry().Stats())
}

// roomCode validates the {code} path variable. Only the format is checked;
// whether the room exists is never revealed.
func roomCode(r *http.Request) (string, bool) {
	code := protocol.NormalizeRoomCode(mux.Vars(r)["code"])
	return code, protocol.ValidRoomCode(code)
}

func (s *Server) handleRoomLink(w http.ResponseWriter, r *http.Request) {
	code, ok := roomCode(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid room code")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"code": code,
		"url":  JoinLink(s.publicURL, code),
	})
}

func (s *Server) handleRoomQR(w http.ResponseWriter, r *http.Request) {
	code, ok := roomCode(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid room code")
		return
	}

	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > maxQRSize {
			respondError(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(JoinLink(s.publicURL, code), qrcode.Medium, size)
	if err != nil {
		s.log.WithError(err).Error("Failed to render QR code")
		respondError(w, http.StatusInternalServerError, "Failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

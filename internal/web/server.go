package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"compress-img-go/internal/compressor"
	"compress-img-go/internal/config"
	"compress-img-go/internal/progress"
	"compress-img-go/internal/session"
	"compress-img-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// multipart framing allowance on top of the configured upload limit
const uploadOverhead = 1 << 20

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	session    *session.Session
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer wires one selection session to the HTTP API. Session events are
// broadcast to every connected WebSocket client.
func NewServer(cfg *config.Config, log *logrus.Logger, c session.Compressor) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	var ticker *progress.Ticker
	if !cfg.IsImmediate() {
		ticker = progress.NewTicker(cfg.Progress.Interval, cfg.Progress.Step)
	}
	s.session = session.New(c, session.Options{
		Config:   cfg.CompressorConfig(),
		Ticker:   ticker,
		Stats:    statistics.NewStatistics(),
		Logger:   log,
		Listener: s.onSessionEvent,
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/images", s.handleUpload).Methods("POST")
	api.HandleFunc("/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/result", s.handleResult).Methods("GET")
	api.HandleFunc("/original", s.handleOriginal).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels the active run and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.session.Cancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+uploadOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.writeError(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	asset, err := compressor.ReadAsset(file, header.Filename, header.Header.Get("Content-Type"), limit)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := s.session.Select(asset)
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
		Data:    map[string]interface{}{"run_id": runID},
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression cancelled",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.session.Snapshot(),
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, asset := s.session.Result()
	if res == nil {
		s.writeError(w, "No compressed image available", http.StatusNotFound)
		return
	}
	s.writeBlob(w, res.Blob, res.MIMEType, asset.CompressedName())
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	asset := s.session.Asset()
	if asset == nil {
		s.writeError(w, "No image selected", http.StatusNotFound)
		return
	}
	s.writeBlob(w, asset.Data, asset.MIMEType, asset.Name)
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.session.Stats()
	stats.Finalize()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":  stats.GetSummary(),
			"errors":   stats.GetErrorSummary(),
			"counters": stats.Snapshot(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) onSessionEvent(ev session.Event) {
	s.broadcastWSMessage(string(ev.Type), ev)
}

// broadcastWSMessage holds wsMutex while writing since a connection allows
// only one concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeBlob(w http.ResponseWriter, data []byte, mimeType, name string) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := w.Write(data); err != nil {
		s.log.Debugf("Download interrupted: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

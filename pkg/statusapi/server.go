package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tarun-kavipurapu/swarm-stream/peer"
	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/monitor"
)

// Provider is the node state exposed over HTTP.
type Provider interface {
	ID() string
	Peers() []string
	Search(query string) []peer.RemoteFile
	CurrentSession() *peer.StreamManager
	RemoteStatuses() []peer.RemoteStatus
	Metrics() *monitor.Metrics
}

// Session is the JSON view of the running stream.
type Session struct {
	Hash         string            `json:"hash"`
	FileName     string            `json:"fileName"`
	Size         int64             `json:"size"`
	Path         string            `json:"path"`
	TotalChunks  int               `json:"totalChunks"`
	Progress     int               `json:"progress"`
	BufferTarget int               `json:"bufferTarget"`
	Ready        bool              `json:"ready"`
	ActivePeers  map[string]string `json:"activePeers"`
}

type Server struct {
	provider Provider
	addr     string
	http     *http.Server
	listener net.Listener
}

func New(provider Provider, addr string) *Server {
	s := &Server{provider: provider, addr: addr}
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/id", s.idHandler).Methods(http.MethodGet)
	router.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	router.HandleFunc("/files", s.filesHandler).Methods(http.MethodGet)
	router.HandleFunc("/session", s.sessionHandler).Methods(http.MethodGet)
	router.HandleFunc("/remote", s.remoteHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)
	return router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[StatusAPI] serve failed: %v", err)
		}
	}()
	logger.Sugar.Infof("[StatusAPI] listening on http://%s", ln.Addr())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) idHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": s.provider.ID()})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Peers())
}

func (s *Server) filesHandler(w http.ResponseWriter, r *http.Request) {
	files := s.provider.Search(r.URL.Query().Get("q"))
	if files == nil {
		files = []peer.RemoteFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	sm := s.provider.CurrentSession()
	if sm == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	writeJSON(w, http.StatusOK, Session{
		Hash:         sm.Hash(),
		FileName:     sm.FileName(),
		Size:         sm.Size(),
		Path:         sm.Path(),
		TotalChunks:  sm.TotalChunks(),
		Progress:     sm.Progress(),
		BufferTarget: sm.BufferTarget(),
		Ready:        sm.IsReadyToPlay(),
		ActivePeers:  sm.ActivePeers(),
	})
}

func (s *Server) remoteHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.RemoteStatuses())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Metrics().Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[StatusAPI] encode response failed: %v", err)
	}
}

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"lsmrepl/pkg/kvstate"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iNode - то, что сервер ожидает от узла репликации
type iNode interface {
	transport.Handler
	Execute(ctx context.Context, o op.Operation) (op.Result, error)
	Status() replication.Status
}

// Server serves the client API and the peer endpoint of one node
type Server struct {
	node              iNode
	local             types.PeerAddr
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(node iNode, local types.PeerAddr, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:              node,
		local:             local,
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/status", s.handleStatus)

	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	r.Post("/api/db", s.handleCreateDB)
	r.Delete("/api/db", s.handleDeleteDB)
	r.Post("/api/db/copy", s.handleCopyDB)
	r.Post("/api/snapshot", s.handleCreateSnapshot)
	r.Delete("/api/snapshot", s.handleDeleteSnapshot)

	// межузловой обмен репликации
	transport.Mount(r, s.local, s.node)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), NewFailureResponse(err))
}

// execute runs o through the replication proxy and writes the outcome
func (s *Server) execute(w http.ResponseWriter, r *http.Request, o op.Operation) (op.Result, bool) {
	res, err := s.node.Execute(r.Context(), o)
	if err != nil {
		slog.Debug("operation failed", "kind", o.Kind, "db", o.DB, "error", err)
		s.writeError(w, err)
		return res, false
	}
	return res, true
}

func (s *Server) writeCommitted(w http.ResponseWriter, res op.Result) {
	resp := NewSuccessResponse()
	resp.LSN = res.LSN.String()
	s.writeJSON(w, http.StatusOK, resp)
}

func dbParam(r *http.Request) string {
	if db := r.FormValue("db"); db != "" {
		return db
	}
	return kvstate.DefaultDB
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprintf(w, "# LSMREPL Metrics\n")
	_, _ = fmt.Fprintf(w, "lsmrepl_role{node=%q,role=%q,master=%q} 1\n", st.Node, st.Role, st.Master)
	_, _ = fmt.Fprintf(w, "lsmrepl_latest_lsn{view=\"%d\"} %d\n", st.LatestLSN.ViewID, st.LatestLSN.SequenceNo)
	_, _ = fmt.Fprintf(w, "lsmrepl_latest_common_lsn{view=\"%d\"} %d\n", st.LatestCommon.ViewID, st.LatestCommon.SequenceNo)
	_, _ = fmt.Fprintf(w, "lsmrepl_checkpoint_lsn{view=\"%d\"} %d\n", st.Checkpoint.ViewID, st.Checkpoint.SequenceNo)

	peers := make([]string, 0, len(st.Slaves))
	for p := range st.Slaves {
		peers = append(peers, string(p))
	}
	sort.Strings(peers)
	for _, p := range peers {
		l := st.Slaves[types.PeerAddr(p)]
		_, _ = fmt.Fprintf(w, "lsmrepl_slave_lsn{peer=%q,view=\"%d\"} %d\n", p, l.ViewID, l.SequenceNo)
	}
	_, _ = fmt.Fprintf(w, "lsmrepl_databases %d\n", len(st.Databases))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	res, ok := s.execute(w, r, op.New(op.Insert, dbParam(r), []byte(key), []byte(value)))
	if ok {
		s.writeCommitted(w, res)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	res, ok := s.execute(w, r, op.New(op.Get, dbParam(r), []byte(key), nil))
	if !ok {
		return
	}
	if !res.Found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(res.Value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	res, ok := s.execute(w, r, op.New(op.Delete, dbParam(r), []byte(key), nil))
	if ok {
		s.writeCommitted(w, res)
	}
}

func (s *Server) handleCreateDB(w http.ResponseWriter, r *http.Request) {
	s.databaseOp(w, r, op.CreateDB, "")
}

func (s *Server) handleDeleteDB(w http.ResponseWriter, r *http.Request) {
	s.databaseOp(w, r, op.DeleteDB, "")
}

func (s *Server) handleCopyDB(w http.ResponseWriter, r *http.Request) {
	s.databaseOp(w, r, op.CopyDB, "target")
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	s.snapshotOp(w, r, op.CreateSnapshot)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	s.snapshotOp(w, r, op.DeleteSnapshot)
}

// databaseOp handles ?name=<db>[&<targetParam>=<target>]
func (s *Server) databaseOp(w http.ResponseWriter, r *http.Request, kind op.Kind, targetParam string) {
	name := r.FormValue("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing name"))
		return
	}

	o := op.New(kind, name, nil, nil)
	if targetParam != "" {
		o.Target = r.FormValue(targetParam)
		if o.Target == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing "+targetParam))
			return
		}
	}

	res, ok := s.execute(w, r, o)
	if ok {
		s.writeCommitted(w, res)
	}
}

// snapshotOp handles ?db=<db>&name=<snapshot>
func (s *Server) snapshotOp(w http.ResponseWriter, r *http.Request, kind op.Kind) {
	name := r.FormValue("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing name"))
		return
	}

	res, ok := s.execute(w, r, op.NewWithTarget(kind, dbParam(r), name))
	if ok {
		s.writeCommitted(w, res)
	}
}

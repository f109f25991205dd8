// Package server is the HTTP adapter over the pipeline: launch runs, query
// run state, stream live logs over WebSocket. It holds no pipeline state of
// its own; every handler reads through the orchestrator's registry, bridge
// and storage backend.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"csvetl/internal/notify"
	"csvetl/internal/pipeline"
	"csvetl/internal/storage"
)

// Logger is the minimal logging seam, satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Server serves the pipeline HTTP API.
type Server struct {
	orc      *pipeline.Orchestrator
	backend  storage.Backend
	notifier *notify.Notifier
	inputDir string
	logger   Logger

	upgrader websocket.Upgrader
}

// New wires a server. inputDir receives uploads and is scanned for
// auto-detected sources. notifier may be nil.
func New(orc *pipeline.Orchestrator, backend storage.Backend, notifier *notify.Notifier, inputDir string, logger Logger) *Server {
	return &Server{
		orc:      orc,
		backend:  backend,
		notifier: notifier,
		inputDir: inputDir,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from elsewhere during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/runs", s.handleLaunch)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/schema", s.handleSchema)
	mux.HandleFunc("GET /api/quarantine", s.handleQuarantineBatches)
	mux.HandleFunc("GET /api/quarantine/{id}", s.handleQuarantineRows)
	mux.HandleFunc("GET /api/data", s.handleRecords)
	mux.HandleFunc("GET /api/notify/status", s.handleNotifyStatus)
	mux.HandleFunc("GET /ws/logs/{id}", s.handleLogStream)
	return mux
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, v ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, v...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// launchRequest is the JSON body of POST /api/runs. FileName is resolved
// inside the input directory; empty means auto-detect the newest source.
type launchRequest struct {
	FileName string `json:"file_name"`
	DryRun   bool   `json:"dry_run"`
}

// handleLaunch starts a run and answers immediately with the PENDING
// snapshot; it never waits for the pipeline. Accepts either a JSON body or a
// multipart upload under the "file" field.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var (
		path string
		req  launchRequest
	)

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		p, err := s.saveUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "upload: %v", err)
			return
		}
		path = p
		req.DryRun = r.FormValue("dry_run") == "true"

	default:
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "decode request: %v", err)
				return
			}
		}
		if req.FileName == "" {
			p, err := pipeline.DetectLatestSource(s.inputDir)
			if err != nil {
				writeError(w, http.StatusNotFound, "%v", err)
				return
			}
			path = p
		} else {
			p, err := s.resolveInput(req.FileName)
			if err != nil {
				writeError(w, http.StatusBadRequest, "%v", err)
				return
			}
			path = p
		}
	}

	run := s.orc.Launch(r.Context(), path, req.DryRun)
	s.logf("server: launched run %s for %s (dry_run=%v)", run.ID, run.FileName, run.DryRun)
	writeJSON(w, http.StatusAccepted, run)
}

// resolveInput joins name into the input directory and rejects traversal out
// of it.
func (s *Server) resolveInput(name string) (string, error) {
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	p := filepath.Join(s.inputDir, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("source %q not found in input dir", name)
	}
	return p, nil
}

func (s *Server) saveUpload(r *http.Request) (string, error) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := filepath.Base(hdr.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("missing upload file name")
	}
	if err := os.MkdirAll(s.inputDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(s.inputDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, f); err != nil {
		return "", err
	}
	return dst, nil
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

// handleListRuns returns in-memory runs newest first. ?history=true reads
// the persisted run table instead, which survives restarts.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	if r.URL.Query().Get("history") == "true" {
		rs, err := s.orc.Registry().History(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "run history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rs)
		return
	}
	writeJSON(w, http.StatusOK, s.orc.Registry().List(limit, offset))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if run, ok := s.orc.Registry().Get(id); ok {
		writeJSON(w, http.StatusOK, run)
		return
	}

	// Fall back to the persisted table for runs from previous processes.
	run, ok, err := s.backend.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get run: %v", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	cols, err := s.backend.ActiveSchema(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "active schema: %v", err)
		return
	}
	if len(cols) == 0 {
		writeError(w, http.StatusNotFound, "no schema persisted yet")
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleQuarantineBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.backend.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quarantine batches: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleQuarantineRows(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, rows, err := s.backend.BatchRows(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quarantine rows: %v", err)
		return
	}
	if batch.RunID == "" {
		writeError(w, http.StatusNotFound, "no quarantine batch for run %s", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch": batch,
		"rows":  rows,
	})
}

// handleRecords pages through the loaded dataset in dedup-key order.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rows, err := s.backend.Records(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dataset records: %v", err)
		return
	}
	if rows == nil {
		rows = []storage.DatasetRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleNotifyStatus(w http.ResponseWriter, _ *http.Request) {
	if s.notifier == nil {
		writeJSON(w, http.StatusOK, notify.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.notifier.Status())
}

// handleLogStream upgrades to WebSocket and forwards the run's live log
// events as JSON text messages. The stream starts at subscription time (no
// replay) and the socket closes when the run finishes. Connecting to a
// finished or unknown run yields an immediately closed stream.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.orc.Bridge().Subscribe(id)
	defer sub.Cancel()

	// Drain reads so client close frames are processed; the stream is
	// one-way otherwise.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	for ev := range sub.C {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
}

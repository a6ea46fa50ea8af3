// Package server exposes the editor and exporter on a loopback HTTP port.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"photomark/internal/editor"
	"photomark/internal/fsutil"
	"photomark/internal/geom"
	"photomark/internal/imageio"
	"photomark/internal/pipeline"
	"photomark/internal/storage"
	"photomark/internal/templates"
	"photomark/internal/watermark"
)

const maxBody = 1 << 20

// Exporter runs batches and reports their progress.
type Exporter interface {
	Run(ctx context.Context, b pipeline.Batch) (pipeline.Result, error)
	Subscribe() (<-chan pipeline.Progress, func())
}

// Deps are the services the HTTP layer drives.
type Deps struct {
	Session   *editor.Session
	Templates templates.Store
	Exporter  Exporter
	Codec     imageio.Codec
	History   *storage.Store
	Logger    *slog.Logger

	PreviewWidth  int
	PreviewHeight int
}

// Server is the local preview service.
type Server struct {
	addr     string
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	hub      *hub
	router   *mux.Router

	// ctx outlives requests so accepted exports keep running
	ctx     context.Context
	exports sync.WaitGroup
}

// New builds the router. Start serves it.
func New(addr string, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Codec == nil {
		d.Codec = imageio.FileCodec{}
	}
	if d.PreviewWidth <= 0 || d.PreviewHeight <= 0 {
		d.PreviewWidth, d.PreviewHeight = 800, 600
	}
	s := &Server{
		addr:     addr,
		deps:     d,
		log:      d.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: sameHostOrigin},
		hub:      newHub(d.Logger),
		ctx:      context.Background(),
	}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	r.HandleFunc("/settings", s.handlePutSettings).Methods("PUT")
	r.HandleFunc("/templates", s.handleListTemplates).Methods("GET")
	r.HandleFunc("/templates/{name}", s.handleGetTemplate).Methods("GET")
	r.HandleFunc("/templates/{name}", s.handlePutTemplate).Methods("PUT")
	r.HandleFunc("/templates/{name}", s.handleDeleteTemplate).Methods("DELETE")
	r.HandleFunc("/templates/{name}/apply", s.handleApplyTemplate).Methods("POST")
	r.HandleFunc("/preview", s.handlePreview).Methods("GET")
	r.HandleFunc("/anchor", s.handleAnchor).Methods("POST")
	r.HandleFunc("/exports", s.handleStartExport).Methods("POST")
	r.HandleFunc("/exports", s.handleListExports).Methods("GET")
	r.HandleFunc("/exports/{id}", s.handleExportAssets).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Start serves until ctx is done, then drains running exports.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	go s.hub.run(ctx)

	events, unsubEvents := s.deps.Session.Subscribe()
	defer unsubEvents()
	progress, unsubProgress := s.deps.Exporter.Subscribe()
	defer unsubProgress()
	go s.hub.pump(ctx, events, progress)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := srv.ListenAndServe()
	s.exports.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeSettings(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	next, err := readSettings(r, "settings")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Session.Update(func(st *watermark.Settings) { *st = next }); err != nil {
		writeError(w, err)
		return
	}
	s.writeSettings(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Session.Templates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Templates.Load(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSettings(w, http.StatusOK, t.Settings)
}

// handlePutTemplate stores the request body as a template, or the live
// settings when the body is empty.
func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		err = s.deps.Session.SaveTemplate(name)
	} else {
		var st watermark.Settings
		if st, err = templates.Unmarshal(name, data); err == nil {
			err = s.deps.Templates.Save(name, st)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.DeleteTemplate(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.LoadTemplate(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	s.writeSettings(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	width, height := s.deps.PreviewWidth, s.deps.PreviewHeight
	if v := q.Get("width"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			width = n
		}
	}
	if v := q.Get("height"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			height = n
		}
	}

	img, _, err := s.deps.Codec.Open(path)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Session.Preview(img, width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	tr := p.TextRect
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Text-Rect", fmt.Sprintf("%d,%d,%d,%d", tr.Min.X, tr.Min.Y, tr.Max.X, tr.Max.Y))
	w.Header().Set("X-Font-Px", strconv.Itoa(p.FontPx))
	if err := imaging.Encode(w, p.Image, imaging.PNG); err != nil {
		s.log.Warn("write preview", "error", err)
	}
}

type anchorRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// handleAnchor centres the text on a display point of the last preview.
func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	anchor, err := s.deps.Session.PlaceAt(geom.Pt(req.X, req.Y))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchor)
}

type exportRequest struct {
	Assets   []string `json:"assets"`
	Output   string   `json:"output,omitempty"`
	Template string   `json:"template,omitempty"`
}

type exportAccepted struct {
	BatchID string `json:"batch_id"`
	Assets  int    `json:"assets"`
}

// handleStartExport validates and pre-flights synchronously, then runs the
// batch in the background. Progress arrives on /ws.
func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	assets, err := fsutil.ExpandAssets(req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(assets) == 0 {
		http.Error(w, "no assets selected", http.StatusBadRequest)
		return
	}

	settings := s.deps.Session.Snapshot()
	if req.Template != "" {
		t, err := s.deps.Templates.Load(req.Template)
		if err != nil {
			writeError(w, err)
			return
		}
		settings = t.Settings
	}
	if req.Output != "" {
		settings.Output.Folder = req.Output
	}
	if err := settings.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := pipeline.Preflight(settings.Output.Folder, assets); err != nil {
		writeError(w, err)
		return
	}

	batch := pipeline.NewBatch(assets, settings)
	s.exports.Add(1)
	go func() {
		defer s.exports.Done()
		if _, err := s.deps.Exporter.Run(s.ctx, batch); err != nil {
			s.log.Error("export failed", "batch", batch.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, exportAccepted{BatchID: batch.ID, Assets: len(assets)})
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []storage.BatchRecord{})
		return
	}
	recs, err := s.deps.History.RecentBatches(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.BatchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleExportAssets(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	recs, err := s.deps.History.BatchAssets(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// waitExports blocks until background exports have finished.
func (s *Server) waitExports() {
	s.exports.Wait()
}

func readSettings(r *http.Request, name string) (watermark.Settings, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: err}
	}
	return templates.Unmarshal(name, data)
}

func (s *Server) writeSettings(w http.ResponseWriter, status int, st watermark.Settings) {
	data, err := templates.Marshal(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, watermark.ErrTemplateNotFound), errors.Is(err, watermark.ErrMissingAsset):
		status = http.StatusNotFound
	case errors.Is(err, watermark.ErrOutputConflict), errors.Is(err, editor.ErrNoPreview):
		status = http.StatusConflict
	case errors.Is(err, watermark.ErrInvalidName), errors.Is(err, watermark.ErrConfigParse),
		errors.Is(err, watermark.ErrInvalidConfig), errors.Is(err, watermark.ErrUnsupportedColorMode):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// Package server provides the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/importer"
	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/opml"
)

const maxImportBody = 5 << 20

// Refresher runs one scheduler cycle on demand. *rss.Poller satisfies it.
type Refresher interface {
	RunOnce(ctx context.Context) (int, error)
}

// Server is the main HTTP server.
type Server struct {
	db        database.Store
	registrar *importer.Registrar
	imports   *importer.Manager
	refresher Refresher
	router    chi.Router
	httpSrv   *http.Server
}

// New creates a new server.
func New(db database.Store, registrar *importer.Registrar, imports *importer.Manager, refresher Refresher) *Server {
	s := &Server{
		db:        db,
		registrar: registrar,
		imports:   imports,
		refresher: refresher,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleCreateFeed)
		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Delete("/", s.handleDeleteFeed)
			r.Get("/logs", s.handleFeedLogs)
			r.Get("/articles", s.handleFeedArticles)
		})
		r.Post("/import", s.handleImport)
		r.Get("/import/{jobID}", s.handleImportStatus)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infof("[server] listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"database": s.db.DatabaseType(),
	})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.ListFeeds(r.Context())
	if err != nil {
		s.serverError(w, "list feeds", err)
		return
	}
	views := make([]feedView, 0, len(feeds))
	for _, f := range feeds {
		views = append(views, newFeedView(f))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": views})
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL            string  `json:"url"`
		Title          string  `json:"title"`
		FetchFrequency string  `json:"fetch_frequency"`
		CustomHours    int     `json:"custom_hours"`
		IgnorePattern  *string `json:"ignore_pattern"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Bounded so a slow origin cannot hold the request open.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	feed, res, err := s.registrar.Register(ctx, model.NewFeed{
		URL:            req.URL,
		Title:          req.Title,
		FetchFrequency: model.FetchFrequency(req.FetchFrequency),
		CustomHours:    req.CustomHours,
		IgnorePattern:  req.IgnorePattern,
	})
	switch {
	case err == nil:
	case errors.Is(err, database.ErrDuplicateURL):
		writeError(w, http.StatusConflict, err.Error())
		return
	case importer.IsRejection(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.serverError(w, "create feed", err)
		return
	}

	// Reload so the response reflects the first fetch.
	if fresh, err := s.db.GetFeed(r.Context(), feed.ID); err == nil {
		feed = fresh
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"feed":  newFeedView(*feed),
		"fetch": newFetchView(res),
	})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	feed, err := s.db.GetFeed(r.Context(), feedID)
	if err != nil {
		s.notFoundOr(w, "get feed", err)
		return
	}
	writeJSON(w, http.StatusOK, newFeedView(*feed))
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteFeed(r.Context(), feedID); err != nil {
		s.notFoundOr(w, "delete feed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeedLogs(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetFeed(r.Context(), feedID); err != nil {
		s.notFoundOr(w, "get feed", err)
		return
	}
	logs, err := s.db.ListLogs(r.Context(), feedID, limitParam(r))
	if err != nil {
		s.serverError(w, "list logs", err)
		return
	}
	views := make([]logView, 0, len(logs))
	for _, l := range logs {
		views = append(views, newLogView(l))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feed_id": feedID, "logs": views})
}

func (s *Server) handleFeedArticles(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetFeed(r.Context(), feedID); err != nil {
		s.notFoundOr(w, "get feed", err)
		return
	}
	articles, err := s.db.ListArticles(r.Context(), feedID, limitParam(r))
	if err != nil {
		s.serverError(w, "list articles", err)
		return
	}
	views := make([]articleView, 0, len(articles))
	for _, a := range articles {
		views = append(views, newArticleView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feed_id": feedID, "articles": views})
}

// handleImport accepts a JSON body ({"urls": [...]} or {"feeds": [{url,title}]}),
// a multipart OPML upload in the "opml" field, or plain text with one
// "URL [title]" per line.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)

	entries, err := parseImportRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.imports.Submit(r.Context(), entries)
	if err != nil {
		if errors.Is(err, importer.ErrNoEntries) || errors.Is(err, importer.ErrTooMany) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, "submit import", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": id,
		"status": model.ImportProcessing,
		"total":  len(entries),
	})
}

func parseImportRequest(r *http.Request) ([]importer.Entry, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req struct {
			URLs  []string         `json:"urls"`
			Feeds []importer.Entry `json:"feeds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		return append(importer.FromURLs(req.URLs), req.Feeds...), nil
	case "multipart/form-data":
		file, _, err := r.FormFile("opml")
		if err != nil {
			return nil, errors.New("no file provided")
		}
		defer file.Close()
		entries, err := importer.ParseOPML(file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse OPML: %w", err)
		}
		return entries, nil
	case "text/x-opml", "application/xml", "text/xml":
		return importer.ParseOPML(r.Body)
	default:
		return importer.ParseLines(r.Body)
	}
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.imports.Poll(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	dispatched, err := s.refresher.RunOnce(r.Context())
	if err != nil {
		s.serverError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "ok",
		"dispatched": dispatched,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.ListFeeds(r.Context())
	if err != nil {
		s.serverError(w, "list feeds", err)
		return
	}
	data, err := opml.Export("feedsync subscriptions", feeds, time.Now())
	if err != nil {
		s.serverError(w, "export opml", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedsync-feeds.opml")
	w.Write(data)
}

// --- Helpers ---

func feedIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return 0, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	return n
}

func (s *Server) notFoundOr(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	s.serverError(w, op, err)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	logger.Errorf("[server] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

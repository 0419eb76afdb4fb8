// Package api exposes the job manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/jobs"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/pipeline"
)

// JobManager is the subset of *jobs.Manager the API drives.
type JobManager interface {
	Submit(locator string) (*jobs.Job, error)
	Get(id string) (*jobs.Job, error)
	List() []jobs.Snapshot
	Cancel(id string) error
}

// Server serves the HTTP API.
type Server struct {
	jobs     JobManager
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	// ValidateLocator rejects locators before a job is created.
	ValidateLocator func(string) error
}

// NewServer returns a Server backed by m.
func NewServer(m JobManager) *Server {
	return &Server{
		jobs:   m,
		logger: log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ValidateLocator: fetch.ValidateURL,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(AccessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/process", s.handleProcess)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleCancelJob)
			r.Get("/video", s.handleOutput(func(res pipeline.Result) string { return res.VideoOutputPath }))
			r.Get("/audio", s.handleOutput(func(res pipeline.Result) string { return res.AudioOutputPath }))
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	URL string `json:"url"`
}

// locatorFrom reads the url from a JSON body or a form field.
func locatorFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		return strings.TrimSpace(req.URL), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form body: %w", err)
	}
	return strings.TrimSpace(r.FormValue("url")), nil
}

// submit validates the request and creates a job.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	locator, err := locatorFrom(w, r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, pipeline.KindInvalidRequest, err.Error())
		return nil, false
	}
	if locator == "" {
		writeProblem(w, r, http.StatusBadRequest, pipeline.KindInvalidRequest, "No URL provided")
		return nil, false
	}
	if s.ValidateLocator != nil {
		if err := s.ValidateLocator(locator); err != nil {
			writeError(w, r, err)
			return nil, false
		}
	}
	job, err := s.jobs.Submit(locator)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	logger := log.WithContext(r.Context(), s.logger)
	logger.Info().
		Str(log.FieldJobID, job.ID()).
		Str(log.FieldLocator, locator).
		Msg("job submitted")
	return job, true
}

// handleProcess runs a job synchronously and answers with the enhanced video. A client that goes
// away cancels the job.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	job, ok := s.submit(w, r)
	if !ok {
		return
	}
	w.Header().Set("X-Job-ID", job.ID())

	res, err := job.Wait(r.Context())
	if r.Context().Err() != nil {
		if cerr := s.jobs.Cancel(job.ID()); cerr != nil && !errors.Is(cerr, jobs.ErrFinished) {
			logger := log.WithContext(r.Context(), s.logger)
			logger.Warn().Err(cerr).Msg("cancel abandoned job")
		}
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Audio-Output", filepath.Base(res.AudioOutputPath))
	serveAttachment(w, r, res.VideoOutputPath)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.submit(w, r)
	if !ok {
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID())
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleOutput(pick func(pipeline.Result) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := s.job(w, r)
		if !ok {
			return
		}
		snap := job.Snapshot()
		if snap.Status != jobs.StatusDone || snap.Result == nil {
			writeProblem(w, r, http.StatusConflict, KindNotReady, fmt.Sprintf("job is %s", snap.Status))
			return
		}
		serveAttachment(w, r, pick(*snap.Result))
	}
}

// serveAttachment streams path as a download.
func serveAttachment(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeProblem(w, r, http.StatusGone, KindNotFound, "output no longer available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)}))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEvents streams a job's events over a websocket: the buffered history first, then live
// events until the job finishes or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	logger := log.WithContext(r.Context(), s.logger).With().Str(log.FieldJobID, job.ID()).Logger()

	replay, live, cancel := job.Events().Subscribe(256)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	// The reader only exists to notice the client closing the socket.
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev jobs.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}
	for _, ev := range replay {
		if err := send(ev); err != nil {
			logger.Debug().Err(err).Msg("websocket write")
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, open := <-live:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := send(ev); err != nil {
				logger.Debug().Err(err).Msg("websocket write")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

package simserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/middleware"
	"github.com/JakeFAU/jobstream/internal/storage/memory"
)

const maxFormMemory = 32 << 20

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Server wires the scripted backend routes.
type Server struct {
	router   chi.Router
	scenario Scenario
	paths    jobapi.Paths
	logger   *zap.Logger
	clock    Clock
	ids      *uuid.Generator
	blobs    *memory.BlobStore
	metrics  *metrics.HTTP

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*simJob
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPaths overrides the routes. Empty entries keep their default.
func WithPaths(p jobapi.Paths) Option {
	return func(s *Server) {
		def := jobapi.DefaultPaths()
		if p.Submit == "" {
			p.Submit = def.Submit
		}
		if p.Status == "" {
			p.Status = def.Status
		}
		if p.Abort == "" {
			p.Abort = def.Abort
		}
		if p.Download == "" {
			p.Download = def.Download
		}
		s.paths = p
	}
}

// WithClock overrides the clock used for timed-wait deadlines.
func WithClock(c Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *metrics.HTTP) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New constructs a Server running every submitted job through sc.
func New(sc Scenario, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scenario: sc.withDefaults(),
		paths:    jobapi.DefaultPaths(),
		logger:   zap.NewNop(),
		clock:    system.New(),
		ids:      uuid.New(),
		blobs:    memory.NewBlobStore(),
		runCtx:   ctx,
		stopRun:  cancel,
		jobs:     make(map[string]*simJob),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recover(s.logger))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Post(s.paths.Submit, s.submit)
	r.Get(strings.TrimRight(s.paths.Status, "/")+"/{job_id}", s.status)
	r.Delete(s.paths.Abort, s.abort)
	r.Get(strings.TrimRight(s.paths.Download, "/")+"/*", s.download)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops every running job.
func (s *Server) Close() {
	s.stopRun()
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	JobID     string `json:"client_uuid"`
	UnitCount int    `json:"mode_count"`
}

// submit accepts the multipart form. With Accept: text/event-stream the
// response is the job's event stream; otherwise it is 202 with the identity.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	highOK := r.FormValue(jobapi.HighDeletionsField) == "true"

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		id, err := s.ids.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.start(id, highOK)
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, UnitCount: len(s.scenario.Units)})
		return
	}

	id := r.FormValue("client_uuid")
	if !uuid.Valid(id) {
		writeError(w, http.StatusBadRequest, "client_uuid is missing or invalid")
		return
	}
	if s.job(id) != nil {
		writeError(w, http.StatusConflict, "job already exists")
		return
	}
	s.streamJob(w, r, s.start(id, highOK))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	j := s.job(id)
	if j == nil {
		s.logger.Debug("status for unknown job", zap.String("job_id", id))
		startStream(w)
		_ = writeEvents(w, 0, unknownEvent(s.scenario.Dialect))
		return
	}
	s.streamJob(w, r, j)
}

type abortRequest struct {
	JobID string `json:"client_uuid"`
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !uuid.Valid(req.JobID) {
		writeError(w, http.StatusBadRequest, "client_uuid is missing or invalid")
		return
	}
	if s.scenario.RejectAbort {
		writeError(w, http.StatusInternalServerError, "abort unavailable")
		return
	}
	j := s.job(req.JobID)
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !j.abort(abortedEvent(s.scenario.Dialect)) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	s.logger.Info("job aborted", zap.String("job_id", j.id))
	writeJSON(w, http.StatusOK, map[string]string{"client_uuid": j.id, "status": "aborted"})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.blobs.GetObject(r.Context(), chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	w.Header().Set("ETag", obj.ETag)
	if r.Header.Get("If-None-Match") == obj.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	if _, err := w.Write(obj.Data); err != nil {
		s.logger.Debug("write download", zap.Error(err))
	}
}

func (s *Server) job(id string) *simJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *Server) start(id string, highOK bool) *simJob {
	ctx, cancel := context.WithCancel(s.runCtx)
	j := newSimJob(id, highOK, cancel)
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Info("job started", zap.String("job_id", id), zap.Bool("high_deletions_ok", highOK))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, j)
	}()
	return j
}

// run walks the scenario for one job.
func (s *Server) run(ctx context.Context, j *simJob) {
	sc := s.scenario
	enc := &encoder{dialect: sc.Dialect, jobID: j.id}
	step := func(evt wireEvent) bool {
		return sleep(ctx, sc.StepDelay) && j.append(false, evt)
	}

	if !j.append(false, enc.stageCount(len(sc.Units))) {
		return
	}
	if sc.TimedWaitSeconds > 0 {
		if !j.append(false, enc.waitStart(s.clock.Now(), sc.TimedWaitSeconds)) || sc.StallTimedWait {
			return
		}
		if !step(enc.waitComplete()) {
			return
		}
	}
	if sc.CheckCount > 0 {
		if !step(enc.checkMax(sc.CheckCount)) {
			return
		}
		for i := 1; i <= sc.CheckCount; i++ {
			if !step(enc.checkProgress(i)) {
				return
			}
		}
	}
	for _, unit := range sc.Units {
		if !step(enc.unit(unit)) {
			return
		}
	}
	if !sleep(ctx, sc.StepDelay) {
		return
	}

	if f := sc.Fail; f != nil && (f.DeletionPercentage <= 0 || !j.highDeletionsOK) {
		j.append(true, enc.failed(*f))
		s.logger.Info("job failed", zap.String("job_id", j.id), zap.String("reason", f.Reason))
		return
	}
	ref := j.id + "/" + sc.ResultName
	body := fmt.Sprintf("job %s\nunits %s\n", j.id, strings.Join(sc.Units, ","))
	if _, err := s.blobs.PutObject(ctx, ref, "application/octet-stream", []byte(body)); err != nil {
		j.append(true, enc.failed(Failure{Reason: err.Error()}))
		return
	}
	j.append(true, enc.succeeded(sc.ResultName))
	s.logger.Info("job succeeded", zap.String("job_id", j.id), zap.String("ref", ref))
}

// streamJob replays the job's log and follows it until the job ends or the
// client goes away.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request, j *simJob) {
	startStream(w)
	rc := http.NewResponseController(w)
	next := 0
	for {
		evs, done, changed := j.since(next)
		if len(evs) > 0 {
			if err := writeEvents(w, next, evs...); err != nil {
				return
			}
			next += len(evs)
		}
		if err := rc.Flush(); err != nil {
			s.logger.Debug("flush stream", zap.String("job_id", j.id), zap.Error(err))
			return
		}
		if done {
			return
		}
		select {
		case <-changed:
		case <-r.Context().Done():
			return
		}
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeEvents(w http.ResponseWriter, offset int, evs ...wireEvent) error {
	var b strings.Builder
	for i, evt := range evs {
		fmt.Fprintf(&b, "id: %d\nevent: %s\ndata: %s\n\n", offset+i+1, evt.Type, evt.Data)
	}
	if _, err := w.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

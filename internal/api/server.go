package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/batch"
	"github.com/JakeFAU/icon-resolver/internal/clock/system"
	"github.com/JakeFAU/icon-resolver/internal/config"
	"github.com/JakeFAU/icon-resolver/internal/dispatcher"
	iduuid "github.com/JakeFAU/icon-resolver/internal/id/uuid"
	"github.com/JakeFAU/icon-resolver/internal/metrics"
	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/queue/memory"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
	"github.com/JakeFAU/icon-resolver/internal/storage"
	"github.com/JakeFAU/icon-resolver/internal/store"
)

const (
	maxIdentifiers = 10000
	// maxResults bounds the finished batch results kept for /result.
	maxResults     = 256
	requestTimeout = 60 * time.Second
)

// Defaults when server.max_active_batches or server.queue_depth are 0.
const (
	defaultActiveBatches = 4
	defaultQueueDepth    = 64
)

// Runner executes a batch to completion.
type Runner interface {
	Run(ctx context.Context, batchID uuid.UUID, records []batch.Record, mode resolver.Mode) (*batch.Result, error)
	Settings() batch.Settings
}

// IDGenerator mints batch IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Clock supplies submission timestamps.
type Clock interface {
	Now() time.Time
}

// Options wires a Server. Runner, Entries and Runs are required.
type Options struct {
	Runner  Runner
	Entries store.EntryRepository
	Runs    store.RunRepository
	IDs     IDGenerator
	Clock   Clock
	Config  config.Config
	Logger  *zap.Logger
	// BaseContext parents every batch; canceling it cancels running batches.
	BaseContext context.Context
}

// Server wires HTTP handlers to the batch runner and stores.
type Server struct {
	router   chi.Router
	runner   Runner
	entries  store.EntryRepository
	runs     store.RunRepository
	ids      IDGenerator
	clock    Clock
	cfg      config.Config
	logger   *zap.Logger
	progress *ProgressHandler
	baseCtx  context.Context

	queue        *memory.Queue[batchJob]
	dispatchDone chan struct{}

	mu      sync.Mutex
	active  map[uuid.UUID]context.CancelFunc
	results map[uuid.UUID]*batch.Result
	order   []uuid.UUID
	wg      sync.WaitGroup
}

// batchJob is a submitted batch waiting for a dispatcher worker.
type batchJob struct {
	id      uuid.UUID
	records []batch.Record
	mode    resolver.Mode
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil || opts.Entries == nil || opts.Runs == nil {
		return nil, errors.New("api server requires a runner, entry store and run store")
	}
	if opts.IDs == nil {
		opts.IDs = iduuid.NewUUIDGenerator()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		runner:   opts.Runner,
		entries:  opts.Entries,
		runs:     opts.Runs,
		ids:      opts.IDs,
		clock:    opts.Clock,
		cfg:      opts.Config,
		logger:   opts.Logger,
		progress: NewProgressHandler(opts.Runs, opts.Logger.Named("progress")),
		baseCtx:  opts.BaseContext,
		active:   make(map[uuid.UUID]context.CancelFunc),
		results:  make(map[uuid.UUID]*batch.Result),

		dispatchDone: make(chan struct{}),
	}
	s.startDispatcher()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(s.cfg.Auth.APIKey))
		}
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/", s.progress.ListBatches)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.progress.GetBatch)
				r.Get("/result", s.getBatchResult)
				r.Post("/cancel", s.cancelBatch)
			})
		})
		r.Get("/icons/{hash}", s.getIcon)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown cancels queued and running batches and waits for them to commit.
// Submissions after Shutdown are rejected.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.dispatchDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for batches: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), progressTimeout)
	defer cancel()
	if _, err := s.runs.ListRuns(ctx, nil, 1, 0); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitBatchRequest struct {
	Identifiers []string `json:"identifiers"`
	Mode        string   `json:"mode"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Identifiers) == 0 {
		writeError(w, http.StatusBadRequest, "identifiers required")
		return
	}
	if len(req.Identifiers) > maxIdentifiers {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d identifiers per batch", maxIdentifiers))
		return
	}
	mode, err := s.modeFor(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batchID, err := s.ids.NewRawID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate batch id")
		return
	}
	records, err := s.createBatch(r.Context(), batchID, mode, req.Identifiers)
	if err != nil {
		s.logger.Error("create batch failed", zap.Stringer("batch_id", batchID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "failed to create batch")
		return
	}
	if err := s.enqueue(batchID, records, mode); err != nil {
		s.logger.Warn("batch rejected", zap.Stringer("batch_id", batchID), zap.Error(err))
		msg := err.Error()
		if cerr := s.runs.CompleteRun(r.Context(), batchID, s.clock.Now(), store.RunError, &msg); cerr != nil {
			s.logger.Warn("mark rejected batch failed", zap.Stringer("batch_id", batchID), zap.Error(cerr))
		}
		writeError(w, http.StatusServiceUnavailable, "batch queue is full, retry later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID.String(),
		"status":   string(store.RunQueued),
		"total":    len(records),
	})
}

func (s *Server) modeFor(raw string) (resolver.Mode, error) {
	settings := s.runner.Settings()
	if strings.TrimSpace(raw) == "" {
		return settings.DefaultMode(), nil
	}
	mode, err := resolver.ParseMode(raw)
	if err != nil {
		return mode, err
	}
	if mode == resolver.ModeCustomProvider && strings.TrimSpace(settings.CustomTemplate) == "" {
		return mode, errors.New("custom mode requires resolver.custom_provider")
	}
	return mode, nil
}

// createBatch records the queued run and stores one entry per identifier.
func (s *Server) createBatch(
	ctx context.Context,
	batchID uuid.UUID,
	mode resolver.Mode,
	identifiers []string,
) ([]batch.Record, error) {
	now := s.clock.Now()
	if err := s.runs.CreateRun(ctx, store.BatchRun{
		ID:        batchID,
		Mode:      mode.String(),
		Status:    store.RunQueued,
		Total:     len(identifiers),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	records := make([]batch.Record, len(identifiers))
	for i, ident := range identifiers {
		entry := store.Entry{
			ID:       fmt.Sprintf("%s/%d", batchID, i),
			URL:      strings.TrimSpace(ident),
			Modified: now,
		}
		if err := s.entries.PutEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("store entry %d: %w", i, err)
		}
		records[i] = entry
	}
	return records, nil
}

func (s *Server) startDispatcher() {
	workers := s.cfg.Server.MaxActiveBatches
	if workers <= 0 {
		workers = defaultActiveBatches
	}
	depth := s.cfg.Server.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	s.queue = memory.NewQueue[batchJob](depth)
	d := dispatcher.New[batchJob](s.queue, workers, s.runJob)
	go func() {
		defer close(s.dispatchDone)
		// Workers exit once Shutdown closes the queue and it drains.
		d.Run(context.Background())
	}()
}

// enqueue registers the batch as cancelable and hands it to the dispatcher.
func (s *Server) enqueue(batchID uuid.UUID, records []batch.Record, mode resolver.Mode) error {
	ctx, cancel := context.WithCancel(s.baseCtx)
	job := batchJob{id: batchID, records: records, mode: mode, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.active[batchID] = cancel
	s.mu.Unlock()
	s.wg.Add(1)

	if err := s.queue.TryEnqueue(job); err != nil {
		s.mu.Lock()
		delete(s.active, batchID)
		s.mu.Unlock()
		cancel()
		s.wg.Done()
		return fmt.Errorf("enqueue batch: %w", err)
	}
	return nil
}

func (s *Server) runJob(_ context.Context, job batchJob) {
	defer s.wg.Done()
	defer job.cancel()
	res, err := s.runner.Run(job.ctx, job.id, job.records, job.mode)
	if err != nil {
		s.logger.Warn("batch finished with errors", zap.Stringer("batch_id", job.id), zap.Error(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, job.id)
	if res == nil {
		return
	}
	s.results[job.id] = res
	s.order = append(s.order, job.id)
	if len(s.order) > maxResults {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Server) getBatchResult(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	res, done := s.results[batchID]
	_, running := s.active[batchID]
	s.mu.Unlock()

	switch {
	case done:
		writeJSON(w, http.StatusOK, toResultDTO(res))
	case running:
		writeError(w, http.StatusConflict, "batch still queued or running")
	default:
		if _, err := s.runs.GetRun(r.Context(), batchID); err == nil {
			writeError(w, http.StatusNotFound, "batch result no longer available")
			return
		}
		writeError(w, http.StatusNotFound, "batch not found")
	}
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	cancel, running := s.active[batchID]
	s.mu.Unlock()
	if running {
		cancel()
		s.logger.Info("batch cancel requested", zap.Stringer("batch_id", batchID))
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID.String(), "status": "canceling"})
		return
	}
	if _, err := s.runs.GetRun(r.Context(), batchID); err == nil {
		writeError(w, http.StatusConflict, "batch is not running")
		return
	}
	writeError(w, http.StatusNotFound, "batch not found")
}

func (s *Server) getIcon(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(chi.URLParam(r, "hash"))
	icon, err := s.entries.GetIcon(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "icon not found")
			return
		}
		s.logger.Error("get icon failed", zap.String("hash", hash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load icon")
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(icon.Data))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(icon.Data); err != nil {
		s.logger.Debug("icon write failed", zap.Error(err))
	}
}

type resultDTO struct {
	BatchID  string          `json:"batch_id"`
	Mode     string          `json:"mode"`
	Summary  string          `json:"summary"`
	Counts   progress.Counts `json:"counts"`
	Changed  int             `json:"changed"`
	Started  time.Time       `json:"started_at"`
	Finished time.Time       `json:"finished_at"`
	Items    []itemDTO       `json:"items"`
	Icons    []iconDTO       `json:"icons"`
}

type itemDTO struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier"`
	Outcome    string `json:"outcome"`
	IconHash   string `json:"icon_hash,omitempty"`
	Source     string `json:"source,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type iconDTO struct {
	Hash   string `json:"hash"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Size   int    `json:"size"`
	URI    string `json:"uri,omitempty"`
}

func toResultDTO(res *batch.Result) resultDTO {
	dto := resultDTO{
		BatchID:  res.BatchID.String(),
		Mode:     res.Mode.String(),
		Summary:  res.Summary(),
		Counts:   res.Counts,
		Changed:  res.Changed,
		Started:  res.Started,
		Finished: res.Finished,
		Items:    make([]itemDTO, 0, len(res.Items)),
		Icons:    make([]iconDTO, 0, len(res.Icons)),
	}
	for _, item := range res.Items {
		out := itemDTO{
			Index:      item.Index,
			Identifier: item.Identifier,
			Outcome:    string(item.Outcome),
			IconHash:   item.IconHash,
			Source:     item.Source,
			DurationMs: item.Dur.Milliseconds(),
		}
		if item.Err != nil {
			out.Error = item.Err.Error()
		}
		dto.Items = append(dto.Items, out)
	}
	for _, icon := range res.Icons {
		dto.Icons = append(dto.Icons, iconDTO{
			Hash:   icon.Hash,
			Name:   icon.Name,
			Source: icon.Source,
			Size:   len(icon.Data),
			URI:    icon.URI,
		})
	}
	return dto
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

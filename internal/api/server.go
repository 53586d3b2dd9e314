package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"style-pipeline/internal/identity"
	"style-pipeline/internal/models"
	"style-pipeline/internal/ratelimit"
	"style-pipeline/internal/status"
	"style-pipeline/internal/telemetry"
	"style-pipeline/internal/upload"
)

// Receiver accepts parsed uploads.
type Receiver interface {
	Receive(ctx context.Context, req upload.Request) (upload.Accepted, error)
	MaxRequestBytes() int64
}

// Canceller cancels queued or processing jobs.
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// Limiter throttles uploads per caller.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the upload and polling API.
type Server struct {
	uploads    Receiver
	reader     *status.Reader
	jobs       Canceller
	identities identity.Registry
	limiter    Limiter
	logger     *slog.Logger
	trustProxy bool
}

// Option customises a Server.
type Option func(*Server)

// WithTrustedProxy makes the server take the client address from
// X-Forwarded-For / X-Real-IP. Only enable it behind a proxy that overwrites them.
func WithTrustedProxy(trust bool) Option {
	return func(s *Server) { s.trustProxy = trust }
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(uploads Receiver, reader *status.Reader, jobs Canceller, identities identity.Registry, limiter Limiter, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		uploads:    uploads,
		reader:     reader,
		jobs:       jobs,
		identities: identities,
		limiter:    limiter,
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// multipart field names accepted for media parts.
var fileFields = []string{"file", "files", "image", "images"}

const queueRetryAfter = 5 * time.Second

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/identity", s.handleIdentity)
	r.Group(func(r chi.Router) {
		r.Use(s.resolveIdentity)
		r.Post("/uploads", s.handleUpload)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobId}", s.handleGetJob)
		r.Get("/jobs/{jobId}/result", s.handleGetResult)
		r.Post("/jobs/{jobId}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	// Minting draws from the caller's address bucket, so new tokens cannot
	// be used to sidestep the upload limit.
	if !s.allow(w, r, addressKey(r)) {
		return
	}
	tok, err := s.identities.Issue(r.Context())
	if err != nil {
		s.logger.Error("issue identity", "err", err)
		writeErr(w, http.StatusInternalServerError, errors.New("could not issue identity"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": tok})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	key := owner
	if key == "" {
		key = addressKey(r)
	}
	if !s.allow(w, r, key) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxRequestBytes())
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			telemetry.UploadsRejected.WithLabelValues("too_large").Inc()
			writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", s.uploads.MaxRequestBytes()))
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	for _, field := range fileFields {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	req := upload.Request{
		Type:     r.FormValue("type"),
		Metadata: []byte(r.FormValue("metadata")),
		Owner:    owner,
	}
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("open %s: %w", h.Filename, err))
			return
		}
		defer f.Close()
		req.Files = append(req.Files, upload.File{Name: h.Filename, Reader: f})
	}

	accepted, err := s.uploads.Receive(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accepted)
}

// addressKey is the limiter key for a caller without a token. RemoteAddr is
// the socket peer unless WithTrustedProxy installed RealIP.
func addressKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// allow takes one token from key's bucket and writes a 429 when none is left.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		// Fail open: the limiter protects capacity, it is not an auth gate.
		s.logger.Warn("rate limiter unavailable", "err", err)
		return true
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		setRetryAfter(w, d.RetryAfter)
		writeErr(w, http.StatusTooManyRequests, errors.New("rate limited"))
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.reader.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reader.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type pendingResponse struct {
	JobID    string           `json:"jobId"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Message  string           `json:"message"`
}

type failedResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Error  string           `json:"error"`
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	view, err := s.reader.Result(r.Context(), id)
	var (
		still  *models.StillProcessingError
		failed *models.ProcessingFailure
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.As(err, &still):
		writeJSON(w, http.StatusAccepted, pendingResponse{
			JobID:    id,
			Status:   still.Status,
			Progress: still.Progress,
			Message:  "Job is still processing",
		})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusInternalServerError, failedResponse{JobID: id, Status: models.StatusFailed, Error: failed.Message})
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	ok, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id, "cancelled": ok})
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		verr *models.ValidationError
		serr *models.StorageError
	)
	switch {
	case errors.As(err, &verr):
		writeErr(w, http.StatusBadRequest, verr)
	case errors.Is(err, models.ErrNotFound):
		writeErr(w, http.StatusNotFound, models.ErrNotFound)
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrQueueClosed):
		setRetryAfter(w, queueRetryAfter)
		writeErr(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &serr):
		s.logger.Error("storage failure", "err", err)
		writeErr(w, http.StatusInternalServerError, errors.New("could not store upload"))
	default:
		s.logger.Error("request failed", "err", err)
		writeErr(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

// resolveIdentity attaches the bearer token, if any, to the request context.
// A token is optional but an unknown one is refused.
func (s *Server) resolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(tok) == "" {
			writeErr(w, http.StatusUnauthorized, errors.New("malformed authorization header"))
			return
		}
		tok = strings.TrimSpace(tok)
		if err := s.identities.Resolve(r.Context(), tok); err != nil {
			if !errors.Is(err, identity.ErrUnknownToken) {
				s.logger.Error("resolve identity", "err", err)
			}
			writeErr(w, http.StatusUnauthorized, identity.ErrUnknownToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, tok)))
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

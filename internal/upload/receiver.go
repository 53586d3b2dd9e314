// Package upload validates incoming media and turns accepted uploads into queued jobs.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/config"
	"style-pipeline/internal/models"
	"style-pipeline/internal/telemetry"
	"style-pipeline/internal/worker"
)

// Enqueuer creates and schedules a job.
type Enqueuer interface {
	Enqueue(ctx context.Context, d worker.Descriptor) (models.Job, error)
}

// Estimator predicts processing time for a job type.
type Estimator interface {
	Estimate(jobType string) time.Duration
}

// File is one uploaded media part.
type File struct {
	Name   string
	Reader io.Reader
}

// Request is a parsed upload.
type Request struct {
	Type     string
	Metadata []byte
	Files    []File
	Owner    string
}

// Accepted is returned once the job is queued.
type Accepted struct {
	JobID                   string           `json:"jobId"`
	Status                  models.JobStatus `json:"status"`
	EstimatedProcessingTime int              `json:"estimatedProcessingTime"`
}

var extKinds = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// Receiver validates media, writes it once to the blob store and enqueues a job.
type Receiver struct {
	blobs    blob.Store
	queue    Enqueuer
	estimate Estimator
	schemas  schemaSet
	logger   *slog.Logger

	maxFileBytes int64
	maxFiles     int
	maxPixels    int64
	allowed      map[string]bool
}

func NewReceiver(cfg config.Config, blobs blob.Store, queue Enqueuer, estimate Estimator, logger *slog.Logger) (*Receiver, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(cfg.AllowedMediaTypes))
	for _, t := range cfg.AllowedMediaTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Receiver{
		blobs:        blobs,
		queue:        queue,
		estimate:     estimate,
		schemas:      schemas,
		logger:       logger,
		maxFileBytes: cfg.MaxFileBytes,
		maxFiles:     cfg.MaxFiles,
		maxPixels:    cfg.MaxImagePixels,
		allowed:      allowed,
	}, nil
}

// MaxRequestBytes bounds a whole multipart body.
func (r *Receiver) MaxRequestBytes() int64 {
	return int64(r.maxFiles)*r.maxFileBytes + 1<<20
}

type staged struct {
	file models.MediaFile
	data []byte
}

// Receive accepts an upload. On any error no job exists and nothing written
// for this request remains in the blob store.
func (r *Receiver) Receive(ctx context.Context, req Request) (Accepted, error) {
	jobType := models.NormalizeType(strings.TrimSpace(req.Type))
	if jobType == "" {
		return Accepted{}, r.reject("validation", models.Invalid("type", "is required"))
	}
	switch {
	case len(req.Files) == 0:
		return Accepted{}, r.reject("validation", models.Invalid("file", "at least one media file is required"))
	case len(req.Files) > r.maxFiles:
		return Accepted{}, r.reject("validation", models.Invalid("file", "at most %d files allowed, got %d", r.maxFiles, len(req.Files)))
	}
	metadata, err := r.schemas.validate(jobType, req.Metadata)
	if err != nil {
		return Accepted{}, r.reject("validation", err)
	}

	files := make([]staged, 0, len(req.Files))
	for _, f := range req.Files {
		s, err := r.inspect(f)
		if err != nil {
			return Accepted{}, r.reject("validation", err)
		}
		files = append(files, s)
	}

	written := make([]string, 0, len(files))
	input := models.Input{Metadata: metadata}
	for _, s := range files {
		if err := r.blobs.Put(ctx, s.file.Key, s.data, s.file.ContentType); err != nil {
			r.cleanup(written)
			return Accepted{}, r.reject("storage", &models.StorageError{Op: "put " + s.file.OriginalName, Cause: err})
		}
		written = append(written, s.file.Key)
		input.Files = append(input.Files, s.file)
	}

	job, err := r.queue.Enqueue(ctx, worker.Descriptor{Type: jobType, Owner: req.Owner, Input: input})
	if err != nil {
		r.cleanup(written)
		reason := "storage"
		if errors.Is(err, models.ErrQueueFull) || errors.Is(err, models.ErrQueueClosed) {
			reason = "queue_full"
		}
		return Accepted{}, r.reject(reason, fmt.Errorf("enqueue: %w", err))
	}
	return Accepted{
		JobID:                   job.ID,
		Status:                  job.Status,
		EstimatedProcessingTime: seconds(r.estimate.Estimate(jobType)),
	}, nil
}

// inspect reads one part, enforcing the size and pixel bounds and checking that
// both the extension and the sniffed content are allowed media kinds.
func (r *Receiver) inspect(f File) (staged, error) {
	name := filepath.Base(strings.ReplaceAll(f.Name, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(name))
	kind, ok := extKinds[ext]
	if !ok || !r.allowed[kind] {
		return staged{}, models.Invalid("file", "%q: unsupported media type", name)
	}
	data, err := io.ReadAll(io.LimitReader(f.Reader, r.maxFileBytes+1))
	if err != nil {
		return staged{}, models.Invalid("file", "%q: read failed: %v", name, err)
	}
	switch {
	case len(data) == 0:
		return staged{}, models.Invalid("file", "%q is empty", name)
	case int64(len(data)) > r.maxFileBytes:
		return staged{}, models.Invalid("file", "%q exceeds %d bytes", name, r.maxFileBytes)
	}
	sniffed := http.DetectContentType(data)
	if sniffed != kind {
		return staged{}, models.Invalid("file", "%q: content is %s, not %s", name, sniffed, kind)
	}
	// Compressed size says little about the decoded bitmap, so bound the declared dimensions too.
	dim, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return staged{}, models.Invalid("file", "%q: unreadable image header: %v", name, err)
	}
	if r.maxPixels > 0 && int64(dim.Width)*int64(dim.Height) > r.maxPixels {
		return staged{}, models.Invalid("file", "%q: %dx%d exceeds %d pixels", name, dim.Width, dim.Height, r.maxPixels)
	}
	return staged{
		file: models.MediaFile{
			Key:          "uploads/" + uuid.NewString() + ext,
			OriginalName: name,
			ContentType:  kind,
			Size:         int64(len(data)),
		},
		data: data,
	}, nil
}

func (r *Receiver) cleanup(keys []string) {
	// Detached from the request so a cancelled client cannot strand files.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := r.blobs.Delete(ctx, k); err != nil {
			r.logger.Error("upload cleanup failed", "key", k, "err", err)
		}
	}
}

func (r *Receiver) reject(reason string, err error) error {
	telemetry.UploadsRejected.WithLabelValues(reason).Inc()
	r.logger.Info("upload rejected", "reason", reason, "err", err)
	return err
}

func seconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

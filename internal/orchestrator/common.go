package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

// latency is the simulated inference delay shared by the stand-in handlers.
type latency struct {
	base  time.Duration
	scale float64
}

func (l latency) EstimatedDuration() time.Duration {
	return time.Duration(float64(l.base) * l.scale)
}

// wait sleeps for the jittered latency in steps, reporting progress between
// from and to. It returns early with ctx.Err() when the job is cancelled.
func (l latency) wait(ctx context.Context, rng *rand.Rand, progress ProgressFunc, from, to int) error {
	total := time.Duration(float64(l.base) * l.scale * (0.8 + 0.4*rng.Float64()))
	const steps = 4
	step := total / steps
	for i := 1; i <= steps; i++ {
		if step > 0 {
			t := time.NewTimer(step)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		progress(from + (to-from)*i/steps)
	}
	return nil
}

// jobRand seeds a generator from the job ID so a job's result is reproducible.
func jobRand(jobID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(jobID))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

type decodedImage struct {
	key    string
	format string
	img    image.Image
}

// DefaultMaxPixels bounds the decoded size of one input image.
const DefaultMaxPixels int64 = 40_000_000

// ErrImageTooLarge rejects inputs whose declared dimensions exceed the pixel cap.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// Option tunes the built-in handlers.
type Option func(*options)

type options struct {
	maxPixels int64
}

// WithMaxPixels caps width*height of any image a handler decodes. Non-positive values keep the default.
func WithMaxPixels(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPixels = n
		}
	}
}

// media reads job inputs from the blob store.
type media struct {
	blobs     blob.Store
	maxPixels int64
}

func newMedia(blobs blob.Store, opts []Option) media {
	o := options{maxPixels: DefaultMaxPixels}
	for _, fn := range opts {
		fn(&o)
	}
	return media{blobs: blobs, maxPixels: o.maxPixels}
}

// load reads every input file once and decodes it. Dimensions come from the
// header first so an oversized bitmap is never allocated.
func (m media) load(ctx context.Context, files []models.MediaFile) ([]decodedImage, error) {
	out := make([]decodedImage, 0, len(files))
	for _, f := range files {
		data, err := m.blobs.Get(ctx, f.Key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f.OriginalName, err)
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.OriginalName, err)
		}
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, fmt.Errorf("decode %s: invalid image dimensions", f.OriginalName)
		}
		if int64(cfg.Width)*int64(cfg.Height) > m.maxPixels {
			return nil, fmt.Errorf("decode %s: %dx%d: %w", f.OriginalName, cfg.Width, cfg.Height, ErrImageTooLarge)
		}
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.OriginalName, err)
		}
		out = append(out, decodedImage{key: f.Key, format: format, img: img})
	}
	return out, nil
}

// decodeMetadata unmarshals optional job metadata into dst; absent metadata is not an error.
func decodeMetadata(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

type resultMeta struct {
	ProcessedAt time.Time `json:"processedAt"`
	Model       string    `json:"model"`
	Unit        string    `json:"unit,omitempty"`
	Preferences []string  `json:"preferences,omitempty"`
}

func newMeta(model string) resultMeta {
	return resultMeta{ProcessedAt: time.Now().UTC(), Model: model}
}

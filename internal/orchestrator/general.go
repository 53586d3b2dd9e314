package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disintegration/imaging"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

const thumbnailSize = 256

// ImageInfo describes one analysed input image.
type ImageInfo struct {
	Key       string `json:"key"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Thumbnail string `json:"thumbnail"`
}

type generalResult struct {
	Type   string `json:"type"`
	Result struct {
		Processed bool        `json:"processed"`
		Message   string      `json:"message"`
		Images    []ImageInfo `json:"images"`
	} `json:"result"`
	Metadata resultMeta `json:"metadata"`
}

// General reports basic image facts and writes a thumbnail per input.
type General struct {
	latency
	media
}

func NewGeneral(blobs blob.Store, scale float64, opts ...Option) *General {
	return &General{latency: latency{base: time.Second, scale: scale}, media: newMedia(blobs, opts)}
}

// ThumbnailKey is where the thumbnail of the i-th input of a job is stored.
func ThumbnailKey(jobID string, i int) string {
	return fmt.Sprintf("derived/%s/thumb-%d.jpg", jobID, i)
}

// ArtifactKeys lists every blob a job may own: its inputs and derived thumbnails.
func ArtifactKeys(job models.Job) []string {
	keys := make([]string, 0, 2*len(job.Input.Files))
	for i, f := range job.Input.Files {
		keys = append(keys, f.Key)
		if models.NormalizeType(job.Type) == models.TypeGeneral {
			keys = append(keys, ThumbnailKey(job.ID, i))
		}
	}
	return keys
}

func (g *General) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	images, err := g.load(ctx, job.Input.Files)
	if err != nil {
		return nil, err
	}
	progress(20)
	if err := g.wait(ctx, jobRand(job.ID), progress, 20, 80); err != nil {
		return nil, err
	}

	var res generalResult
	res.Type = models.TypeGeneral
	res.Result.Processed = true
	res.Result.Message = "Image processed successfully"
	res.Result.Images = make([]ImageInfo, 0, len(images))
	for i, d := range images {
		thumb := imaging.Fit(d.img, thumbnailSize, thumbnailSize, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		key := ThumbnailKey(job.ID, i)
		// A rerun after restart may find the thumbnail already written.
		if err := g.blobs.Put(ctx, key, buf.Bytes(), "image/jpeg"); err != nil && !errors.Is(err, blob.ErrExists) {
			return nil, fmt.Errorf("store thumbnail: %w", err)
		}
		res.Result.Images = append(res.Result.Images, ImageInfo{
			Key:       d.key,
			Format:    d.format,
			Width:     d.img.Bounds().Dx(),
			Height:    d.img.Bounds().Dy(),
			Thumbnail: key,
		})
		progress(80 + 10*(i+1)/len(images))
	}
	res.Metadata = newMeta("mock-vision-v1")
	return res, nil
}

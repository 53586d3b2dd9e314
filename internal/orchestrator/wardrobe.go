package orchestrator

import (
	"context"
	"image/color"
	"math"
	"time"

	"github.com/disintegration/imaging"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

// WardrobeCategories is the closed set of garment categories the tagger emits.
var WardrobeCategories = []string{"tops", "bottoms", "shoes", "outerwear", "accessories"}

var wardrobeStyles = []string{"casual", "formal", "sporty", "elegant", "vintage"}

type paletteColor struct {
	name string
	c    color.NRGBA
}

var wardrobePalette = []paletteColor{
	{"black", color.NRGBA{R: 20, G: 20, B: 20, A: 255}},
	{"white", color.NRGBA{R: 240, G: 240, B: 240, A: 255}},
	{"blue", color.NRGBA{R: 40, G: 90, B: 200, A: 255}},
	{"red", color.NRGBA{R: 200, G: 40, B: 40, A: 255}},
	{"gray", color.NRGBA{R: 128, G: 128, B: 128, A: 255}},
	{"navy", color.NRGBA{R: 20, G: 30, B: 80, A: 255}},
	{"beige", color.NRGBA{R: 215, G: 195, B: 160, A: 255}},
}

// WardrobeItem is the auto-tagging result for a single garment photo.
type WardrobeItem struct {
	Category   string   `json:"category"`
	Color      string   `json:"color"`
	Style      string   `json:"style"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

type wardrobeResult struct {
	Type     string       `json:"type"`
	Item     WardrobeItem `json:"item"`
	Metadata resultMeta   `json:"metadata"`
}

// Wardrobe tags an uploaded garment with a category, dominant colour and style.
type Wardrobe struct {
	latency
	media
}

func NewWardrobe(blobs blob.Store, scale float64, opts ...Option) *Wardrobe {
	return &Wardrobe{latency: latency{base: 1500 * time.Millisecond, scale: scale}, media: newMedia(blobs, opts)}
}

func (w *Wardrobe) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	rng := jobRand(job.ID)
	images, err := w.load(ctx, job.Input.Files)
	if err != nil {
		return nil, err
	}
	progress(20)
	if err := w.wait(ctx, rng, progress, 20, 90); err != nil {
		return nil, err
	}

	colour := pick(rng, wardrobePalette).name
	if len(images) > 0 {
		colour = nearestColor(averageColor(images[0]))
	}
	style := pick(rng, wardrobeStyles)
	return wardrobeResult{
		Type: models.TypeWardrobe,
		Item: WardrobeItem{
			Category:   pick(rng, WardrobeCategories),
			Color:      colour,
			Style:      style,
			Tags:       []string{colour, style, "auto-tagged"},
			Confidence: round2(0.85 + rng.Float64()*0.15),
		},
		Metadata: newMeta("mock-classifier-v1"),
	}, nil
}

func averageColor(d decodedImage) color.NRGBA {
	px := imaging.Resize(d.img, 1, 1, imaging.Box)
	return px.NRGBAAt(0, 0)
}

func nearestColor(c color.NRGBA) string {
	best, bestDist := wardrobePalette[0].name, math.MaxFloat64
	for _, p := range wardrobePalette {
		dr := float64(c.R) - float64(p.c.R)
		dg := float64(c.G) - float64(p.c.G)
		db := float64(c.B) - float64(p.c.B)
		if d := dr*dr + dg*dg + db*db; d < bestDist {
			best, bestDist = p.name, d
		}
	}
	return best
}

package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

var bodyTypes = []string{"Athletic", "Slim", "Average", "Broad"}

// Plausible measurement ranges in centimetres.
var (
	heightRange    = [2]float64{140, 210}
	chestRange     = [2]float64{70, 140}
	waistRange     = [2]float64{55, 130}
	hipsRange      = [2]float64{70, 140}
	shouldersRange = [2]float64{35, 60}
	inseamRange    = [2]float64{60, 100}
)

// Measurements is the body-scan result. Lengths are in Unit.
type Measurements struct {
	Height     float64 `json:"height"`
	Chest      float64 `json:"chest"`
	Waist      float64 `json:"waist"`
	Hips       float64 `json:"hips"`
	Shoulders  float64 `json:"shoulders"`
	Inseam     float64 `json:"inseam"`
	BodyType   string  `json:"bodyType"`
	ShirtSize  string  `json:"shirtSize"`
	PantsSize  string  `json:"pantsSize"`
	Confidence float64 `json:"confidence"`
}

type bodyScanResult struct {
	Type         string       `json:"type"`
	Measurements Measurements `json:"measurements"`
	Metadata     resultMeta   `json:"metadata"`
}

type bodyScanMetadata struct {
	Unit     string   `json:"unit"`
	HeightCm *float64 `json:"heightCm"`
}

// BodyScan estimates body measurements and clothing sizes from front/side photos.
type BodyScan struct {
	latency
	media
}

func NewBodyScan(blobs blob.Store, scale float64, opts ...Option) *BodyScan {
	return &BodyScan{latency: latency{base: 3 * time.Second, scale: scale}, media: newMedia(blobs, opts)}
}

func (b *BodyScan) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	if len(job.Input.Files) == 0 {
		return nil, errors.New("body scan requires at least one image")
	}
	var meta bodyScanMetadata
	if err := decodeMetadata(job.Input.Metadata, &meta); err != nil {
		return nil, err
	}
	if _, err := b.load(ctx, job.Input.Files); err != nil {
		return nil, err
	}
	progress(20)

	rng := jobRand(job.ID)
	if err := b.wait(ctx, rng, progress, 20, 90); err != nil {
		return nil, err
	}

	height := 175 + float64(rng.Intn(15))
	if meta.HeightCm != nil {
		height = *meta.HeightCm
	}
	m := Measurements{
		Height:     clamp(height, heightRange),
		Chest:      clamp(90+float64(rng.Intn(15)), chestRange),
		Waist:      clamp(75+float64(rng.Intn(10)), waistRange),
		Hips:       clamp(88+float64(rng.Intn(12)), hipsRange),
		Shoulders:  clamp(43+float64(rng.Intn(5)), shouldersRange),
		Inseam:     clamp(78+float64(rng.Intn(8)), inseamRange),
		BodyType:   pick(rng, bodyTypes),
		Confidence: round2(0.90 + rng.Float64()*0.08),
	}
	m.ShirtSize = shirtSize(m.Chest)
	m.PantsSize = pantsSize(m.Waist)

	unit := "cm"
	if meta.Unit == "in" {
		unit = "in"
		m = m.inInches()
	}
	md := newMeta("mock-body-analyzer-v1")
	md.Unit = unit
	return bodyScanResult{Type: models.TypeBodyScan, Measurements: m, Metadata: md}, nil
}

func shirtSize(chest float64) string {
	switch {
	case chest > 110:
		return "XL"
	case chest > 100:
		return "L"
	case chest < 90:
		return "S"
	default:
		return "M"
	}
}

func pantsSize(waist float64) string {
	switch {
	case waist > 85:
		return "36"
	case waist > 80:
		return "34"
	case waist < 75:
		return "30"
	default:
		return "32"
	}
}

func clamp(v float64, r [2]float64) float64 {
	return math.Max(r[0], math.Min(r[1], v))
}

func (m Measurements) inInches() Measurements {
	conv := func(cm float64) float64 { return math.Round(cm/2.54*10) / 10 }
	m.Height = conv(m.Height)
	m.Chest = conv(m.Chest)
	m.Waist = conv(m.Waist)
	m.Hips = conv(m.Hips)
	m.Shoulders = conv(m.Shoulders)
	m.Inseam = conv(m.Inseam)
	return m
}

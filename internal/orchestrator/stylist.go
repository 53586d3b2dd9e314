package orchestrator

import (
	"context"
	"sort"
	"time"

	"style-pipeline/internal/models"
)

// LookItem is one garment within a recommended look.
type LookItem struct {
	Name     string `json:"name"`
	Price    string `json:"price"`
	Category string `json:"category"`
}

// Look is a ranked outfit recommendation.
type Look struct {
	Rank        int        `json:"rank"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Confidence  float64    `json:"confidence"`
	Items       []LookItem `json:"items"`
}

var lookCatalog = []Look{
	{
		Title:       "Urban Streetwear Look",
		Description: "Perfect for casual weekend outings",
		Tags:        []string{"streetwear", "casual", "denim"},
		Confidence:  0.95,
		Items: []LookItem{
			{Name: "Denim Jacket", Price: "$89", Category: "outerwear"},
			{Name: "White Tee", Price: "$24", Category: "tops"},
			{Name: "Black Jeans", Price: "$79", Category: "bottoms"},
		},
	},
	{
		Title:       "Elegant Luxury Ensemble",
		Description: "Sophisticated style for special occasions",
		Tags:        []string{"luxury", "elegant", "formal"},
		Confidence:  0.92,
		Items: []LookItem{
			{Name: "Blazer", Price: "$299", Category: "outerwear"},
			{Name: "Silk Blouse", Price: "$149", Category: "tops"},
			{Name: "Tailored Pants", Price: "$189", Category: "bottoms"},
		},
	},
	{
		Title:       "Minimalist Casual Style",
		Description: "Effortless everyday comfort",
		Tags:        []string{"casual", "minimal", "comfortable"},
		Confidence:  0.88,
		Items: []LookItem{
			{Name: "Cotton Tee", Price: "$34", Category: "tops"},
			{Name: "Chinos", Price: "$69", Category: "bottoms"},
			{Name: "Sneakers", Price: "$99", Category: "shoes"},
		},
	},
	{
		Title:       "Athleisure Essentials",
		Description: "From the gym to brunch without a change",
		Tags:        []string{"sporty", "casual", "comfortable"},
		Confidence:  0.84,
		Items: []LookItem{
			{Name: "Zip Hoodie", Price: "$65", Category: "outerwear"},
			{Name: "Joggers", Price: "$55", Category: "bottoms"},
			{Name: "Trainers", Price: "$120", Category: "shoes"},
		},
	},
}

type stylistMetadata struct {
	Preferences []string `json:"preferences"`
}

type stylistResult struct {
	Type     string     `json:"type"`
	Results  []Look     `json:"results"`
	Metadata resultMeta `json:"metadata"`
}

// Stylist recommends ranked looks, favouring those matching the caller's preferences.
type Stylist struct {
	latency
}

func NewStylist(scale float64) *Stylist {
	return &Stylist{latency: latency{base: 2 * time.Second, scale: scale}}
}

func (s *Stylist) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	var meta stylistMetadata
	if err := decodeMetadata(job.Input.Metadata, &meta); err != nil {
		return nil, err
	}
	rng := jobRand(job.ID)
	if err := s.wait(ctx, rng, progress, 10, 90); err != nil {
		return nil, err
	}

	prefs := make(map[string]bool, len(meta.Preferences))
	for _, p := range meta.Preferences {
		prefs[p] = true
	}
	looks := make([]Look, 0, len(lookCatalog))
	for _, l := range lookCatalog {
		l.Tags = append([]string(nil), l.Tags...)
		l.Items = append([]LookItem(nil), l.Items...)
		score := l.Confidence + (rng.Float64()-0.5)*0.02
		for _, tag := range l.Tags {
			if prefs[tag] {
				score += 0.05
			}
		}
		l.Confidence = round2(min(score, 0.99))
		looks = append(looks, l)
	}
	sort.SliceStable(looks, func(i, j int) bool { return looks[i].Confidence > looks[j].Confidence })
	for i := range looks {
		looks[i].Rank = i + 1
	}

	md := newMeta("mock-ai-v1")
	md.Preferences = append([]string{}, meta.Preferences...)
	return stylistResult{Type: models.TypeStylist, Results: looks, Metadata: md}, nil
}

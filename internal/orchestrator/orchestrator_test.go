package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := imaging.New(w, h, c)
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func seededJob(t *testing.T, blobs blob.Store, jobType string, metadata string, images ...[]byte) models.Job {
	t.Helper()
	job := models.Job{
		ID:     "job-" + jobType,
		Type:   jobType,
		Status: models.StatusProcessing,
	}
	for i, data := range images {
		key := "uploads/" + jobType + "-" + string(rune('a'+i)) + ".png"
		require.NoError(t, blobs.Put(context.Background(), key, data, "image/png"))
		job.Input.Files = append(job.Input.Files, models.MediaFile{Key: key, OriginalName: "photo.png", ContentType: "image/png", Size: int64(len(data))})
	}
	if metadata != "" {
		job.Input.Metadata = json.RawMessage(metadata)
	}
	return job
}

func newBlobs(t *testing.T) blob.Store {
	t.Helper()
	st, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestExecuteUnknownType(t *testing.T) {
	reg := NewDefault(newBlobs(t), 0)
	_, err := reg.Execute(context.Background(), models.Job{ID: "x", Type: "hologram"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownJobType))
	assert.Contains(t, err.Error(), "hologram")
	assert.False(t, reg.Known("hologram"))
	assert.Equal(t, time.Second, reg.Estimate("hologram"))
}

func TestEstimateScalesLatency(t *testing.T) {
	reg := NewDefault(newBlobs(t), 1)
	assert.Equal(t, 3*time.Second, reg.Estimate("body-scan"))
	assert.Equal(t, 1500*time.Millisecond, reg.Estimate(models.TypeWardrobe))

	fast := NewDefault(newBlobs(t), 0.5)
	assert.Equal(t, time.Second, fast.Estimate(models.TypeStylist))
}

func TestWardrobeUsesDominantColour(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0)
	job := seededJob(t, blobs, models.TypeWardrobe, "", pngBytes(t, 32, 32, color.NRGBA{R: 210, G: 30, B: 35, A: 255}))

	var seen []int
	raw, err := reg.Execute(context.Background(), job, func(p int) { seen = append(seen, p) })
	require.NoError(t, err)

	var out struct {
		Type string       `json:"type"`
		Item WardrobeItem `json:"item"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "wardrobe", out.Type)
	assert.Contains(t, WardrobeCategories, out.Item.Category)
	assert.Equal(t, "red", out.Item.Color)
	assert.GreaterOrEqual(t, out.Item.Confidence, 0.85)
	assert.LessOrEqual(t, out.Item.Confidence, 1.0)
	assert.Contains(t, out.Item.Tags, "auto-tagged")
	assert.IsNonDecreasing(t, seen)
}

func TestWardrobeIsReproduciblePerJob(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0)
	job := seededJob(t, blobs, models.TypeWardrobe, "", pngBytes(t, 8, 8, color.White))

	first, err := reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)
	second, err := reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)

	var a, b struct{ Item WardrobeItem }
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a.Item, b.Item)
}

func TestWardrobeRejectsCorruptImage(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0)
	job := seededJob(t, blobs, models.TypeWardrobe, "", []byte("\x89PNG\r\n\x1a\nnot really"))
	_, err := reg.Execute(context.Background(), job, nil)
	assert.Error(t, err)
}

func TestBodyScanMeasurements(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0)
	job := seededJob(t, blobs, models.TypeBodyScan, `{"unit":"cm","heightCm":250}`,
		pngBytes(t, 10, 20, color.Black), pngBytes(t, 10, 20, color.Black))

	raw, err := reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)
	var out struct {
		Type         string       `json:"type"`
		Measurements Measurements `json:"measurements"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	m := out.Measurements
	assert.Equal(t, 210.0, m.Height)
	assert.True(t, m.Chest >= 70 && m.Chest <= 140)
	assert.True(t, m.Waist >= 55 && m.Waist <= 130)
	assert.Contains(t, bodyTypes, m.BodyType)
	assert.Equal(t, shirtSize(m.Chest), m.ShirtSize)
	assert.Equal(t, pantsSize(m.Waist), m.PantsSize)
	assert.True(t, m.Confidence >= 0.90 && m.Confidence <= 0.98)
}

func TestBodyScanRequiresImage(t *testing.T) {
	reg := NewDefault(newBlobs(t), 0)
	_, err := reg.Execute(context.Background(), models.Job{ID: "b", Type: "body-scan"}, nil)
	assert.Error(t, err)
}

func TestSizeRules(t *testing.T) {
	assert.Equal(t, "S", shirtSize(85))
	assert.Equal(t, "M", shirtSize(95))
	assert.Equal(t, "L", shirtSize(105))
	assert.Equal(t, "XL", shirtSize(115))
	assert.Equal(t, "30", pantsSize(70))
	assert.Equal(t, "32", pantsSize(78))
	assert.Equal(t, "34", pantsSize(83))
	assert.Equal(t, "36", pantsSize(90))
}

func TestStylistBoostsPreferences(t *testing.T) {
	reg := NewDefault(newBlobs(t), 0)
	job := models.Job{ID: "s1", Type: models.TypeStylist, Input: models.Input{Metadata: json.RawMessage(`{"preferences":["formal","luxury"]}`)}}
	raw, err := reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)

	var out struct {
		Results  []Look `json:"results"`
		Metadata struct {
			Preferences []string `json:"preferences"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Results, len(lookCatalog))
	for i, l := range out.Results {
		assert.Equal(t, i+1, l.Rank)
		if i > 0 {
			assert.LessOrEqual(t, l.Confidence, out.Results[i-1].Confidence)
		}
	}
	assert.Equal(t, "Elegant Luxury Ensemble", out.Results[0].Title)
	assert.Equal(t, []string{"formal", "luxury"}, out.Metadata.Preferences)
}

func TestGeneralWritesThumbnail(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0)
	job := seededJob(t, blobs, models.TypeGeneral, "", pngBytes(t, 1024, 512, color.Gray{Y: 100}))

	raw, err := reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)
	var out generalResult
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Result.Images, 1)
	info := out.Result.Images[0]
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, 1024, info.Width)
	assert.Equal(t, 512, info.Height)

	data, err := blobs.Get(context.Background(), info.Thumbnail)
	require.NoError(t, err)
	thumb, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())

	// Re-running finds the thumbnail in place and still succeeds.
	_, err = reg.Execute(context.Background(), job, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{job.Input.Files[0].Key, ThumbnailKey(job.ID, 0)}, ArtifactKeys(job))
}

func TestHandlersHonourCancellation(t *testing.T) {
	reg := NewDefault(newBlobs(t), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Execute(ctx, models.Job{ID: "c", Type: models.TypeStylist}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

// headerOnlyPNG is a grayscale PNG that declares w x h pixels but carries no
// image data, so only a header read can succeed on it.
func headerOnlyPNG(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth; colour type 0 (gray)
	buf := &bytes.Buffer{}
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(buf, binary.BigEndian, uint32(len(ihdr)))
	crc := crc32.NewIEEE()
	crc.Write([]byte("IHDR"))
	crc.Write(ihdr)
	buf.WriteString("IHDR")
	buf.Write(ihdr)
	_ = binary.Write(buf, binary.BigEndian, crc.Sum32())
	return buf.Bytes()
}

func TestOversizedImageRejectedBeforeDecode(t *testing.T) {
	for _, jobType := range []string{models.TypeWardrobe, models.TypeBodyScan, models.TypeGeneral} {
		t.Run(jobType, func(t *testing.T) {
			blobs := newBlobs(t)
			reg := NewDefault(blobs, 0)
			job := seededJob(t, blobs, jobType, "", headerOnlyPNG(8000, 8000))
			_, err := reg.Execute(context.Background(), job, nil)
			assert.ErrorIs(t, err, ErrImageTooLarge)
		})
	}
}

func TestMaxPixelsOption(t *testing.T) {
	blobs := newBlobs(t)
	reg := NewDefault(blobs, 0, WithMaxPixels(100))

	small := seededJob(t, blobs, models.TypeWardrobe, "", pngBytes(t, 10, 10, color.White))
	_, err := reg.Execute(context.Background(), small, nil)
	require.NoError(t, err)

	big := seededJob(t, blobs, models.TypeGeneral, "", pngBytes(t, 11, 10, color.White))
	_, err = reg.Execute(context.Background(), big, nil)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

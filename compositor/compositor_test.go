package compositor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelpipe.3jms.dev/storage"
)

// putImage encodes a solid-color test image into the store.
func putImage(t *testing.T, store *storage.MemoryStore, key string, w, h int, c color.Color, format string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	var err error
	contentType := "image/png"
	switch format {
	case "jpg", "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
		contentType = "image/jpeg"
	case "png":
		err = png.Encode(&buf, img)
	}
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, contentType, buf.Bytes()))
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"height too small", func(s *Settings) { s.BottleHeightPercent = 0.05 }},
		{"height too large", func(s *Settings) { s.BottleHeightPercent = 1.5 }},
		{"quality too low", func(s *Settings) { s.Quality = 50 }},
		{"quality too high", func(s *Settings) { s.Quality = 101 }},
		{"bad format", func(s *Settings) { s.Format = "gif" }},
		{"bad gravity", func(s *Settings) { s.Gravity = "nw" }},
		{"negative sharpen", func(s *Settings) { s.Sharpen = -1 }},
		{"gamma too low", func(s *Settings) { s.Gamma = 0.2 }},
		{"gamma too high", func(s *Settings) { s.Gamma = 3.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestComposeProducesCanvasSizedOutput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	putImage(t, store, "bg.jpg", 400, 500, color.NRGBA{R: 240, G: 240, B: 240, A: 255}, "jpeg")
	putImage(t, store, "cutout.png", 100, 300, color.NRGBA{R: 180, G: 20, B: 20, A: 255}, "png")

	c := New(store)
	out, err := c.Compose(ctx, ComposeRequest{
		CutoutKey:     "cutout.png",
		BackgroundKey: "bg.jpg",
		OutputKey:     "out.jpg",
		Settings:      DefaultSettings(),
	})
	require.NoError(t, err)
	assert.Equal(t, "out.jpg", out.CompositeKey)
	assert.Equal(t, 400, out.Width)
	assert.Equal(t, 500, out.Height)

	data, err := store.Get(ctx, "out.jpg")
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 400, cfg.Width)
	assert.Equal(t, 500, cfg.Height)
}

func TestComposeRejectsInvalidSettings(t *testing.T) {
	store := storage.NewMemoryStore()
	c := New(store)

	s := DefaultSettings()
	s.Quality = 10
	_, err := c.Compose(context.Background(), ComposeRequest{
		CutoutKey:     "cutout.png",
		BackgroundKey: "bg.jpg",
		OutputKey:     "out.jpg",
		Settings:      s,
	})
	assert.Error(t, err)
}

func TestComposeWebPNeedsExternalEncoder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	putImage(t, store, "bg.jpg", 100, 100, color.White, "jpeg")
	putImage(t, store, "cutout.png", 40, 60, color.Black, "png")

	s := DefaultSettings()
	s.Format = FormatWebP
	_, err := New(store).Compose(ctx, ComposeRequest{
		CutoutKey:     "cutout.png",
		BackgroundKey: "bg.jpg",
		OutputKey:     "out.webp",
		Settings:      s,
	})
	assert.Error(t, err)
}

func TestDeriveMaintainsAspectRatio(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	putImage(t, store, "src.jpg", 800, 400, color.White, "jpeg")

	out, err := New(store).Derive(ctx, "src.jpg", "thumb.jpg", DerivativeSpec{
		Name:   "thumb",
		Height: 100,
		Format: FormatJPEG,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width)
	assert.Equal(t, 100, out.Height)

	data, err := store.Get(ctx, "thumb.jpg")
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
}

func TestDeriveForcedDimensions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	putImage(t, store, "src.jpg", 800, 400, color.White, "jpeg")

	out, err := New(store).Derive(ctx, "src.jpg", "sq.png", DerivativeSpec{
		Name:   "square",
		Width:  100,
		Height: 100,
		Format: FormatPNG,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, out.Width)
	assert.Equal(t, 100, out.Height)
}

func TestDeriveRequiresOneDimension(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := New(store).Derive(context.Background(), "src.jpg", "out.jpg", DerivativeSpec{Format: FormatJPEG})
	assert.Error(t, err)
}

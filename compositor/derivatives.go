package compositor

import (
	"bytes"
	"context"
	"image"

	"github.com/nfnt/resize"

	"pixelpipe.3jms.dev/jobs"
)

// DerivativeSpec describes one resized/reformatted output. A zero Width or
// Height maintains the source aspect ratio along that axis.
type DerivativeSpec struct {
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

// DeriveOutput reports the written derivative.
type DeriveOutput struct {
	Key    string `json:"key"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Derive reads the source key, resizes per the spec, and writes the encoded
// result to the destination key.
func (c *Compositor) Derive(ctx context.Context, srcKey, destKey string, spec DerivativeSpec) (*DeriveOutput, error) {
	if spec.Width == 0 && spec.Height == 0 {
		return nil, jobs.NewError(jobs.ErrCodeCompositeFailed, "either width or height must be greater than 0", nil)
	}

	src, err := c.decodeKey(ctx, srcKey)
	if err != nil {
		return nil, err
	}

	var resized image.Image
	switch {
	case spec.Width == 0:
		ratio := float64(spec.Height) / float64(src.Bounds().Dy())
		newWidth := uint(float64(src.Bounds().Dx()) * ratio)
		resized = resize.Resize(newWidth, uint(spec.Height), src, resize.Lanczos3)
	case spec.Height == 0:
		ratio := float64(spec.Width) / float64(src.Bounds().Dx())
		newHeight := uint(float64(src.Bounds().Dy()) * ratio)
		resized = resize.Resize(uint(spec.Width), newHeight, src, resize.Lanczos3)
	default:
		resized = resize.Resize(uint(spec.Width), uint(spec.Height), src, resize.Lanczos3)
	}

	quality := spec.Quality
	if quality == 0 {
		quality = 90
	}
	data, contentType, err := encode(toRGBA(resized), spec.Format, quality)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, destKey, contentType, data); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "derivative upload", err)
	}

	return &DeriveOutput{
		Key:    destKey,
		Width:  resized.Bounds().Dx(),
		Height: resized.Bounds().Dy(),
		Format: spec.Format,
	}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(img.Bounds())
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

// DecodeConfigBytes probes image dimensions without a full decode.
func DecodeConfigBytes(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", err
	}
	return cfg.Width, cfg.Height, format, nil
}

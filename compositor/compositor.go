package compositor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/nfnt/resize"

	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/storage"
)

// Compositor composes and derives images through the object store. All
// operations are deterministic: the same inputs and settings produce the same
// output bytes modulo encoder stability, and outputs always land on the
// caller-supplied key.
type Compositor struct {
	store storage.ObjectStore
}

// New creates a Compositor over the given object store.
func New(store storage.ObjectStore) *Compositor {
	return &Compositor{store: store}
}

// ComposeRequest names the input artifacts and destination of one composite.
type ComposeRequest struct {
	CutoutKey     string
	BackgroundKey string
	OutputKey     string
	Settings      Settings
}

// ComposeOutput reports the written composite.
type ComposeOutput struct {
	CompositeKey string
	Width        int
	Height       int
}

// Compose places the cutout onto the background per the settings, draws a
// soft contact shadow beneath the product, applies gamma and sharpening, and
// writes the encoded result to the output key.
func (c *Compositor) Compose(ctx context.Context, req ComposeRequest) (*ComposeOutput, error) {
	if err := req.Settings.Validate(); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeCompositeFailed, "invalid settings", err)
	}

	bg, err := c.decodeKey(ctx, req.BackgroundKey)
	if err != nil {
		return nil, err
	}
	cutout, err := c.decodeKey(ctx, req.CutoutKey)
	if err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(bg.Bounds())
	draw.Draw(canvas, canvas.Bounds(), bg, bg.Bounds().Min, draw.Src)

	// Scale the cutout to the configured share of the canvas height,
	// preserving its aspect ratio.
	targetH := uint(math.Round(float64(canvas.Bounds().Dy()) * req.Settings.BottleHeightPercent))
	scaled := resize.Resize(0, targetH, cutout, resize.Lanczos3)

	pt := anchor(canvas.Bounds(), scaled.Bounds(), req.Settings.Gravity)

	drawShadow(canvas, scaled.Bounds(), pt)
	draw.Draw(canvas, scaled.Bounds().Add(pt), scaled, scaled.Bounds().Min, draw.Over)

	if req.Settings.Gamma != 1.0 {
		applyGamma(canvas, req.Settings.Gamma)
	}
	if req.Settings.Sharpen > 0 {
		sharpen(canvas, req.Settings.Sharpen)
	}

	data, contentType, err := encode(canvas, req.Settings.Format, req.Settings.Quality)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, req.OutputKey, contentType, data); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "composite upload", err)
	}

	return &ComposeOutput{
		CompositeKey: req.OutputKey,
		Width:        canvas.Bounds().Dx(),
		Height:       canvas.Bounds().Dy(),
	}, nil
}

func (c *Compositor) decodeKey(ctx context.Context, key string) (image.Image, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "read "+key, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeCompositeFailed, "decode "+key, err)
	}
	return img, nil
}

// anchor positions src within dst according to gravity. South keeps a small
// bottom margin so the contact shadow stays on canvas.
func anchor(dst, src image.Rectangle, gravity string) image.Point {
	cx := (dst.Dx() - src.Dx()) / 2
	cy := (dst.Dy() - src.Dy()) / 2
	margin := dst.Dy() / 20
	switch gravity {
	case GravityNorth:
		return image.Point{X: cx, Y: margin}
	case GravitySouth:
		return image.Point{X: cx, Y: dst.Dy() - src.Dy() - margin}
	case GravityEast:
		return image.Point{X: dst.Dx() - src.Dx() - margin, Y: cy}
	case GravityWest:
		return image.Point{X: margin, Y: cy}
	default:
		return image.Point{X: cx, Y: cy}
	}
}

// drawShadow paints a soft ellipse under the product footprint.
func drawShadow(canvas *image.RGBA, product image.Rectangle, at image.Point) {
	w := float64(product.Dx()) * 0.9
	h := math.Max(float64(product.Dy())*0.06, 4)
	cx := float64(at.X) + float64(product.Dx())/2
	cy := float64(at.Y+product.Dy()) - h/4

	minX := int(cx - w/2)
	maxX := int(cx + w/2)
	minY := int(cy - h)
	maxY := int(cy + h)

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if !(image.Point{X: x, Y: y}).In(canvas.Bounds()) {
				continue
			}
			dx := (float64(x) - cx) / (w / 2)
			dy := (float64(y) - cy) / h
			d := dx*dx + dy*dy
			if d >= 1 {
				continue
			}
			// Quadratic falloff toward the rim.
			alpha := uint8(90 * (1 - d) * (1 - d))
			if alpha == 0 {
				continue
			}
			shade := color.NRGBA{A: alpha}
			blend := color.NRGBAModel.Convert(canvas.RGBAAt(x, y)).(color.NRGBA)
			canvas.Set(x, y, over(blend, shade))
		}
	}
}

func over(dst color.NRGBA, src color.NRGBA) color.NRGBA {
	a := float64(src.A) / 255
	return color.NRGBA{
		R: uint8(float64(dst.R) * (1 - a)),
		G: uint8(float64(dst.G) * (1 - a)),
		B: uint8(float64(dst.B) * (1 - a)),
		A: 255,
	}
}

// applyGamma adjusts tone through a per-channel lookup table.
func applyGamma(img *image.RGBA, gamma float64) {
	inv := 1.0 / gamma
	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(math.Round(255 * math.Pow(float64(i)/255, inv)))
	}
	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i] = lut[pix[i]]
		pix[i+1] = lut[pix[i+1]]
		pix[i+2] = lut[pix[i+2]]
	}
}

// sharpen applies a single-pass unsharp mask with the given amount.
func sharpen(img *image.RGBA, amount float64) {
	src := image.NewRGBA(img.Bounds())
	copy(src.Pix, img.Pix)
	b := img.Bounds()
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			for ch := 0; ch < 3; ch++ {
				i := src.PixOffset(x, y) + ch
				center := float64(src.Pix[i])
				neighbors := float64(src.Pix[src.PixOffset(x-1, y)+ch]) +
					float64(src.Pix[src.PixOffset(x+1, y)+ch]) +
					float64(src.Pix[src.PixOffset(x, y-1)+ch]) +
					float64(src.Pix[src.PixOffset(x, y+1)+ch])
				v := center + amount*(center-neighbors/4)
				img.Pix[img.PixOffset(x, y)+ch] = clamp(v)
			}
		}
	}
}

func clamp(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// encode serializes the canvas in the requested format.
func encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", jobs.NewError(jobs.ErrCodeCompositeFailed, "jpeg encode", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", jobs.NewError(jobs.ErrCodeCompositeFailed, "png encode", err)
		}
		return buf.Bytes(), "image/png", nil
	default:
		// webp output needs the external image service
		return nil, "", jobs.NewError(jobs.ErrCodeCompositeFailed, "no local encoder for "+format, nil)
	}
}

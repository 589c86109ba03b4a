// Package compositor implements the deterministic image compositor: it places
// a product cutout onto a background with controlled sizing, gravity, shadow
// and tone adjustments, and produces resized derivative outputs.
package compositor

import "fmt"

// Output formats accepted by Settings. The local encoder handles jpeg and
// png; webp passes validation (the contract allows it) but encoding it
// requires an external image service and yields an explicit error here.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// Gravity anchors for product placement.
const (
	GravityNorth  = "n"
	GravitySouth  = "s"
	GravityEast   = "e"
	GravityWest   = "w"
	GravityCenter = "center"
)

// Settings are the deterministic-compositor parameters. They are persisted in
// the settings store under sharp_settings and validated on write.
type Settings struct {
	// BottleHeightPercent sizes the product relative to the background
	// height, in (0.1, 1.0].
	BottleHeightPercent float64 `json:"bottleHeightPercent"`

	// Quality is the lossy-encoder quality, 60-100.
	Quality int `json:"quality"`

	// Format is the output encoding: jpeg, png or webp.
	Format string `json:"format"`

	// Gravity anchors the product on the canvas: n, s, e, w or center.
	Gravity string `json:"gravity"`

	// Sharpen is the unsharp amount, 0 disables.
	Sharpen float64 `json:"sharpen"`

	// Gamma is the tonal adjustment, 0.5-3.0, 1.0 is neutral.
	Gamma float64 `json:"gamma"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		BottleHeightPercent: 0.8,
		Quality:             90,
		Format:              FormatJPEG,
		Gravity:             GravitySouth,
		Sharpen:             0,
		Gamma:               1.0,
	}
}

// Validate checks all parameter ranges.
func (s Settings) Validate() error {
	if s.BottleHeightPercent < 0.1 || s.BottleHeightPercent > 1.0 {
		return fmt.Errorf("bottleHeightPercent %v out of range [0.1, 1.0]", s.BottleHeightPercent)
	}
	if s.Quality < 60 || s.Quality > 100 {
		return fmt.Errorf("quality %d out of range [60, 100]", s.Quality)
	}
	switch s.Format {
	case FormatJPEG, FormatPNG, FormatWebP:
	default:
		return fmt.Errorf("unsupported format %q", s.Format)
	}
	switch s.Gravity {
	case GravityNorth, GravitySouth, GravityEast, GravityWest, GravityCenter:
	default:
		return fmt.Errorf("unsupported gravity %q", s.Gravity)
	}
	if s.Sharpen < 0 {
		return fmt.Errorf("sharpen must not be negative")
	}
	if s.Gamma < 0.5 || s.Gamma > 3.0 {
		return fmt.Errorf("gamma %v out of range [0.5, 3.0]", s.Gamma)
	}
	return nil
}

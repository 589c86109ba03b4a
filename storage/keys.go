// Package storage provides object-store access for pipeline artifacts: the
// deterministic key schema, an S3-compatible client with presigned URLs, and
// an in-memory implementation for tests.
package storage

import "fmt"

// The key grammar below is stable. Re-generation of the same logical artifact
// must produce the same key: determinism is the idempotency mechanism at the
// storage layer.

// OriginalKey returns the key of the fetched source image.
func OriginalKey(sku, hash string) string {
	return fmt.Sprintf("originals/%s/%s.jpg", sku, hash)
}

// MaskKey returns the key of the binary segmentation mask.
func MaskKey(sku, hash string) string {
	return fmt.Sprintf("masks/%s/%s.png", sku, hash)
}

// CutoutKey returns the key of the product cutout on a transparent canvas.
func CutoutKey(sku, hash string) string {
	return fmt.Sprintf("cutouts/%s/%s.png", sku, hash)
}

// BackgroundKey returns the key of a generated background variant (1-based).
func BackgroundKey(sku, hash, theme string, variant int) string {
	return fmt.Sprintf("backgrounds/%s/%s/%s/v%d.jpg", sku, hash, theme, variant)
}

// CompositeKey returns the key of a composite for a given aspect, variant and type.
func CompositeKey(sku, hash, theme, aspect string, variant int, typ string) string {
	return fmt.Sprintf("composites/%s/%s/%s/%s/v%d/%s.jpg", sku, hash, theme, aspect, variant, typ)
}

// ThumbnailKey returns the key of the job thumbnail.
func ThumbnailKey(sku, hash string) string {
	return fmt.Sprintf("thumbnails/%s/%s.jpg", sku, hash)
}

// TemplateAssetKey returns the key of a generated template background variant.
func TemplateAssetKey(templateID string, variant int) string {
	return fmt.Sprintf("templates/%s/v%d.jpg", templateID, variant)
}

// TemplateUploadKey returns the key of a manually uploaded template background.
func TemplateUploadKey(templateID string) string {
	return fmt.Sprintf("templates/%s/background.jpg", templateID)
}

// ManifestKey returns the key of the machine-readable artifact manifest.
func ManifestKey(sku, hash, theme string) string {
	return fmt.Sprintf("manifests/%s/%s/%s.json", sku, hash, theme)
}

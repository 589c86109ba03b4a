// Package providers defines the external-service contracts the pipeline is
// parameterized by: background removal, background generation, AI and
// deterministic composition, and the storefront. Concrete adapters live
// behind these interfaces; the in-memory fakes in fake.go serve tests and
// local development.
package providers

import (
	"context"
)

// SegmentResult is the outcome of a background-removal call.
type SegmentResult struct {
	CutoutKey string
	MaskKey   string
	CostUSD   float64
	Metadata  map[string]string
}

// Segmenter removes the background of a source image. The adapter may
// long-poll internally; from the caller's perspective this is a single
// blocking operation that honors ctx cancellation.
type Segmenter interface {
	RemoveBackground(ctx context.Context, sourceURL, sku, hash string) (*SegmentResult, error)
}

// BackgroundResult is the outcome of one background generation.
type BackgroundResult struct {
	BackgroundKey string
	CostUSD       float64
	// ProviderJobID correlates asynchronous submissions for debuggability.
	ProviderJobID string
	Metadata      map[string]string
}

// BackgroundRequest describes one background variant to generate.
type BackgroundRequest struct {
	Prompt  string
	Width   int
	Height  int
	SKU     string
	Hash    string
	Theme   string
	Variant int // 1-based
}

// BackgroundGenerator produces themed background variants. It may be invoked
// multiple times per job.
type BackgroundGenerator interface {
	Generate(ctx context.Context, req BackgroundRequest) (*BackgroundResult, error)
}

// ComposeResult is the outcome of an AI composition.
type ComposeResult struct {
	CompositeKey string
	CostUSD      float64
}

// ComposeOptions carries the destination key and free-form adapter options.
type ComposeOptions struct {
	OutputKey string
	Prompt    string
}

// AICompositor places a cutout onto a background using a generative model.
// The "none" variant is represented by a nil AICompositor: the pipeline then
// uses the deterministic compositor only.
type AICompositor interface {
	// Name identifies the variant (freepik, nanobanana).
	Name() string
	Compose(ctx context.Context, cutoutKey, bgKey string, opts ComposeOptions) (*ComposeResult, error)
}

// ProductRef identifies a storefront product for a SKU.
type ProductRef struct {
	ProductID string
	Handle    string
}

// MediaAttachment is one uploaded storefront media record.
type MediaAttachment struct {
	MediaID string
	URL     string
}

// Storefront is the downstream shop integration. Delivery is at-least-once;
// callers dedupe on the returned media ids.
type Storefront interface {
	// FindProduct resolves a SKU. A nil ProductRef with nil error means
	// the SKU does not exist in the storefront.
	FindProduct(ctx context.Context, sku string) (*ProductRef, error)

	// AttachMedia attaches the given image URLs to a product and returns
	// the created media ids in order.
	AttachMedia(ctx context.Context, productID string, urls []string, altText string) ([]string, error)
}

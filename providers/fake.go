package providers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"

	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/storage"
)

// The fakes write real (tiny) images into the object store so downstream
// steps can decode them, which keeps end-to-end tests honest.

func fakePNG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func fakeJPEG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

// FakeSegmenter is an in-memory Segmenter for tests and local development.
type FakeSegmenter struct {
	Store storage.ObjectStore

	mu    sync.Mutex
	calls int

	// FailTimes makes the first N calls fail with a retryable SegmentFailed.
	FailTimes int
	// Err, when set, is returned from every call.
	Err error
	// CostUSD is reported per successful call (default 0.02).
	CostUSD float64
}

// Calls returns how many times RemoveBackground ran.
func (f *FakeSegmenter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// RemoveBackground writes a synthetic cutout and mask at the schema keys.
func (f *FakeSegmenter) RemoveBackground(ctx context.Context, sourceURL, sku, hash string) (*SegmentResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if n <= f.FailTimes {
		return nil, jobs.NewError(jobs.ErrCodeSegmentFailed, fmt.Sprintf("simulated failure %d", n), nil)
	}

	cutoutKey := storage.CutoutKey(sku, hash)
	maskKey := storage.MaskKey(sku, hash)
	if err := f.Store.Put(ctx, cutoutKey, "image/png", fakePNG(64, 96, color.NRGBA{R: 200, G: 40, B: 40, A: 255})); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "cutout upload", err)
	}
	if err := f.Store.Put(ctx, maskKey, "image/png", fakePNG(64, 96, color.Gray{Y: 255})); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "mask upload", err)
	}

	cost := f.CostUSD
	if cost == 0 {
		cost = 0.02
	}
	return &SegmentResult{
		CutoutKey: cutoutKey,
		MaskKey:   maskKey,
		CostUSD:   cost,
		Metadata:  map[string]string{"provider": "fake"},
	}, nil
}

// FakeBackgroundGenerator is an in-memory BackgroundGenerator.
type FakeBackgroundGenerator struct {
	Store storage.ObjectStore

	mu    sync.Mutex
	calls int

	FailTimes int
	Err       error
	CostUSD   float64
}

// Calls returns how many times Generate ran.
func (f *FakeBackgroundGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Generate writes a synthetic background at the schema key.
func (f *FakeBackgroundGenerator) Generate(ctx context.Context, req BackgroundRequest) (*BackgroundResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if n <= f.FailTimes {
		return nil, jobs.NewError(jobs.ErrCodeBackgroundFailed, fmt.Sprintf("simulated failure %d", n), nil)
	}

	w, h := req.Width, req.Height
	if w == 0 {
		w = 512
	}
	if h == 0 {
		h = 512
	}
	key := storage.BackgroundKey(req.SKU, req.Hash, req.Theme, req.Variant)
	if err := f.Store.Put(ctx, key, "image/jpeg", fakeJPEG(w, h, color.NRGBA{R: 230, G: 230, B: 240, A: 255})); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "background upload", err)
	}

	cost := f.CostUSD
	if cost == 0 {
		cost = 0.01
	}
	return &BackgroundResult{
		BackgroundKey: key,
		CostUSD:       cost,
		ProviderJobID: fmt.Sprintf("fake-bg-%d", n),
		Metadata:      map[string]string{"prompt": req.Prompt},
	}, nil
}

// FakeAICompositor is an in-memory AICompositor.
type FakeAICompositor struct {
	Store storage.ObjectStore

	mu    sync.Mutex
	calls int

	FailTimes int
	Err       error
	CostUSD   float64
}

// Name identifies the fake variant.
func (f *FakeAICompositor) Name() string { return "fake" }

// Compose copies the background bytes to the output key.
func (f *FakeAICompositor) Compose(ctx context.Context, cutoutKey, bgKey string, opts ComposeOptions) (*ComposeResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if n <= f.FailTimes {
		return nil, jobs.NewError(jobs.ErrCodeCompositeFailed, fmt.Sprintf("simulated failure %d", n), nil)
	}

	data, err := f.Store.Get(ctx, bgKey)
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "background read", err)
	}
	if err := f.Store.Put(ctx, opts.OutputKey, "image/jpeg", data); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "composite upload", err)
	}

	cost := f.CostUSD
	if cost == 0 {
		cost = 0.03
	}
	return &ComposeResult{CompositeKey: opts.OutputKey, CostUSD: cost}, nil
}

// FakeStorefront is an in-memory Storefront.
type FakeStorefront struct {
	mu sync.Mutex

	// Products maps SKU to the product it resolves to.
	Products map[string]ProductRef

	// AttachErr, when set, fails AttachMedia.
	AttachErr error

	attached map[string][][]string
	mediaSeq int
}

// NewFakeStorefront creates an empty fake storefront.
func NewFakeStorefront() *FakeStorefront {
	return &FakeStorefront{
		Products: make(map[string]ProductRef),
		attached: make(map[string][][]string),
	}
}

// FindProduct resolves a SKU from the Products map.
func (f *FakeStorefront) FindProduct(ctx context.Context, sku string) (*ProductRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.Products[sku]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

// AttachMedia records the upload and returns generated media ids.
func (f *FakeStorefront) AttachMedia(ctx context.Context, productID string, urls []string, altText string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	f.attached[productID] = append(f.attached[productID], urls)
	ids := make([]string, 0, len(urls))
	for range urls {
		f.mediaSeq++
		ids = append(ids, fmt.Sprintf("gid://shopify/MediaImage/%d", f.mediaSeq))
	}
	return ids, nil
}

// Attached returns the batches recorded for a product.
func (f *FakeStorefront) Attached(productID string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[productID]
}

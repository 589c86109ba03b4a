package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/compositor"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/providers"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
)

// maxFetchBytes caps the source download.
const maxFetchBytes = 50 << 20

// compositeType is the {type} component of composite keys written by the
// compose step; derivative types use the derivative spec name.
const compositeType = "main"

// derivativeSpecs are the resized outputs produced per composite.
var derivativeSpecs = []compositor.DerivativeSpec{
	{Name: "web", Width: 1600, Format: compositor.FormatJPEG, Quality: 85},
	{Name: "square", Width: 1080, Height: 1080, Format: compositor.FormatJPEG, Quality: 85},
}

// thumbnailSpec is the single per-job thumbnail.
var thumbnailSpec = compositor.DerivativeSpec{Name: "thumb", Width: 512, Format: compositor.FormatJPEG, Quality: 80}

// fetchAndSegment downloads the source image, verifies its digest, uploads
// the original and calls the segmentation provider.
func (e *Executor) fetchAndSegment(ctx context.Context, job *jobs.Job, owner string, target jobs.Status) (*jobs.Job, error) {
	start := time.Now()

	data, err := e.fetchSource(ctx, job.SourceURL)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != job.ImageHash {
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage,
			fmt.Sprintf("sha256 mismatch: expected %s, got %s", job.ImageHash, got), nil)
	}

	w, h, format, err := compositor.DecodeConfigBytes(data)
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage, "undecodable source image", err)
	}
	if w < e.cfg.MinImageDim || h < e.cfg.MinImageDim {
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage,
			fmt.Sprintf("source image %dx%d below minimum %d", w, h, e.cfg.MinImageDim), nil)
	}

	logger := common.Logger.WithField("jobId", job.ID)
	if meta := probeEXIF(data); len(meta) > 0 {
		logger.Debugf("source exif: %v", meta)
	}
	logger.Debugf("source image %dx%d %s", w, h, format)

	originalKey := storage.OriginalKey(job.SKU, job.ImageHash)
	if err := e.deps.Objects.Put(ctx, originalKey, "image/"+format, data); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "original upload", err)
	}

	res, err := e.deps.Segmenter.RemoveBackground(ctx, job.SourceURL, job.SKU, job.ImageHash)
	if err != nil {
		return nil, wrapProvider(err, jobs.ErrCodeSegmentFailed, "background removal")
	}

	return e.transition(ctx, job, owner, target, jobs.Update{
		OriginalKey: &originalKey,
		CutoutKey:   &res.CutoutKey,
		MaskKey:     &res.MaskKey,
		TimingStep:  StepSegment,
		TimingMS:    time.Since(start).Milliseconds(),
		CostDelta:   res.CostUSD,
	})
}

// backgroundReady publishes the active template's asset as this job's
// background, or generates N variants with the selected prompt.
func (e *Executor) backgroundReady(ctx context.Context, job *jobs.Job, owner string, target jobs.Status) (*jobs.Job, error) {
	start := time.Now()

	upd := jobs.Update{TimingStep: StepBackground}

	templateKey, err := e.activeTemplateAsset(ctx)
	if err != nil {
		return nil, err
	}
	if templateKey != "" {
		upd.BackgroundKeys = []string{templateKey}
	} else {
		prompt, err := e.resolvePrompt(ctx)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, e.cfg.BackgroundVariants)
		var cost float64
		var providerJobID string
		for v := 1; v <= e.cfg.BackgroundVariants; v++ {
			res, err := e.deps.Generator.Generate(ctx, providers.BackgroundRequest{
				Prompt:  prompt,
				Width:   1024,
				Height:  1024,
				SKU:     job.SKU,
				Hash:    job.ImageHash,
				Theme:   job.Theme,
				Variant: v,
			})
			if err != nil {
				return nil, wrapProvider(err, jobs.ErrCodeBackgroundFailed,
					fmt.Sprintf("background variant %d", v))
			}
			keys = append(keys, res.BackgroundKey)
			cost += res.CostUSD
			if res.ProviderJobID != "" {
				providerJobID = res.ProviderJobID
			}
		}
		upd.BackgroundKeys = keys
		upd.CostDelta = cost
		if providerJobID != "" {
			upd.ProviderJobID = &providerJobID
		}
	}

	upd.TimingMS = time.Since(start).Milliseconds()
	return e.transition(ctx, job, owner, target, upd)
}

// compose produces one composite per (background, aspect) via the AI
// compositor when configured, or the deterministic compositor.
func (e *Executor) compose(ctx context.Context, job *jobs.Job, owner string, target jobs.Status) (*jobs.Job, error) {
	start := time.Now()

	settings, err := e.deps.Store.SharpSettings(ctx)
	if err != nil {
		return nil, err
	}
	sharpOnly, err := e.deps.Store.SharpWorkflow(ctx)
	if err != nil {
		return nil, err
	}
	useAI := e.deps.AIComposer != nil && !sharpOnly

	keys := make([]string, 0, len(job.BackgroundKeys)*len(e.cfg.Aspects))
	var cost float64
	for i, bgKey := range job.BackgroundKeys {
		variant := i + 1
		for _, aspect := range e.cfg.Aspects {
			outKey := storage.CompositeKey(job.SKU, job.ImageHash, job.Theme, aspect, variant, compositeType)
			if useAI {
				res, err := e.deps.AIComposer.Compose(ctx, job.CutoutKey, bgKey, providers.ComposeOptions{
					OutputKey: outKey,
				})
				if err != nil {
					return nil, wrapProvider(err, jobs.ErrCodeCompositeFailed, "ai composite")
				}
				cost += res.CostUSD
				keys = append(keys, res.CompositeKey)
			} else {
				out, err := e.comp.Compose(ctx, compositor.ComposeRequest{
					CutoutKey:     job.CutoutKey,
					BackgroundKey: bgKey,
					OutputKey:     outKey,
					Settings:      settings,
				})
				if err != nil {
					return nil, err
				}
				keys = append(keys, out.CompositeKey)
			}
		}
	}

	return e.transition(ctx, job, owner, target, jobs.Update{
		CompositeKeys: keys,
		TimingStep:    StepCompose,
		TimingMS:      time.Since(start).Milliseconds(),
		CostDelta:     cost,
	})
}

// derivatives resizes every composite into the derivative set, writes the
// per-job thumbnail and uploads the artifact manifest.
func (e *Executor) derivatives(ctx context.Context, job *jobs.Job, owner string) (*jobs.Job, error) {
	start := time.Now()

	upd, err := e.buildDerivatives(ctx, job)
	if err != nil {
		return nil, err
	}
	upd.TimingStep = StepDerivatives
	upd.TimingMS = time.Since(start).Milliseconds()
	return e.transition(ctx, job, owner, jobs.StatusDerivatives, *upd)
}

func (e *Executor) buildDerivatives(ctx context.Context, job *jobs.Job) (*jobs.Update, error) {
	if len(job.CompositeKeys) == 0 {
		return nil, jobs.NewError(jobs.ErrCodeCompositeFailed, "no composites to derive from", nil)
	}

	keys := make([]string, 0, len(job.BackgroundKeys)*len(e.cfg.Aspects)*len(derivativeSpecs)+1)
	for i := range job.BackgroundKeys {
		variant := i + 1
		for _, aspect := range e.cfg.Aspects {
			srcKey := storage.CompositeKey(job.SKU, job.ImageHash, job.Theme, aspect, variant, compositeType)
			for _, spec := range derivativeSpecs {
				destKey := storage.CompositeKey(job.SKU, job.ImageHash, job.Theme, aspect, variant, spec.Name)
				if _, err := e.comp.Derive(ctx, srcKey, destKey, spec); err != nil {
					return nil, err
				}
				keys = append(keys, destKey)
			}
		}
	}

	thumbKey := storage.ThumbnailKey(job.SKU, job.ImageHash)
	if _, err := e.comp.Derive(ctx, job.CompositeKeys[0], thumbKey, thumbnailSpec); err != nil {
		return nil, err
	}
	keys = append(keys, thumbKey)

	manifestKey := storage.ManifestKey(job.SKU, job.ImageHash, job.Theme)
	manifest, err := json.MarshalIndent(map[string]interface{}{
		"sku":         job.SKU,
		"imageHash":   job.ImageHash,
		"theme":       job.Theme,
		"original":    job.OriginalKey,
		"cutout":      job.CutoutKey,
		"mask":        job.MaskKey,
		"backgrounds": job.BackgroundKeys,
		"composites":  job.CompositeKeys,
		"derivatives": keys,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := e.deps.Objects.Put(ctx, manifestKey, "application/json", manifest); err != nil {
		return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "manifest upload", err)
	}

	return &jobs.Update{DerivativeKeys: keys, ManifestKey: &manifestKey}, nil
}

// storefrontPush resolves the product, attaches presigned composite URLs and
// completes the job. A job whose media ids are already populated skips the
// attach, so forced re-pushes never duplicate storefront media.
func (e *Executor) storefrontPush(ctx context.Context, job *jobs.Job, owner string) (*jobs.Job, error) {
	start := time.Now()

	upd := jobs.Update{TimingStep: StepShopifyPush}
	if len(job.ShopifyMediaIDs) == 0 {
		productID, err := e.resolveProduct(ctx, job.SKU)
		if err != nil {
			return nil, err
		}

		urls := make([]string, 0, len(job.CompositeKeys))
		for _, key := range job.CompositeKeys {
			u, err := e.deps.Objects.PresignGet(ctx, key, e.cfg.PresignTTL)
			if err != nil {
				return nil, jobs.NewError(jobs.ErrCodeStorageFailed, "presign "+key, err)
			}
			urls = append(urls, u)
		}

		ids, err := e.deps.Storefront.AttachMedia(ctx, productID, urls, job.SKU)
		if err != nil {
			return nil, wrapProvider(err, jobs.ErrCodeStorefrontUploadFailed, "attach media")
		}
		upd.MediaIDs = ids
		upd.ShopifyProductID = &productID
	}

	upd.TimingMS = time.Since(start).Milliseconds()
	pushed, err := e.transition(ctx, job, owner, jobs.StatusShopifyPush, upd)
	if err != nil {
		return nil, err
	}
	return e.finalize(ctx, pushed, "")
}

// finalize closes out a pushed job.
func (e *Executor) finalize(ctx context.Context, job *jobs.Job, owner string) (*jobs.Job, error) {
	return e.transition(ctx, job, owner, jobs.StatusDone, jobs.Update{})
}

// legacyFinish drives a historical COMPOSITING record to completion: the
// legacy chain has no DERIVATIVES state, so derivative artifacts are merged
// without a transition before the push.
func (e *Executor) legacyFinish(ctx context.Context, job *jobs.Job, owner string) (*jobs.Job, error) {
	start := time.Now()

	upd, err := e.buildDerivatives(ctx, job)
	if err != nil {
		return nil, err
	}
	upd.TimingStep = StepDerivatives
	upd.TimingMS = time.Since(start).Milliseconds()
	merged, err := e.deps.Store.SetArtifacts(ctx, job.ID, *upd)
	if err != nil {
		return nil, err
	}
	return e.storefrontPush(ctx, merged, owner)
}

// PushStorefront is the admin-forced storefront push. DERIVATIVES jobs run
// the normal push step; DONE jobs with media already attached are returned
// unchanged.
func (e *Executor) PushStorefront(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	switch {
	case job.Status == jobs.StatusDone && len(job.ShopifyMediaIDs) > 0:
		return job, nil
	case job.Status == jobs.StatusDerivatives:
		return e.storefrontPush(ctx, job, "")
	default:
		return nil, &jobs.TransitionError{
			Code: jobs.ErrCodeInvalidTransition,
			From: job.Status,
			To:   jobs.StatusShopifyPush,
		}
	}
}

// resolveProduct maps the SKU to a storefront product, consulting the cache
// first. An absent product is a non-retryable ProductNotFound.
func (e *Executor) resolveProduct(ctx context.Context, sku string) (string, error) {
	if entry, ok, err := e.deps.Store.LookupProduct(ctx, sku, e.cfg.ProductCacheTTL); err != nil {
		return "", err
	} else if ok {
		return entry.ProductID, nil
	}

	ref, err := e.deps.Storefront.FindProduct(ctx, sku)
	if err != nil {
		return "", wrapProvider(err, jobs.ErrCodeStorefrontUploadFailed, "find product")
	}
	if ref == nil {
		return "", jobs.NewError(jobs.ErrCodeProductNotFound,
			fmt.Sprintf("sku %s not found in storefront", sku), nil)
	}
	if err := e.deps.Store.CacheProduct(ctx, sku, ref.ProductID, ref.Handle); err != nil {
		common.Logger.Warn("could not cache product resolution: ", err)
	}
	return ref.ProductID, nil
}

// activeTemplateAsset returns the active template's asset key, empty when no
// usable template is active. A dangling activation falls back to generation.
func (e *Executor) activeTemplateAsset(ctx context.Context) (string, error) {
	id, err := e.deps.Store.ActiveBackgroundTemplate(ctx)
	if err != nil || id == "" {
		return "", err
	}
	tpl, err := e.deps.Store.GetTemplate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		common.Logger.Warnf("active background template %s no longer exists", id)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if tpl.Status != store.TemplateActive || tpl.AssetKey == "" {
		common.Logger.Warnf("active background template %s is %s, falling back to generation", id, tpl.Status)
		return "", nil
	}
	ok, err := e.deps.Objects.Exists(ctx, tpl.AssetKey)
	if err != nil {
		return "", jobs.NewError(jobs.ErrCodeStorageFailed, "template asset check", err)
	}
	if !ok {
		common.Logger.Warnf("active background template %s asset %s is missing, marking failed", id, tpl.AssetKey)
		if err := e.deps.Store.MarkTemplateFailed(ctx, id); err != nil {
			return "", err
		}
		return "", nil
	}
	return tpl.AssetKey, nil
}

// resolvePrompt returns the selected prompt's text, falling back to the
// seeded default.
func (e *Executor) resolvePrompt(ctx context.Context) (string, error) {
	id, err := e.deps.Store.SelectedPromptID(ctx)
	if err != nil {
		return "", err
	}
	p, err := e.deps.Store.GetPrompt(ctx, id)
	if errors.Is(err, store.ErrNotFound) && id != store.DefaultPromptID {
		p, err = e.deps.Store.GetPrompt(ctx, store.DefaultPromptID)
	}
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

// fetchSource downloads the webhook's image URL with a size ceiling.
func (e *Executor) fetchSource(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage, "bad source url", err)
	}
	resp, err := e.deps.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, jobs.NewError(jobs.ErrCodeTimeout, "source fetch", err)
		}
		return nil, jobs.NewError(jobs.ErrCodeUnknown, "source fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage,
			fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	default:
		return nil, jobs.NewError(jobs.ErrCodeUnknown,
			fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, jobs.NewError(jobs.ErrCodeUnknown, "source read", err)
	}
	if len(data) > maxFetchBytes {
		return nil, jobs.NewError(jobs.ErrCodeInvalidImage, "source image too large", nil)
	}
	return data, nil
}

// probeEXIF extracts orientation and capture time when present. Missing or
// broken EXIF is not an error.
func probeEXIF(data []byte) map[string]string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	out := map[string]string{}
	if tag, err := x.Get(exif.Orientation); err == nil {
		out["orientation"] = tag.String()
	}
	if dt, err := x.DateTime(); err == nil {
		out["takenAt"] = dt.Format(time.RFC3339)
	}
	return out
}

// wrapProvider attaches a taxonomy code to provider errors that are not
// already classified.
func wrapProvider(err error, code jobs.ErrorCode, op string) error {
	var pe *jobs.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.NewError(jobs.ErrCodeTimeout, op, err)
	}
	return jobs.NewError(code, op, err)
}

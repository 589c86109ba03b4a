// Package executor implements the per-step workers of the pipeline: each
// executor takes a leased job and drives it to its next state, or to FAILED
// with a classified error code. All artifact writes land on deterministic
// object-store keys, so re-running a step after a crash or retry overwrites
// rather than duplicates.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/compositor"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/providers"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
)

// Step timing names stamped on the job record.
const (
	StepSegment     = "segment"
	StepBackground  = "background"
	StepCompose     = "compose"
	StepDerivatives = "derivatives"
	StepShopifyPush = "shopify_push"
)

// Config tunes the executors.
type Config struct {
	// BackgroundVariants is how many backgrounds to generate per job when no
	// template is active (default: 3).
	BackgroundVariants int

	// Aspects are the composite aspect ratios (default: 1x1, 4x5).
	Aspects []string

	// PresignTTL is the validity of presigned URLs handed to the storefront
	// (default: 1h).
	PresignTTL time.Duration

	// ProductCacheTTL bounds the SKU-to-product cache age (default: 6h).
	ProductCacheTTL time.Duration

	// MinImageDim rejects source images smaller than this on either axis
	// (default: 64).
	MinImageDim int
}

func (c Config) withDefaults() Config {
	if c.BackgroundVariants <= 0 {
		c.BackgroundVariants = 3
	}
	if len(c.Aspects) == 0 {
		c.Aspects = []string{"1x1", "4x5"}
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
	if c.ProductCacheTTL <= 0 {
		c.ProductCacheTTL = 6 * time.Hour
	}
	if c.MinImageDim <= 0 {
		c.MinImageDim = 64
	}
	return c
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Store      *store.Store
	Objects    storage.ObjectStore
	Segmenter  providers.Segmenter
	Generator  providers.BackgroundGenerator
	AIComposer providers.AICompositor // nil means deterministic-only
	Storefront providers.Storefront
	HTTPClient *http.Client
}

// Executor dispatches a leased job to the step that owns its current state.
type Executor struct {
	deps Deps
	comp *compositor.Compositor
	cfg  Config
}

// New creates an Executor. A nil HTTPClient falls back to a 60s-timeout
// default client.
func New(deps Deps, cfg Config) *Executor {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Executor{
		deps: deps,
		comp: compositor.New(deps.Objects),
		cfg:  cfg.withDefaults(),
	}
}

// Execute runs the step owning the job's current state and returns the
// updated record. On step failure the job is marked FAILED with a classified
// code and the cause is returned. Cancellation aborts without writing any
// state; the lease simply expires.
func (e *Executor) Execute(ctx context.Context, job *jobs.Job, owner string) (*jobs.Job, error) {
	var updated *jobs.Job
	var err error

	switch job.Status {
	case jobs.StatusNew:
		updated, err = e.fetchAndSegment(ctx, job, owner, jobs.StatusBGRemoved)
	case jobs.StatusQueued:
		updated, err = e.fetchAndSegment(ctx, job, owner, jobs.StatusSegmenting)
	case jobs.StatusBGRemoved:
		updated, err = e.backgroundReady(ctx, job, owner, jobs.StatusBackgroundReady)
	case jobs.StatusSegmenting:
		updated, err = e.backgroundReady(ctx, job, owner, jobs.StatusBGGenerating)
	case jobs.StatusBackgroundReady:
		updated, err = e.compose(ctx, job, owner, jobs.StatusComposited)
	case jobs.StatusBGGenerating:
		updated, err = e.compose(ctx, job, owner, jobs.StatusCompositing)
	case jobs.StatusComposited:
		updated, err = e.derivatives(ctx, job, owner)
	case jobs.StatusCompositing:
		updated, err = e.legacyFinish(ctx, job, owner)
	case jobs.StatusDerivatives:
		updated, err = e.storefrontPush(ctx, job, owner)
	case jobs.StatusShopifyPush:
		updated, err = e.finalize(ctx, job, owner)
	default:
		return nil, fmt.Errorf("no executor for status %s", job.Status)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation leaves the persisted job untouched.
			return nil, ctx.Err()
		}
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// The lease moved on; abandon without mutation.
			return nil, err
		}
		return nil, e.fail(job, owner, err)
	}
	return updated, nil
}

// fail records the classified failure on the job. The write uses a detached
// context so a canceled step context cannot drop the failure record.
func (e *Executor) fail(job *jobs.Job, owner string, cause error) error {
	code := jobs.Classify(cause)
	msg := cause.Error()
	stack := fmt.Sprintf("%+v", cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upd := jobs.Update{ErrorCode: &code, ErrorMessage: &msg, ErrorStack: &stack}
	var err error
	if owner != "" {
		_, err = e.deps.Store.UpdateStatusOwned(ctx, job.ID, owner, jobs.StatusFailed, upd)
	} else {
		_, err = e.deps.Store.UpdateStatus(ctx, job.ID, jobs.StatusFailed, upd)
	}
	if err != nil {
		common.Logger.WithField("jobId", job.ID).
			Error("could not record job failure: ", err)
	} else {
		common.Logger.WithField("jobId", job.ID).
			Warnf("job failed with %s: %s", code, msg)
	}
	return cause
}

// transition persists a step result, owned or admin-initiated.
func (e *Executor) transition(ctx context.Context, job *jobs.Job, owner string, target jobs.Status, upd jobs.Update) (*jobs.Job, error) {
	if owner != "" {
		return e.deps.Store.UpdateStatusOwned(ctx, job.ID, owner, target, upd)
	}
	return e.deps.Store.UpdateStatus(ctx, job.ID, target, upd)
}

package jobs

import (
	"time"
)

// Status is a pipeline state. New jobs move along the primary chain; the
// legacy chain is recognized so historical records keep transitioning, but
// intake never creates jobs on it.
type Status string

const (
	// Primary chain.
	StatusNew             Status = "NEW"
	StatusBGRemoved       Status = "BG_REMOVED"
	StatusBackgroundReady Status = "BACKGROUND_READY"
	StatusComposited      Status = "COMPOSITED"
	StatusDerivatives     Status = "DERIVATIVES"
	StatusShopifyPush     Status = "SHOPIFY_PUSH"
	StatusDone            Status = "DONE"
	StatusFailed          Status = "FAILED"

	// Legacy chain, kept for historical records.
	StatusQueued       Status = "QUEUED"
	StatusSegmenting   Status = "SEGMENTING"
	StatusBGGenerating Status = "BG_GENERATING"
	StatusCompositing  Status = "COMPOSITING"
)

// RetryBaseDelay is the base of the exponential retry backoff.
const RetryBaseDelay = 2 * time.Second

// transitions lists the legal successors of each state. FAILED is reachable
// from every non-terminal state and is appended in init.
var transitions = map[Status][]Status{
	StatusNew:             {StatusBGRemoved},
	StatusBGRemoved:       {StatusBackgroundReady},
	StatusBackgroundReady: {StatusComposited},
	StatusComposited:      {StatusDerivatives},
	StatusDerivatives:     {StatusShopifyPush},
	StatusShopifyPush:     {StatusDone},

	StatusQueued:       {StatusSegmenting},
	StatusSegmenting:   {StatusBGGenerating},
	StatusBGGenerating: {StatusCompositing},
	StatusCompositing:  {StatusShopifyPush},

	StatusDone:   {},
	StatusFailed: {},
}

func init() {
	for s, succ := range transitions {
		if s == StatusDone || s == StatusFailed {
			continue
		}
		transitions[s] = append(succ, StatusFailed)
	}
}

// primaryChain orders the primary states from entry to completion. Used by
// RetryTarget to find the deepest state whose gate is satisfied.
var primaryChain = []Status{
	StatusNew,
	StatusBGRemoved,
	StatusBackgroundReady,
	StatusComposited,
	StatusDerivatives,
	StatusShopifyPush,
}

// Valid reports whether s is a recognized state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s forbids further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether the edge from -> to belongs to the graph.
func CanTransition(from, to Status) bool {
	for _, succ := range transitions[from] {
		if succ == to {
			return true
		}
	}
	return false
}

// Update is the set of field changes applied alongside a transition.
// Nil pointer and nil slice fields leave the job unchanged; list fields are
// overwritten, not appended.
type Update struct {
	OriginalKey *string
	CutoutKey   *string
	MaskKey     *string
	ManifestKey *string

	BackgroundKeys []string
	CompositeKeys  []string
	DerivativeKeys []string
	MediaIDs       []string

	ShopifyProductID *string
	ProviderJobID    *string

	ErrorCode    *ErrorCode
	ErrorMessage *string
	ErrorStack   *string

	// TimingStep, when set, records TimingMS against that step name.
	TimingStep string
	TimingMS   int64

	CostDelta float64
}

// apply merges the update into the snapshot. Artifact references are
// monotonic: an update may set or replace them but never clear them.
func (u *Update) apply(j *Job) *TransitionError {
	setKey := func(dst *string, src *string, field string, te **TransitionError) {
		if src == nil {
			return
		}
		if *src == "" && *dst != "" {
			*te = &TransitionError{Code: ErrCodeMissingRequiredFields, To: j.Status, Missing: []string{field}}
			return
		}
		*dst = *src
	}
	setList := func(dst *StringList, src []string, field string, te **TransitionError) {
		if src == nil {
			return
		}
		if len(src) == 0 && len(*dst) > 0 {
			*te = &TransitionError{Code: ErrCodeMissingRequiredFields, To: j.Status, Missing: []string{field}}
			return
		}
		*dst = append(StringList(nil), src...)
	}

	var te *TransitionError
	setKey(&j.OriginalKey, u.OriginalKey, "s3_original_key", &te)
	setKey(&j.CutoutKey, u.CutoutKey, "s3_cutout_key", &te)
	setKey(&j.MaskKey, u.MaskKey, "s3_mask_key", &te)
	setKey(&j.ManifestKey, u.ManifestKey, "s3_manifest_key", &te)
	setList(&j.BackgroundKeys, u.BackgroundKeys, "s3_bg_keys", &te)
	setList(&j.CompositeKeys, u.CompositeKeys, "s3_composite_keys", &te)
	setList(&j.DerivativeKeys, u.DerivativeKeys, "s3_derivative_keys", &te)
	setList(&j.ShopifyMediaIDs, u.MediaIDs, "shopify_media_ids", &te)
	if te != nil {
		return te
	}

	if u.ShopifyProductID != nil {
		j.ShopifyProductID = *u.ShopifyProductID
	}
	if u.ProviderJobID != nil {
		j.ProviderJobID = *u.ProviderJobID
	}
	if u.ErrorCode != nil {
		j.ErrorCode = *u.ErrorCode
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorStack != nil {
		j.ErrorStack = *u.ErrorStack
	}
	if u.TimingStep != "" {
		if j.StepTimings == nil {
			j.StepTimings = StepTimings{}
		}
		j.StepTimings[u.TimingStep] = u.TimingMS
	}
	if u.CostDelta > 0 {
		j.CostUSD += u.CostDelta
	}
	return nil
}

// requiredFieldsMissing evaluates the required-field gate for entering target
// on the given (already merged) snapshot. It returns the missing column names.
func requiredFieldsMissing(j *Job, target Status) []string {
	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}
	switch target {
	case StatusNew, StatusQueued:
		need(j.SKU != "", "sku")
		need(j.ImageHash != "", "image_hash")
		need(j.Theme != "", "theme")
	case StatusBGRemoved:
		need(j.OriginalKey != "", "s3_original_key")
		need(j.CutoutKey != "", "s3_cutout_key")
		need(j.MaskKey != "", "s3_mask_key")
	case StatusBackgroundReady:
		need(len(j.BackgroundKeys) > 0, "s3_bg_keys")
	case StatusComposited:
		need(len(j.CompositeKeys) > 0, "s3_composite_keys")
	case StatusDerivatives:
		need(len(j.DerivativeKeys) > 0, "s3_derivative_keys")
		need(j.ManifestKey != "", "s3_manifest_key")
	case StatusShopifyPush:
		need(len(j.ShopifyMediaIDs) > 0, "shopify_media_ids")
	case StatusDone:
		need(j.ManifestKey != "", "s3_manifest_key")
	case StatusFailed:
		need(j.ErrorCode != "", "error_code")
		need(j.ErrorMessage != "", "error_message")
	}
	return missing
}

// Transition validates and applies a state change on a snapshot of the job.
// On success it returns the merged snapshot with UpdatedAt stamped (and
// CompletedAt on terminal states); the caller persists it. On failure it
// returns a TransitionError and the job is untouched.
func Transition(job *Job, target Status, upd Update, now time.Time) (*Job, error) {
	if !target.Valid() {
		return nil, &TransitionError{Code: ErrCodeInvalidTransition, From: job.Status, To: target}
	}
	if !CanTransition(job.Status, target) {
		return nil, &TransitionError{Code: ErrCodeInvalidTransition, From: job.Status, To: target}
	}

	merged := job.Clone()
	if te := upd.apply(merged); te != nil {
		te.From = job.Status
		te.To = target
		return nil, te
	}

	if missing := requiredFieldsMissing(merged, target); len(missing) > 0 {
		return nil, &TransitionError{
			Code:    ErrCodeMissingRequiredFields,
			From:    job.Status,
			To:      target,
			Missing: missing,
		}
	}

	merged.Status = target
	merged.UpdatedAt = now
	if target.Terminal() {
		t := now
		merged.CompletedAt = &t
	}
	return merged, nil
}

// ApplyUpdate merges an update into a snapshot without changing state, for
// artifact writes that happen mid-step. The same monotonicity rules apply.
func ApplyUpdate(job *Job, upd Update, now time.Time) (*Job, error) {
	merged := job.Clone()
	if te := upd.apply(merged); te != nil {
		te.From = job.Status
		return nil, te
	}
	merged.UpdatedAt = now
	return merged, nil
}

// CanRetry reports whether a failed job is eligible for another attempt.
// QualityCheckFailed is retryable exactly once.
func CanRetry(job *Job, maxAttempts int) bool {
	if job.Status != StatusFailed {
		return false
	}
	if job.Attempt >= maxAttempts {
		return false
	}
	if !job.ErrorCode.Retryable() {
		return false
	}
	if job.ErrorCode == ErrCodeQualityCheckFailed && job.Attempt >= 1 {
		return false
	}
	return true
}

// RetryDelay returns the backoff before the given attempt is re-queued:
// 2000ms * 2^attempt.
func RetryDelay(attempt int) time.Duration {
	d := RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// RetryTarget computes the state a failed job rolls back to: the deepest
// primary state whose required-field gate is already satisfied by the
// artifacts on the record. Retries therefore resume at the failing step
// instead of refetching everything.
func RetryTarget(job *Job) Status {
	target := StatusNew
	for _, s := range primaryChain {
		if len(requiredFieldsMissing(job, s)) == 0 {
			target = s
		} else {
			break
		}
	}
	return target
}

// Package jobs defines the job record, the pipeline state machine and the
// failure taxonomy. Everything in this package is pure: no I/O, no clocks
// other than values passed in, so transition rules can be exercised in
// isolation from the store.
package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// SKUPattern constrains printable SKU identifiers.
var SKUPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ImageHashPattern matches a SHA-256 digest in lowercase hex.
var ImageHashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// StringList is a JSON-array column. Malformed stored values scan to an
// error so the read boundary can surface Unknown instead of propagating a
// bare parse failure.
type StringList []string

// Value implements driver.Valuer. Empty lists serialize as "[]", never NULL,
// so list columns stay parseable.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("malformed list column: %w", err)
	}
	*l = out
	return nil
}

// StepTimings records per-step elapsed milliseconds, keyed by step name.
type StepTimings map[string]int64

// Value implements driver.Valuer.
func (t StepTimings) Value() (driver.Value, error) {
	if t == nil {
		t = StepTimings{}
	}
	data, err := json.Marshal(map[string]int64(t))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (t *StepTimings) Scan(src interface{}) error {
	if src == nil {
		*t = StepTimings{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StepTimings", src)
	}
	if len(data) == 0 {
		*t = StepTimings{}
		return nil
	}
	var out map[string]int64
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("malformed timings column: %w", err)
	}
	*t = out
	return nil
}

// Job is the central pipeline record. The triple (SKU, ImageHash, Theme) is
// unique; the database constraint is the deduplication authority.
type Job struct {
	ID        string `gorm:"primaryKey" json:"id"`
	SKU       string `gorm:"column:sku;index" json:"sku"`
	ImageHash string `gorm:"column:image_hash" json:"imageHash"`
	Theme     string `gorm:"column:theme" json:"theme"`

	Status  Status `gorm:"column:status;index" json:"status"`
	Attempt int    `gorm:"column:attempt" json:"attempt"`

	SourceURL string `gorm:"column:source_url" json:"sourceUrl"`

	OriginalKey    string     `gorm:"column:s3_original_key" json:"s3OriginalKey,omitempty"`
	CutoutKey      string     `gorm:"column:s3_cutout_key" json:"s3CutoutKey,omitempty"`
	MaskKey        string     `gorm:"column:s3_mask_key" json:"s3MaskKey,omitempty"`
	BackgroundKeys StringList `gorm:"column:s3_bg_keys;type:text" json:"s3BgKeys"`
	CompositeKeys  StringList `gorm:"column:s3_composite_keys;type:text" json:"s3CompositeKeys"`
	DerivativeKeys StringList `gorm:"column:s3_derivative_keys;type:text" json:"s3DerivativeKeys"`
	ManifestKey    string     `gorm:"column:s3_manifest_key" json:"s3ManifestKey,omitempty"`

	ShopifyProductID string     `gorm:"column:shopify_product_id" json:"shopifyProductId,omitempty"`
	ShopifyMediaIDs  StringList `gorm:"column:shopify_media_ids;type:text" json:"shopifyMediaIds"`

	ErrorCode    ErrorCode `gorm:"column:error_code" json:"errorCode,omitempty"`
	ErrorMessage string    `gorm:"column:error_message" json:"errorMessage,omitempty"`
	ErrorStack   string    `gorm:"column:error_stack" json:"errorStack,omitempty"`

	CostUSD     float64     `gorm:"column:cost_usd" json:"costUsd"`
	StepTimings StepTimings `gorm:"column:step_timings;type:text" json:"stepTimings"`

	// ProviderJobID correlates asynchronous provider submissions for
	// debuggability. It is never a transition key.
	ProviderJobID string `gorm:"column:provider_job_id" json:"providerJobId,omitempty"`

	LeaseOwner string     `gorm:"column:lease_owner" json:"leaseOwner,omitempty"`
	LeaseUntil *time.Time `gorm:"column:lease_until" json:"leaseUntil,omitempty"`

	CreatedAt   time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updatedAt"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

// TableName maps the model onto the migrated jobs table.
func (Job) TableName() string { return "jobs" }

// Clone returns a deep copy of the job snapshot.
func (j *Job) Clone() *Job {
	cp := *j
	cp.BackgroundKeys = append(StringList(nil), j.BackgroundKeys...)
	cp.CompositeKeys = append(StringList(nil), j.CompositeKeys...)
	cp.DerivativeKeys = append(StringList(nil), j.DerivativeKeys...)
	cp.ShopifyMediaIDs = append(StringList(nil), j.ShopifyMediaIDs...)
	if j.StepTimings != nil {
		cp.StepTimings = make(StepTimings, len(j.StepTimings))
		for k, v := range j.StepTimings {
			cp.StepTimings[k] = v
		}
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		cp.LeaseUntil = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Leased reports whether the job holds a live lease at the given instant.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseUntil != nil && j.LeaseUntil.After(now)
}

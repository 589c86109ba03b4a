// Package intake accepts signed webhook deliveries from the inventory system
// and turns them into jobs. It owns payload validation, signature
// authentication, the per-SKU output quota and deduplication; the HTTP layer
// above it only maps results to status codes.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/config"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/store"
)

// MaxBodyBytes is the hard ceiling on webhook payloads.
const MaxBodyBytes = 10 << 20

var (
	// ErrUnauthorized means the delivery signature is missing or wrong.
	ErrUnauthorized = errors.New("invalid webhook signature")
	// ErrQuotaReached means the SKU already has its maximum of completed jobs.
	ErrQuotaReached = errors.New("quota reached")
)

// Payload is the webhook body from the inventory system.
type Payload struct {
	Event    string `json:"event,omitempty"`
	SKU      string `json:"sku"`
	ImageURL string `json:"imageUrl"`
	SHA256   string `json:"sha256"`
	TakenAt  string `json:"takenAt,omitempty"`
	Theme    string `json:"theme,omitempty"`
}

// FieldError describes one invalid payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates per-field payload problems.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Validate applies the payload rules and returns every violation at once so
// the sender can fix them in one pass.
func (p *Payload) Validate() *ValidationError {
	var fields []FieldError
	add := func(field, message string) {
		fields = append(fields, FieldError{Field: field, Message: message})
	}

	if p.SKU == "" || len(p.SKU) > 100 {
		add("sku", "must be 1-100 characters")
	} else if !jobs.SKUPattern.MatchString(p.SKU) {
		add("sku", "must match [A-Za-z0-9_-]+")
	}

	if u, err := url.Parse(p.ImageURL); err != nil || !u.IsAbs() ||
		(u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("imageUrl", "must be an absolute http(s) URL")
	}

	if !jobs.ImageHashPattern.MatchString(p.SHA256) {
		add("sha256", "must be exactly 64 lowercase hex characters")
	}

	if p.TakenAt != "" {
		if _, err := time.Parse(time.RFC3339, p.TakenAt); err != nil {
			add("takenAt", "must be an ISO-8601 timestamp")
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Intake wires validation, authentication and the job store together.
type Intake struct {
	store      *store.Store
	cfg        config.WebhookConfig
	production bool
}

// New creates the intake component.
func New(s *store.Store, cfg config.WebhookConfig, production bool) *Intake {
	return &Intake{store: s, cfg: cfg, production: production}
}

// Authorize checks the delivery signature against the raw body. The
// development bypass applies only outside production, only when the flag is
// set, and only when no secret is configured; a configured secret is always
// enforced.
func (i *Intake) Authorize(h http.Header, body []byte) error {
	if i.cfg.Secret == "" {
		if !i.production && i.cfg.SkipVerification {
			common.Logger.Warn("webhook signature verification skipped (development bypass)")
			return nil
		}
		return ErrUnauthorized
	}
	if !VerifySignature(i.cfg.Secret, body, signatureFrom(h)) {
		return ErrUnauthorized
	}
	return nil
}

// Result is the outcome of an accepted delivery.
type Result struct {
	Job     *jobs.Job
	Created bool
}

// Accept validates the payload, enforces the per-SKU quota and creates the
// job. A repeat delivery of the same (sku, sha256, theme) returns the
// existing job with Created=false and changes nothing.
func (i *Intake) Accept(ctx context.Context, p *Payload) (*Result, error) {
	if verr := p.Validate(); verr != nil {
		return nil, verr
	}

	theme := p.Theme
	if theme == "" {
		theme = i.cfg.DefaultTheme
	}

	done, err := i.store.CountDoneBySKU(ctx, p.SKU)
	if err != nil {
		return nil, err
	}
	if done >= int64(i.cfg.ImageMaxPerSKU) {
		return nil, fmt.Errorf("%w: sku %s already has %d completed images (max %d)",
			ErrQuotaReached, p.SKU, done, i.cfg.ImageMaxPerSKU)
	}

	job, created, err := i.store.Create(ctx, p.SKU, p.SHA256, theme, p.ImageURL)
	if err != nil {
		return nil, err
	}

	common.Logger.WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"sku":     p.SKU,
		"theme":   theme,
		"created": created,
	}).Info("webhook delivery accepted")

	return &Result{Job: job, Created: created}, nil
}

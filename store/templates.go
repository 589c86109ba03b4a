package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pixelpipe.3jms.dev/storage"
)

// Template lifecycle. A template starts in generating until its first asset
// is uploaded, becomes active, and is archived on delete. Failed marks a
// template whose asset turned out to be unusable.
const (
	TemplateGenerating = "generating"
	TemplateActive     = "active"
	TemplateArchived   = "archived"
	TemplateFailed     = "failed"
)

// BackgroundTemplate is a curated background that, when active, replaces
// generated backgrounds for every job.
type BackgroundTemplate struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"column:name" json:"name"`
	Theme     string    `gorm:"column:theme" json:"theme"`
	Prompt    string    `gorm:"column:prompt" json:"prompt"`
	Status    string    `gorm:"column:status" json:"status"`
	AssetKey  string    `gorm:"column:asset_key" json:"assetKey"`
	Version   int       `gorm:"column:version" json:"version"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName maps the model onto the migrated background_templates table.
func (BackgroundTemplate) TableName() string { return "background_templates" }

// TemplateAsset records one uploaded version of a template's image.
type TemplateAsset struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	TemplateID  string    `gorm:"column:template_id" json:"templateId"`
	Version     int       `gorm:"column:version" json:"version"`
	ObjectKey   string    `gorm:"column:object_key" json:"objectKey"`
	ContentType string    `gorm:"column:content_type" json:"contentType"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
}

// TableName maps the model onto the migrated template_assets table.
func (TemplateAsset) TableName() string { return "template_assets" }

// CreateTemplate registers a template with no asset yet (version 0).
func (s *Store) CreateTemplate(ctx context.Context, name, theme, prompt string) (*BackgroundTemplate, error) {
	if name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	now := time.Now().UTC()
	t := &BackgroundTemplate{
		ID:        uuid.NewString(),
		Name:      name,
		Theme:     theme,
		Prompt:    prompt,
		Status:    TemplateGenerating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return t, nil
}

// GetTemplate loads one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*BackgroundTemplate, error) {
	var t BackgroundTemplate
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", id, err)
	}
	return &t, nil
}

// ListTemplates returns all non-archived templates, newest first.
func (s *Store) ListTemplates(ctx context.Context) ([]BackgroundTemplate, error) {
	var out []BackgroundTemplate
	err := s.db.WithContext(ctx).
		Where("status != ?", TemplateArchived).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return out, nil
}

// AddTemplateAsset records a newly uploaded template image: it bumps the
// template's version and points asset_key at the versioned object key.
func (s *Store) AddTemplateAsset(ctx context.Context, templateID, contentType string) (*TemplateAsset, error) {
	var asset *TemplateAsset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t BackgroundTemplate
		if err := tx.Where("id = ?", templateID).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load template: %w", err)
		}
		now := time.Now().UTC()
		version := t.Version + 1
		key := storage.TemplateAssetKey(templateID, version)

		asset = &TemplateAsset{
			ID:          uuid.NewString(),
			TemplateID:  templateID,
			Version:     version,
			ObjectKey:   key,
			ContentType: contentType,
			CreatedAt:   now,
		}
		if err := tx.Create(asset).Error; err != nil {
			return fmt.Errorf("create asset: %w", err)
		}
		res := tx.Model(&BackgroundTemplate{}).
			Where("id = ? AND version = ?", templateID, t.Version).
			Updates(map[string]interface{}{
				"version":    version,
				"asset_key":  key,
				"status":     TemplateActive,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("bump template version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// DeleteTemplate archives a template. Asset records and uploaded objects stay
// in place; when the archived template was active, activation falls back to
// none.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&BackgroundTemplate{}).
			Where("id = ? AND status != ?", id, TemplateArchived).
			Updates(map[string]interface{}{"status": TemplateArchived, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("archive template: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Exec(
			`UPDATE settings SET value = '', updated_at = ? WHERE key = ? AND value = ?`,
			now, SettingActiveBackgroundTemplate, id).Error
	})
}

// MarkTemplateFailed records that a template's asset is unusable and
// deactivates it when it was the active template.
func (s *Store) MarkTemplateFailed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&BackgroundTemplate{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"status": TemplateFailed, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("fail template: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Exec(
			`UPDATE settings SET value = '', updated_at = ? WHERE key = ? AND value = ?`,
			now, SettingActiveBackgroundTemplate, id).Error
	})
}

// ActivateTemplate makes the template the active background for all jobs.
// An empty id deactivates templates and returns jobs to generated
// backgrounds. Only templates with an uploaded asset can be activated.
func (s *Store) ActivateTemplate(ctx context.Context, id string) error {
	if id != "" {
		t, err := s.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TemplateActive || t.AssetKey == "" {
			return fmt.Errorf("template %s is %s and cannot be activated", id, t.Status)
		}
	}
	return s.SetSetting(ctx, SettingActiveBackgroundTemplate, id)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pixelpipe.3jms.dev/compositor"
)

// Well-known settings keys. Settings are a key/value table; typed accessors
// below validate values on write so the processor can trust what it reads.
const (
	SettingWorkflowPreference       = "workflow_preference"
	SettingAICompositor             = "ai_compositor"
	SettingSharpWorkflow            = "sharp_workflow"
	SettingSharpSettings            = "sharp_settings"
	SettingActiveBackgroundTemplate = "active_background_template"
	SettingSelectedPromptID         = "selected_prompt_id"
)

// Workflow preferences.
const (
	WorkflowCutoutComposite = "cutout_composite"
	WorkflowSeedreamEdit    = "seedream_edit"
)

// Setting is one row of the settings table.
type Setting struct {
	Key       string    `gorm:"primaryKey;column:key" json:"key"`
	Value     string    `gorm:"column:value" json:"value"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName maps the model onto the migrated settings table.
func (Setting) TableName() string { return "settings" }

// GetSetting reads one key. Missing keys return ok=false, not an error.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return row.Value, true, nil
}

// SetSetting upserts one key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// ListSettings returns every settings row.
func (s *Store) ListSettings(ctx context.Context) ([]Setting, error) {
	var out []Setting
	if err := s.db.WithContext(ctx).Order("key ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return out, nil
}

// WorkflowPreference returns the configured workflow, defaulting to the
// cutout-composite pipeline.
func (s *Store) WorkflowPreference(ctx context.Context) (string, error) {
	v, ok, err := s.GetSetting(ctx, SettingWorkflowPreference)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return WorkflowCutoutComposite, nil
	}
	return v, nil
}

// SetWorkflowPreference validates and stores the workflow choice.
func (s *Store) SetWorkflowPreference(ctx context.Context, v string) error {
	switch v {
	case WorkflowCutoutComposite, WorkflowSeedreamEdit:
	default:
		return fmt.Errorf("unknown workflow preference %q", v)
	}
	return s.SetSetting(ctx, SettingWorkflowPreference, v)
}

// SharpWorkflow reports whether the deterministic compositor is enabled.
// Absent means enabled.
func (s *Store) SharpWorkflow(ctx context.Context) (bool, error) {
	v, ok, err := s.GetSetting(ctx, SettingSharpWorkflow)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return v == "true" || v == "1", nil
}

// SharpSettings returns the deterministic-compositor parameters, falling back
// to defaults when unset or unparseable history is found.
func (s *Store) SharpSettings(ctx context.Context) (compositor.Settings, error) {
	v, ok, err := s.GetSetting(ctx, SettingSharpSettings)
	if err != nil {
		return compositor.Settings{}, err
	}
	if !ok || v == "" {
		return compositor.DefaultSettings(), nil
	}
	var out compositor.Settings
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return compositor.DefaultSettings(), nil
	}
	if err := out.Validate(); err != nil {
		return compositor.DefaultSettings(), nil
	}
	return out, nil
}

// SetSharpSettings validates and stores compositor parameters.
func (s *Store) SetSharpSettings(ctx context.Context, settings compositor.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingSharpSettings, string(data))
}

// ActiveBackgroundTemplate returns the active template id, empty string when
// no template is active. The value is never NULL in storage.
func (s *Store) ActiveBackgroundTemplate(ctx context.Context) (string, error) {
	v, _, err := s.GetSetting(ctx, SettingActiveBackgroundTemplate)
	return v, err
}

// SelectedPromptID returns the id of the prompt used for background
// generation, defaulting to the seeded prompt.
func (s *Store) SelectedPromptID(ctx context.Context) (string, error) {
	v, ok, err := s.GetSetting(ctx, SettingSelectedPromptID)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return DefaultPromptID, nil
	}
	return v, nil
}

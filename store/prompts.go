package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultPromptID is the seeded prompt every install starts with. It cannot
// be deleted, so background generation always has a usable prompt.
const DefaultPromptID = "default"

// CustomPrompt is a stored background-generation prompt.
type CustomPrompt struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"column:name" json:"name"`
	Text      string    `gorm:"column:text" json:"text"`
	IsDefault bool      `gorm:"column:is_default" json:"isDefault"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName maps the model onto the migrated custom_prompts table.
func (CustomPrompt) TableName() string { return "custom_prompts" }

// ListPrompts returns all prompts, default first.
func (s *Store) ListPrompts(ctx context.Context) ([]CustomPrompt, error) {
	var out []CustomPrompt
	err := s.db.WithContext(ctx).
		Order("is_default DESC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return out, nil
}

// GetPrompt loads one prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id string) (*CustomPrompt, error) {
	var p CustomPrompt
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load prompt %s: %w", id, err)
	}
	return &p, nil
}

// CreatePrompt stores a new prompt.
func (s *Store) CreatePrompt(ctx context.Context, name, text string) (*CustomPrompt, error) {
	if name == "" || text == "" {
		return nil, fmt.Errorf("prompt name and text are required")
	}
	now := time.Now().UTC()
	p := &CustomPrompt{
		ID:        uuid.NewString(),
		Name:      name,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("create prompt: %w", err)
	}
	return p, nil
}

// UpdatePrompt edits a prompt's name and text. The default prompt is editable
// but keeps its default flag.
func (s *Store) UpdatePrompt(ctx context.Context, id, name, text string) (*CustomPrompt, error) {
	if name == "" || text == "" {
		return nil, fmt.Errorf("prompt name and text are required")
	}
	res := s.db.WithContext(ctx).Model(&CustomPrompt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":       name,
			"text":       text,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update prompt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetPrompt(ctx, id)
}

// DeletePrompt removes a prompt. Deleting the default prompt is rejected, and
// a deleted prompt that is still selected falls the selection back to the
// default.
func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	p, err := s.GetPrompt(ctx, id)
	if err != nil {
		return err
	}
	if p.IsDefault {
		return fmt.Errorf("the default prompt cannot be deleted")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&CustomPrompt{}).Error; err != nil {
			return fmt.Errorf("delete prompt: %w", err)
		}
		return tx.Exec(
			`UPDATE settings SET value = ?, updated_at = ? WHERE key = ? AND value = ?`,
			DefaultPromptID, time.Now().UTC(), SettingSelectedPromptID, id).Error
	})
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ShopifyMapEntry caches a SKU to storefront-product resolution. Entries
// expire by age so renamed or deleted products fall out naturally.
type ShopifyMapEntry struct {
	SKU       string    `gorm:"primaryKey;column:sku" json:"sku"`
	ProductID string    `gorm:"column:product_id" json:"productId"`
	Title     string    `gorm:"column:title" json:"title"`
	CachedAt  time.Time `gorm:"column:cached_at" json:"cachedAt"`
}

// TableName maps the model onto the migrated shopify_map table.
func (ShopifyMapEntry) TableName() string { return "shopify_map" }

// LookupProduct returns the cached product for the SKU when the entry is
// younger than ttl. Misses and stale entries both return ok=false.
func (s *Store) LookupProduct(ctx context.Context, sku string, ttl time.Duration) (*ShopifyMapEntry, bool, error) {
	var e ShopifyMapEntry
	err := s.db.WithContext(ctx).Where("sku = ?", sku).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup product %s: %w", sku, err)
	}
	if time.Since(e.CachedAt) > ttl {
		return nil, false, nil
	}
	return &e, true, nil
}

// CacheProduct upserts the SKU resolution with a fresh timestamp.
func (s *Store) CacheProduct(ctx context.Context, sku, productID, title string) error {
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO shopify_map (sku, product_id, title, cached_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (sku) DO UPDATE SET
		     product_id = excluded.product_id,
		     title = excluded.title,
		     cached_at = excluded.cached_at`,
		sku, productID, title, time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("cache product %s: %w", sku, err)
	}
	return nil
}

// InvalidateProduct drops the cached resolution for the SKU.
func (s *Store) InvalidateProduct(ctx context.Context, sku string) error {
	return s.db.WithContext(ctx).Where("sku = ?", sku).Delete(&ShopifyMapEntry{}).Error
}

// Package contentstore is the durable keyed store for content items and
// their attachment blobs. Item metadata lives in the database; attachment
// bytes live on disk under a per-item directory.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
)

var ErrNotFound = fmt.Errorf("content item not found")

var ErrDuplicate = fmt.Errorf("content item already exists")

var ErrAttachmentNotFound = fmt.Errorf("attachment not found")

type Store struct {
	db      *gorm.DB
	blobDir string

	log *slog.Logger
}

func NewStore(db *gorm.DB, blobDir string) (*Store, error) {
	if err := db.AutoMigrate(&models.ContentItem{}, &models.Attachment{}); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(blobDir, 0775); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	return &Store{
		db:      db,
		blobDir: blobDir,
		log:     slog.Default().With("system", "contentstore"),
	}, nil
}

// Create persists a new content item. The id is store-assigned if empty
// and the creation date is normalized to the dedup precision.
func (s *Store) Create(ctx context.Context, item *models.ContentItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = util.TruncateToSecond(item.CreatedAt)

	if !item.Kind.Valid() {
		return fmt.Errorf("invalid content kind %q", item.Kind)
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating content item: %w", err)
	}

	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.ContentItem, error) {
	var item models.ContentItem
	err := s.db.WithContext(ctx).Preload("Attachments").First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetByDedupKey looks an item up by its cross-node identity.
func (s *Store) GetByDedupKey(ctx context.Context, authorKey string, createdAt time.Time, kind models.Kind) (*models.ContentItem, error) {
	var item models.ContentItem
	err := s.db.WithContext(ctx).Preload("Attachments").
		First(&item, "author_key = ? AND created_at = ? AND kind = ?",
			authorKey, util.TruncateToSecond(createdAt), kind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes the item row, its attachment rows, and its blob
// directory. No tombstone is kept.
func (s *Store) Delete(ctx context.Context, item *models.ContentItem) error {
	if err := s.db.WithContext(ctx).Where("content_item_id = ?", item.ID).Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.ContentItem{}, "id = ?", item.ID).Error; err != nil {
		return err
	}

	if err := os.RemoveAll(s.itemBlobDir(item.ID)); err != nil {
		s.log.Warn("failed to remove blob directory", "item", item.ID, "err", err)
	}

	return nil
}

// List returns items of one kind ordered by creation date descending,
// optionally scoped to the owner's items, starting strictly before the
// cursor when one is given.
func (s *Store) List(ctx context.Context, kind models.Kind, mineOnly bool, before time.Time, limit int) ([]models.ContentItem, error) {
	q := s.db.WithContext(ctx).Where("kind = ?", kind)
	if mineOnly {
		q = q.Where("is_mine = ?", true)
	}
	if !before.IsZero() {
		q = q.Where("created_at < ?", util.TruncateToSecond(before))
	}

	var items []models.ContentItem
	if err := q.Order("created_at desc").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// PutAttachment stores one named blob for an item, writing the bytes to
// disk and the index row to the database.
func (s *Store) PutAttachment(ctx context.Context, item *models.ContentItem, name, contentType string, r io.Reader) (*models.Attachment, error) {
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return nil, fmt.Errorf("invalid attachment name")
	}

	dir := s.itemBlobDir(item.ID)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("writing attachment blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	att := &models.Attachment{
		ContentItemID: item.ID,
		Name:          name,
		ContentType:   contentType,
		Size:          n,
	}
	if err := s.db.WithContext(ctx).Create(att).Error; err != nil {
		return nil, err
	}

	return att, nil
}

// OpenAttachment returns the index row and an open reader for one named
// blob. The caller closes the reader.
func (s *Store) OpenAttachment(ctx context.Context, itemID, name string) (*models.Attachment, io.ReadCloser, error) {
	var att models.Attachment
	err := s.db.WithContext(ctx).First(&att, "content_item_id = ? AND name = ?", itemID, filepath.Base(name)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.itemBlobDir(itemID), att.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("opening attachment blob: %w", err)
	}

	return &att, f, nil
}

func (s *Store) itemBlobDir(itemID string) string {
	return filepath.Join(s.blobDir, itemID)
}

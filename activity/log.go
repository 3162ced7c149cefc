// Package activity is the append-only record of content events. One record
// is written per local or inbound event; per-peer delivery failures are
// attached to the record and removed again when a retry succeeds, making
// the log double as the retry work list and the audit trail. Records
// themselves are never deleted.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
)

var ErrNotFound = fmt.Errorf("activity record not found")

// Scope selects which records a listing covers.
type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeMine Scope = "mine"
)

type Log struct {
	db *gorm.DB

	// serializes delivery-error mutations per record: concurrent peer
	// outcomes for one delivery all land on the same record
	recLocks *util.KeyedLocker

	log *slog.Logger
}

func NewLog(db *gorm.DB) (*Log, error) {
	if err := db.AutoMigrate(&models.ActivityRecord{}, &models.DeliveryError{}); err != nil {
		return nil, err
	}

	return &Log{
		db:       db,
		recLocks: util.NewKeyedLocker(),
		log:      slog.Default().With("system", "activity"),
	}, nil
}

// Append writes a new record. The id is assigned here if empty and the
// creation date is normalized to wire precision.
func (l *Log) Append(ctx context.Context, rec *models.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = util.TruncateToSecond(rec.CreatedAt)

	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("appending activity record: %w", err)
	}
	return nil
}

func (l *Log) FindByID(ctx context.Context, id string) (*models.ActivityRecord, error) {
	var rec models.ActivityRecord
	err := l.db.WithContext(ctx).Preload("Errors").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkDeliveryFailed records (or refreshes) the failure reason for one
// peer on one record. Called concurrently by fan-out workers and by
// retries, so the mutation is held under the record's lock.
func (l *Log) MarkDeliveryFailed(ctx context.Context, activityID string, peer *models.Peer, reason string) error {
	unlock := l.recLocks.Lock(activityID)
	defer unlock()

	var existing models.DeliveryError
	err := l.db.WithContext(ctx).First(&existing, "activity_id = ? AND peer_key = ?", activityID, peer.Key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		derr := models.DeliveryError{
			ActivityID: activityID,
			PeerKey:    peer.Key,
			PeerName:   peer.Name,
			PeerURL:    peer.URL,
			Reason:     reason,
		}
		if err := l.db.WithContext(ctx).Create(&derr).Error; err != nil {
			return fmt.Errorf("recording delivery failure: %w", err)
		}
		return nil
	case err != nil:
		return err
	default:
		existing.Reason = reason
		existing.PeerURL = peer.URL
		existing.PeerName = peer.Name
		return l.db.WithContext(ctx).Save(&existing).Error
	}
}

// MarkDeliveryResolved drops the failure entry for one peer after a retry
// succeeded. Resolving a pair that has no entry is reported so the caller
// can refuse a duplicate retry.
func (l *Log) MarkDeliveryResolved(ctx context.Context, activityID, peerKey string) error {
	unlock := l.recLocks.Lock(activityID)
	defer unlock()

	res := l.db.WithContext(ctx).
		Where("activity_id = ? AND peer_key = ?", activityID, peerKey).
		Delete(&models.DeliveryError{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending pages through records by creation date descending. A zero
// before time starts from the newest record.
func (l *Log) ListPending(ctx context.Context, scope Scope, before time.Time, limit int) ([]models.ActivityRecord, error) {
	q := l.db.WithContext(ctx).Preload("Errors")
	if scope == ScopeMine {
		q = q.Where("is_mine = ?", true)
	}
	if !before.IsZero() {
		q = q.Where("created_at < ?", util.TruncateToSecond(before))
	}
	if limit <= 0 {
		limit = 30
	}

	var recs []models.ActivityRecord
	if err := q.Order("created_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hearth-social/hearth/activity"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/trust"
	"github.com/hearth-social/hearth/util"
	"github.com/hearth-social/hearth/wire"
)

var ErrNotRetryable = fmt.Errorf("no failed delivery recorded for this peer")

var ErrPeerNotTrusted = fmt.Errorf("peer is no longer trusted")

// RetryCoordinator re-drives one previously failed delivery for one
// (activity, peer) pair on explicit request. Calls for the same pair are
// serialized; a second retry after the first resolved the entry fails with
// ErrNotRetryable instead of delivering twice.
type RetryCoordinator struct {
	trust      *trust.Registry
	activities *activity.Log
	pusher     *Pusher
	source     ItemSource

	// profileSource rebuilds the owner profile document, which has no row
	// in the content store
	profileSource func(ctx context.Context) (Deliverable, error)

	pairLocks *util.KeyedLocker

	log *slog.Logger
}

func NewRetryCoordinator(reg *trust.Registry, alog *activity.Log, pusher *Pusher, source ItemSource) *RetryCoordinator {
	return &RetryCoordinator{
		trust:      reg,
		activities: alog,
		pusher:     pusher,
		source:     source,
		pairLocks:  util.NewKeyedLocker(),
		log:        slog.Default().With("system", "delivery"),
	}
}

// SetProfileSource wires the loader used to retry failed profile
// forwardings.
func (rc *RetryCoordinator) SetProfileSource(fn func(ctx context.Context) (Deliverable, error)) {
	rc.profileSource = fn
}

// Retry re-issues the exact push the dispatcher would have sent to this
// peer. On success the peer's failure entry is removed; on failure the
// stored reason is replaced and the transport error returned.
func (rc *RetryCoordinator) Retry(ctx context.Context, activityID, peerKey string) error {
	unlock := rc.pairLocks.Lock(activityID + "\x00" + peerKey)
	defer unlock()

	rec, err := rc.activities.FindByID(ctx, activityID)
	if err != nil {
		return err
	}

	retryable := false
	for _, derr := range rec.Errors {
		if derr.PeerKey == peerKey {
			retryable = true
			break
		}
	}
	if !retryable {
		return ErrNotRetryable
	}

	// re-resolve the peer: its address may have changed, and it may have
	// lost trust since the original attempt
	peer, err := rc.trust.Resolve(ctx, peerKey)
	if errors.Is(err, trust.ErrPeerUnknown) {
		return ErrPeerNotTrusted
	}
	if err != nil {
		return err
	}
	if peer.State != models.PeerStateTrusted {
		return ErrPeerNotTrusted
	}

	op, doc, err := rc.rebuild(ctx, rec)
	if err != nil {
		return err
	}

	if err := rc.pusher.Push(ctx, *peer, op, doc); err != nil {
		retryOutcomes.WithLabelValues("failed").Inc()
		if merr := rc.activities.MarkDeliveryFailed(ctx, activityID, peer, err.Error()); merr != nil {
			rc.log.Error("failed to refresh delivery failure", "activity", activityID, "peer", peerKey, "err", merr)
		}
		return fmt.Errorf("retry push failed: %w", err)
	}

	retryOutcomes.WithLabelValues("resolved").Inc()
	rc.log.Info("delivery retried", "activity", activityID, "peer", peerKey, "verb", rec.Verb)
	return rc.activities.MarkDeliveryResolved(ctx, activityID, peerKey)
}

func (rc *RetryCoordinator) rebuild(ctx context.Context, rec *models.ActivityRecord) (Op, Deliverable, error) {
	switch rec.Verb {
	case models.VerbDeletes:
		// the document row is gone; the record itself carries enough to
		// re-identify it on the remote side
		return OpDelete, &tombstone{rec: rec}, nil
	case models.VerbModifies:
		if rc.profileSource == nil {
			return "", nil, fmt.Errorf("no profile source configured")
		}
		doc, err := rc.profileSource(ctx)
		if err != nil {
			return "", nil, err
		}
		return OpUpdate, doc, nil
	default:
		doc, err := rc.source.Deliverable(ctx, rec.DocID)
		if err != nil {
			return "", nil, fmt.Errorf("loading document for retry: %w", err)
		}
		return OpCreate, doc, nil
	}
}

// tombstone is the Deliverable for re-pushing a deletion whose document no
// longer exists locally.
type tombstone struct {
	rec *models.ActivityRecord
}

func (t *tombstone) DocID() string { return t.rec.DocID }

func (t *tombstone) AuthorName() string { return t.rec.Author }

func (t *tombstone) DedupKey() DedupKey {
	return DedupKey{
		AuthorKey: t.rec.AuthorKey,
		CreatedAt: t.rec.DocDate,
		Kind:      t.rec.DocType,
	}
}

func (t *tombstone) Serialize() ([]byte, error) {
	return wire.ForDelete(t.rec.AuthorKey, t.rec.DocDate).Marshal()
}

func (t *tombstone) Attachments(ctx context.Context) ([]AttachmentData, error) {
	return nil, nil
}

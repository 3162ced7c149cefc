// Package gate validates and applies content pushed by peers. The trust
// check on the declared author key comes before anything else and is the
// only authorization gate; applying is idempotent so a peer's own retries
// never produce duplicates.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hearth-social/hearth/activity"
	"github.com/hearth-social/hearth/contentstore"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/trust"
	"github.com/hearth-social/hearth/util"
	"github.com/hearth-social/hearth/wire"
)

var ErrUntrustedSender = fmt.Errorf("author is not trusted")

var ErrMissingPayload = fmt.Errorf("no data sent")

// IncomingAttachment is one blob arriving with an inbound create.
type IncomingAttachment struct {
	Name        string
	ContentType string
	Data        io.Reader
}

type Gate struct {
	trust      *trust.Registry
	store      *contentstore.Store
	activities *activity.Log

	// serializes inbound applies per (authorKey, createdAt) so duplicate
	// detection and no-op deletes are race-free; different keys proceed
	// in parallel
	keyLocks *util.KeyedLocker

	log *slog.Logger
}

func NewGate(reg *trust.Registry, store *contentstore.Store, alog *activity.Log) *Gate {
	return &Gate{
		trust:      reg,
		store:      store,
		activities: alog,
		keyLocks:   util.NewKeyedLocker(),
		log:        slog.Default().With("system", "gate"),
	}
}

// ReceiveCreate applies an inbound create. A create whose
// (authorKey, createdAt, kind) triple is already stored is a duplicate:
// it is accepted and skipped, with no second item and no second activity
// record. Returns the stored item and whether this call created it.
func (g *Gate) ReceiveCreate(ctx context.Context, kind models.Kind, env *wire.Envelope, atts []IncomingAttachment) (*models.ContentItem, bool, error) {
	if env == nil || env.AuthorKey == "" || env.Date == "" {
		return nil, false, ErrMissingPayload
	}

	if err := g.requireTrusted(ctx, env.AuthorKey); err != nil {
		return nil, false, err
	}

	item, err := contentstore.ItemFromEnvelope(kind, env)
	if err != nil {
		return nil, false, ErrMissingPayload
	}

	unlock := g.keyLocks.Lock(applyKey(env.AuthorKey, item.CreatedAt))
	defer unlock()

	existing, err := g.store.GetByDedupKey(ctx, item.AuthorKey, item.CreatedAt, kind)
	if err == nil {
		inboundEvents.WithLabelValues(string(kind), "duplicate").Inc()
		g.log.Debug("duplicate inbound create skipped", "author", item.AuthorKey, "kind", kind, "date", env.Date)
		return existing, false, nil
	}
	if !errors.Is(err, contentstore.ErrNotFound) {
		return nil, false, err
	}

	if err := g.store.Create(ctx, item); err != nil {
		return nil, false, err
	}

	for _, att := range atts {
		if _, err := g.store.PutAttachment(ctx, item, att.Name, att.ContentType, att.Data); err != nil {
			g.discard(ctx, item)
			return nil, false, fmt.Errorf("storing inbound attachment: %w", err)
		}
	}

	rec := &models.ActivityRecord{
		AuthorKey: item.AuthorKey,
		Author:    item.Author,
		Verb:      models.VerbPublishes,
		DocType:   kind,
		DocID:     item.ID,
		DocDate:   item.CreatedAt,
		Method:    "POST",
		IsMine:    false,
	}
	if err := g.activities.Append(ctx, rec); err != nil {
		g.discard(ctx, item)
		return nil, false, err
	}

	inboundEvents.WithLabelValues(string(kind), "created").Inc()
	g.log.Info("inbound item created", "author", item.AuthorKey, "kind", kind, "doc", item.ID)
	return item, true, nil
}

// ReceiveDelete applies an inbound delete. Deleting a document that is not
// stored succeeds as a no-op: the delete may have outrun its create under
// network reordering, and converging matters more than complaining. No
// tombstone is kept, so a create applying afterwards will recreate the
// item. Returns whether an item was actually removed.
func (g *Gate) ReceiveDelete(ctx context.Context, kind models.Kind, env *wire.Envelope) (bool, error) {
	if env == nil || env.AuthorKey == "" || env.Date == "" {
		return false, ErrMissingPayload
	}

	if err := g.requireTrusted(ctx, env.AuthorKey); err != nil {
		return false, err
	}

	createdAt, err := env.CreatedAt()
	if err != nil {
		return false, ErrMissingPayload
	}

	unlock := g.keyLocks.Lock(applyKey(env.AuthorKey, createdAt))
	defer unlock()

	item, err := g.store.GetByDedupKey(ctx, env.AuthorKey, createdAt, kind)
	if errors.Is(err, contentstore.ErrNotFound) {
		inboundEvents.WithLabelValues(string(kind), "delete_noop").Inc()
		g.log.Debug("inbound delete for unknown item, treated as applied", "author", env.AuthorKey, "kind", kind, "date", env.Date)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := g.store.Delete(ctx, item); err != nil {
		return false, err
	}

	rec := &models.ActivityRecord{
		AuthorKey: item.AuthorKey,
		Author:    item.Author,
		Verb:      models.VerbDeletes,
		DocType:   kind,
		DocID:     item.ID,
		DocDate:   item.CreatedAt,
		Method:    "PUT",
		IsMine:    false,
	}
	if err := g.activities.Append(ctx, rec); err != nil {
		return false, err
	}

	inboundEvents.WithLabelValues(string(kind), "deleted").Inc()
	g.log.Info("inbound item deleted", "author", item.AuthorKey, "kind", kind, "doc", item.ID)
	return true, nil
}

// ReceiveProfile applies an inbound profile modification from a trusted
// peer, refreshing the peer's declared fields and recording the event.
func (g *Gate) ReceiveProfile(ctx context.Context, env *wire.Envelope) (*models.Peer, error) {
	if env == nil || env.AuthorKey == "" {
		return nil, ErrMissingPayload
	}

	if err := g.requireTrusted(ctx, env.AuthorKey); err != nil {
		return nil, err
	}

	peer, err := g.trust.UpdateProfile(ctx, env.AuthorKey, env.Name, env.URL, env.Description)
	if err != nil {
		return nil, err
	}

	rec := &models.ActivityRecord{
		AuthorKey: peer.Key,
		Author:    peer.Name,
		Verb:      models.VerbModifies,
		DocType:   models.KindProfile,
		DocID:     peer.Key,
		Method:    "PUT",
		IsMine:    false,
	}
	if err := g.activities.Append(ctx, rec); err != nil {
		return nil, err
	}

	inboundEvents.WithLabelValues(string(models.KindProfile), "modified").Inc()
	return peer, nil
}

// discard rolls a half-applied item back out. Without it a failed apply
// would leave a row behind and the sender's retry would be answered as a
// duplicate of something that never fully landed.
func (g *Gate) discard(ctx context.Context, item *models.ContentItem) {
	if err := g.store.Delete(ctx, item); err != nil {
		g.log.Error("failed to discard half-applied item", "doc", item.ID, "err", err)
	}
}

func (g *Gate) requireTrusted(ctx context.Context, authorKey string) error {
	trusted, err := g.trust.IsTrusted(ctx, authorKey)
	if err != nil {
		return err
	}
	if !trusted {
		inboundEvents.WithLabelValues("", "rejected").Inc()
		g.log.Warn("inbound push from untrusted sender rejected", "author", authorKey)
		return ErrUntrustedSender
	}
	return nil
}

func applyKey(authorKey string, createdAt time.Time) string {
	return authorKey + "\x00" + util.FormatTimestamp(createdAt)
}

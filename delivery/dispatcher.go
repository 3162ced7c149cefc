package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hearth-social/hearth/activity"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/trust"
)

// Dispatcher fans a local content event out to every trusted peer. Each
// peer push is independent: one peer failing or timing out never blocks
// the others, and no failure escapes Deliver. Outcomes land on the single
// activity record written for the event.
type Dispatcher struct {
	trust      *trust.Registry
	activities *activity.Log
	pusher     *Pusher

	concurrency int

	log *slog.Logger
}

func NewDispatcher(reg *trust.Registry, alog *activity.Log, pusher *Pusher, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 8
	}

	return &Dispatcher{
		trust:       reg,
		activities:  alog,
		pusher:      pusher,
		concurrency: concurrency,
		log:         slog.Default().With("system", "delivery"),
	}
}

// Deliver records the event and pushes it to the current trusted-peer
// snapshot, returning once every peer attempt has concluded. The returned
// record carries a delivery error entry for exactly the peers whose push
// failed. Transport failures are recorded, never returned; the error
// return covers only the local bookkeeping itself.
func (d *Dispatcher) Deliver(ctx context.Context, item Deliverable, op Op) (*models.ActivityRecord, error) {
	key := item.DedupKey()

	// snapshot first: a failed peer read must not leave a record implying
	// an event that was never fanned out
	peers, err := d.trust.Trusted(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading trusted peers: %w", err)
	}

	rec := &models.ActivityRecord{
		AuthorKey: key.AuthorKey,
		Author:    item.AuthorName(),
		Verb:      op.Verb(),
		DocType:   key.Kind,
		DocID:     item.DocID(),
		DocDate:   key.CreatedAt,
		Method:    op.Method(),
		IsMine:    true,
	}
	if err := d.activities.Append(ctx, rec); err != nil {
		return nil, err
	}

	// plain group, not WithContext: one peer's failure must not cancel
	// the others
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := d.pusher.Push(ctx, peer, op, item); err != nil {
				deliveryOutcomes.WithLabelValues("failed").Inc()
				d.log.Warn("delivery failed", "peer", peer.Key, "doc", rec.DocID, "err", err)

				if merr := d.activities.MarkDeliveryFailed(ctx, rec.ID, &peer, err.Error()); merr != nil {
					d.log.Error("failed to record delivery failure", "activity", rec.ID, "peer", peer.Key, "err", merr)
				}
				return nil
			}

			deliveryOutcomes.WithLabelValues("delivered").Inc()
			return nil
		})
	}
	g.Wait()

	// reload so callers see the aggregated delivery errors
	return d.activities.FindByID(ctx, rec.ID)
}

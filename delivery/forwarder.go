package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/wire"
)

// ProfileForwarder coalesces profile edits into one delivery. Edits tend
// to arrive in bursts while the user fiddles with their page; the first
// edit arms a timer and the delivery fires once when it expires, covering
// everything changed in between. The timer is owned here and cancellable,
// there is no shared in-flight flag.
type ProfileForwarder struct {
	dispatcher *Dispatcher
	source     func(ctx context.Context) (Deliverable, error)
	delay      time.Duration

	mu    sync.Mutex
	timer *time.Timer

	log *slog.Logger
}

func NewProfileForwarder(d *Dispatcher, source func(ctx context.Context) (Deliverable, error), delay time.Duration) *ProfileForwarder {
	return &ProfileForwarder{
		dispatcher: d,
		source:     source,
		delay:      delay,
		log:        slog.Default().With("system", "delivery"),
	}
}

// Schedule notes that the profile changed. If a forwarding is already
// pending this is a no-op; the pending one will pick the change up.
func (f *ProfileForwarder) Schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		return
	}

	f.timer = time.AfterFunc(f.delay, f.fire)
	f.log.Debug("profile forwarding scheduled", "delay", f.delay)
}

// Stop cancels any pending forwarding.
func (f *ProfileForwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *ProfileForwarder) fire() {
	f.mu.Lock()
	f.timer = nil
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	doc, err := f.source(ctx)
	if err != nil {
		f.log.Error("loading profile for forwarding", "err", err)
		return
	}

	if _, err := f.dispatcher.Deliver(ctx, doc, OpUpdate); err != nil {
		f.log.Error("profile forwarding failed", "err", err)
	}
}

// ProfileDoc is the Deliverable for the owner profile. The profile has no
// content-store row; its document date is the moment of the edit being
// forwarded.
type ProfileDoc struct {
	Owner     *models.Owner
	UpdatedAt time.Time
}

func (p *ProfileDoc) DocID() string { return p.Owner.Key }

func (p *ProfileDoc) AuthorName() string { return p.Owner.Name }

func (p *ProfileDoc) DedupKey() DedupKey {
	return DedupKey{
		AuthorKey: p.Owner.Key,
		CreatedAt: p.UpdatedAt,
		Kind:      models.KindProfile,
	}
}

func (p *ProfileDoc) Serialize() ([]byte, error) {
	return wire.ForProfile(p.Owner, p.UpdatedAt).Marshal()
}

func (p *ProfileDoc) Attachments(ctx context.Context) ([]AttachmentData, error) {
	return nil, nil
}

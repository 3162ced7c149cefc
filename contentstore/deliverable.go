package contentstore

import (
	"context"
	"fmt"

	"github.com/hearth-social/hearth/delivery"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
	"github.com/hearth-social/hearth/wire"
)

// Deliverable wraps a stored item in the push capability for its kind.
// Textual kinds (note, post) serialize body fields and carry no blobs;
// blob kinds (picture, file) serialize file metadata and stream their
// attachments from the store.
func (s *Store) Deliverable(ctx context.Context, docID string) (delivery.Deliverable, error) {
	item, err := s.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	return s.Wrap(item)
}

func (s *Store) Wrap(item *models.ContentItem) (delivery.Deliverable, error) {
	base := itemBase{rec: item, store: s}
	switch item.Kind {
	case models.KindNote, models.KindPost:
		return &textItem{base}, nil
	case models.KindPicture, models.KindFile:
		return &blobItem{base}, nil
	default:
		return nil, fmt.Errorf("kind %q is not deliverable", item.Kind)
	}
}

type itemBase struct {
	rec   *models.ContentItem
	store *Store
}

func (b *itemBase) DocID() string { return b.rec.ID }

func (b *itemBase) AuthorName() string { return b.rec.Author }

func (b *itemBase) DedupKey() delivery.DedupKey {
	return delivery.DedupKey{
		AuthorKey: b.rec.AuthorKey,
		CreatedAt: b.rec.CreatedAt,
		Kind:      b.rec.Kind,
	}
}

func (b *itemBase) envelope() *wire.Envelope {
	return &wire.Envelope{
		AuthorKey: b.rec.AuthorKey,
		Author:    b.rec.Author,
		Date:      util.FormatTimestamp(b.rec.CreatedAt),
		DocType:   string(b.rec.Kind),
		Title:     b.rec.Title,
		Tags:      b.rec.Tags,
	}
}

type textItem struct {
	itemBase
}

func (t *textItem) Serialize() ([]byte, error) {
	e := t.envelope()
	e.Content = t.rec.Content
	return e.Marshal()
}

func (t *textItem) Attachments(ctx context.Context) ([]delivery.AttachmentData, error) {
	return nil, nil
}

type blobItem struct {
	itemBase
}

func (b *blobItem) Serialize() ([]byte, error) {
	e := b.envelope()
	e.Path = b.rec.Path
	e.ContentType = b.rec.ContentType
	return e.Marshal()
}

func (b *blobItem) Attachments(ctx context.Context) ([]delivery.AttachmentData, error) {
	var out []delivery.AttachmentData
	for _, att := range b.rec.Attachments {
		meta, rc, err := b.store.OpenAttachment(ctx, b.rec.ID, att.Name)
		if err != nil {
			for _, a := range out {
				a.Data.Close()
			}
			return nil, err
		}
		out = append(out, delivery.AttachmentData{
			Name:        meta.Name,
			ContentType: meta.ContentType,
			Data:        rc,
		})
	}
	return out, nil
}

// ItemFromEnvelope builds the content item an inbound create should
// persist. Author identity is taken from the envelope as-is: the trust
// check on the declared key is the only authorization gate.
func ItemFromEnvelope(kind models.Kind, env *wire.Envelope) (*models.ContentItem, error) {
	createdAt, err := env.CreatedAt()
	if err != nil {
		return nil, err
	}

	item := &models.ContentItem{
		AuthorKey: env.AuthorKey,
		Author:    env.Author,
		CreatedAt: createdAt,
		Kind:      kind,
		Title:     env.Title,
		Tags:      env.Tags,
		IsMine:    false,
	}

	switch kind {
	case models.KindNote, models.KindPost:
		item.Content = env.Content
	case models.KindPicture, models.KindFile:
		item.Path = env.Path
		item.ContentType = env.ContentType
	default:
		return nil, fmt.Errorf("kind %q is not receivable", kind)
	}

	return item, nil
}

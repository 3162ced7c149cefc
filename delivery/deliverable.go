package delivery

import (
	"context"
	"io"
	"time"

	"github.com/hearth-social/hearth/models"
)

// DedupKey identifies one document across the whole peer set: author plus
// second-precision creation date plus kind. It is what inbound duplicate
// detection and delete lookups key on.
type DedupKey struct {
	AuthorKey string
	CreatedAt time.Time
	Kind      models.Kind
}

// AttachmentData is one named blob travelling with a create push. The
// reader is consumed and closed by the pusher.
type AttachmentData struct {
	Name        string
	ContentType string
	Data        io.ReadCloser
}

// Deliverable is the capability a content kind supplies to be pushed to
// peers. The dispatcher and the retry coordinator operate only against
// this interface; they never look inside a document.
type Deliverable interface {
	DocID() string
	AuthorName() string
	DedupKey() DedupKey
	Serialize() ([]byte, error)
	Attachments(ctx context.Context) ([]AttachmentData, error)
}

// ItemSource resurrects a Deliverable from a stored document id, used when
// a failed create delivery is retried later.
type ItemSource interface {
	Deliverable(ctx context.Context, docID string) (Deliverable, error)
}

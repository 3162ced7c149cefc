package models

import (
	"time"

	"gorm.io/gorm"
)

// Kind enumerates the content document types a node exchanges with its
// peers. Each kind maps to its own URL prefix on the wire.
type Kind string

const (
	KindPicture Kind = "picture"
	KindNote    Kind = "note"
	KindPost    Kind = "post"
	KindFile    Kind = "file"
	KindProfile Kind = "profile"
)

// ContentKinds are the kinds a user can create and delete directly. Profile
// is excluded: there is exactly one profile document and it is only ever
// modified, never created or deleted over the wire.
func ContentKinds() []Kind {
	return []Kind{KindPicture, KindNote, KindPost, KindFile}
}

func (k Kind) Valid() bool {
	switch k {
	case KindPicture, KindNote, KindPost, KindFile, KindProfile:
		return true
	}
	return false
}

// Route returns the URL path segment for this kind, eg "pictures".
func (k Kind) Route() string {
	return string(k) + "s"
}

// ContactPath is the peer-facing endpoint content of this kind gets pushed
// to, relative to the peer base URL. Profile updates go through the contacts
// surface instead of a document endpoint.
func (k Kind) ContactPath() string {
	if k == KindProfile {
		return "contacts/update-profile/"
	}
	return k.Route() + "/contact/"
}

// KindFromRoute resolves a URL path segment ("notes") back to its kind.
func KindFromRoute(seg string) (Kind, bool) {
	for _, k := range ContentKinds() {
		if k.Route() == seg {
			return k, true
		}
	}
	return "", false
}

// Peer trust states. A peer becomes usable for delivery only once trusted
// locally, independent of what the remote side thinks of this node.
const (
	PeerStatePending   = "pending"   // remote asked us, we have not answered
	PeerStateRequested = "requested" // we asked the remote, no answer yet
	PeerStateTrusted   = "trusted"
)

// Peer is another node running this software, identified by a stable key
// and a base URL used for HTTP delivery.
type Peer struct {
	gorm.Model
	Key         string `gorm:"uniqueIndex"`
	Name        string
	URL         string
	Description string
	State       string `gorm:"index"`
	Tags        string
}

// Owner is the single local user of this node. The key is generated at
// first boot and is what peers know this node by.
type Owner struct {
	gorm.Model
	Key         string `gorm:"uniqueIndex"`
	Name        string
	URL         string
	Description string
}

// ContentItem is one content document (picture, note, post, shared file).
// The (author_key, created_at, kind) triple is the natural dedup key:
// created_at is second precision and inbound creates carrying an already
// seen triple are skipped.
type ContentItem struct {
	ID          string    `gorm:"primarykey"`
	AuthorKey   string    `gorm:"index:idx_content_dedup,unique"`
	CreatedAt   time.Time `gorm:"index:idx_content_dedup,unique"`
	Kind        Kind      `gorm:"index:idx_content_dedup,unique"`
	Author      string
	Title       string
	Content     string
	Path        string
	ContentType string
	Tags        string
	IsMine      bool `gorm:"index"`

	Attachments []Attachment `gorm:"foreignKey:ContentItemID"`
}

// Attachment indexes one named binary blob belonging to a content item.
// The bytes themselves live on disk under the store's blob directory.
type Attachment struct {
	ID            uint   `gorm:"primarykey"`
	ContentItemID string `gorm:"index"`
	Name          string
	ContentType   string
	Size          int64
}

type Verb string

const (
	VerbPublishes Verb = "publishes"
	VerbModifies  Verb = "modifies"
	VerbDeletes   Verb = "deletes"
)

// ActivityRecord is one append-only audit entry for a local or inbound
// content event. Outstanding per-peer delivery failures hang off it; they
// are the retry work list.
type ActivityRecord struct {
	ID        string    `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	AuthorKey string
	Author    string
	Verb      Verb
	DocType   Kind
	DocID     string
	// DocDate is the dedup timestamp of the subject document. Kept on the
	// record so a deletion can be re-pushed after the document row is gone.
	DocDate time.Time
	Method  string
	IsMine  bool `gorm:"index"`

	Errors []DeliveryError `gorm:"foreignKey:ActivityID"`
}

// DeliveryError records one peer's outstanding failed delivery for an
// activity. Resolved entries are deleted, not kept.
type DeliveryError struct {
	ID         uint      `gorm:"primarykey"`
	ActivityID string    `gorm:"index:idx_delivery_pair,unique"`
	PeerKey    string    `gorm:"index:idx_delivery_pair,unique"`
	PeerName   string
	PeerURL    string
	Reason     string
	UpdatedAt  time.Time
}

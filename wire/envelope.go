// Package wire defines the JSON envelope exchanged between peer nodes.
// Both the outbound pusher and the inbound gate speak exactly this shape;
// the envelope is the only thing a peer gets to assert about a document.
package wire

import (
	"encoding/json"
	"time"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
)

// Envelope carries one content event. Creates fill the kind-specific
// fields; deletes only need AuthorKey and Date, which together identify
// the document on the receiving side.
type Envelope struct {
	AuthorKey string `json:"authorKey"`
	Author    string `json:"author,omitempty"`
	Date      string `json:"date"`
	DocType   string `json:"docType,omitempty"`

	// document fields, present per kind
	Title       string `json:"title,omitempty"`
	Content     string `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Tags        string `json:"tags,omitempty"`

	// profile fields
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreatedAt parses the envelope date into the normalized dedup timestamp.
func (e *Envelope) CreatedAt() (time.Time, error) {
	return util.ParseTimestamp(e.Date)
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ForDelete builds the minimal envelope identifying a document for
// deletion on the remote side.
func ForDelete(authorKey string, createdAt time.Time) *Envelope {
	return &Envelope{
		AuthorKey: authorKey,
		Date:      util.FormatTimestamp(createdAt),
	}
}

// ForProfile builds the envelope pushed when the owner profile changes.
func ForProfile(owner *models.Owner, updatedAt time.Time) *Envelope {
	return &Envelope{
		AuthorKey:   owner.Key,
		Author:      owner.Name,
		Date:        util.FormatTimestamp(updatedAt),
		DocType:     string(models.KindProfile),
		Name:        owner.Name,
		URL:         owner.URL,
		Description: owner.Description,
	}
}

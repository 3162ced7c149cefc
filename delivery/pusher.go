package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/wire"
)

// Op is the operation a push carries.
type Op string

const (
	OpCreate Op = "create"
	OpDelete Op = "delete"
	OpUpdate Op = "update"
)

// Verb maps the operation to the activity verb recorded for it.
func (op Op) Verb() models.Verb {
	switch op {
	case OpDelete:
		return models.VerbDeletes
	case OpUpdate:
		return models.VerbModifies
	default:
		return models.VerbPublishes
	}
}

// Method is the HTTP method the operation travels as. Deletes are
// expressed as PUT carrying the document identity, not as HTTP DELETE.
func (op Op) Method() string {
	if op == OpCreate {
		return http.MethodPost
	}
	return http.MethodPut
}

// Pusher performs one outbound HTTP exchange with one peer. It is shared
// by the fan-out dispatcher and by explicit retries so both produce
// byte-identical requests.
type Pusher struct {
	client *http.Client
	log    *slog.Logger
}

func NewPusher(client *http.Client) *Pusher {
	return &Pusher{
		client: client,
		log:    slog.Default().With("system", "delivery"),
	}
}

// Push sends one operation for one document to one peer. A nil return
// means the peer answered 2xx; anything else is a transport failure whose
// text becomes the recorded reason.
func (p *Pusher) Push(ctx context.Context, peer models.Peer, op Op, d Deliverable) error {
	key := d.DedupKey()
	endpoint := peerEndpoint(peer.URL, key.Kind)

	var body io.Reader
	contentType := "application/json"

	switch op {
	case OpDelete:
		b, err := wire.ForDelete(key.AuthorKey, key.CreatedAt).Marshal()
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	case OpCreate:
		b, err := d.Serialize()
		if err != nil {
			return fmt.Errorf("serializing document: %w", err)
		}

		atts, err := d.Attachments(ctx)
		if err != nil {
			return fmt.Errorf("reading attachments: %w", err)
		}

		if len(atts) == 0 {
			body = bytes.NewReader(b)
		} else {
			buf, mpType, err := buildMultipart(string(key.Kind), b, atts)
			if err != nil {
				return err
			}
			body = buf
			contentType = mpType
		}
	case OpUpdate:
		b, err := d.Serialize()
		if err != nil {
			return fmt.Errorf("serializing document: %w", err)
		}
		body = bytes.NewReader(b)
	default:
		return fmt.Errorf("unknown push operation %q", op)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method(), endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", peer.Key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("peer %s returned status %d", peer.Key, resp.StatusCode)
	}

	p.log.Debug("push delivered", "peer", peer.Key, "op", op, "kind", key.Kind)
	return nil
}

// buildMultipart assembles the create payload: a "json" field with the
// envelope plus one file part per attachment, the parts named after the
// document kind.
func buildMultipart(fieldName string, envelope []byte, atts []AttachmentData) (*bytes.Buffer, string, error) {
	defer func() {
		for _, att := range atts {
			att.Data.Close()
		}
	}()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("json", string(envelope)); err != nil {
		return nil, "", err
	}

	for _, att := range atts {
		fw, err := w.CreateFormFile(fieldName, att.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, att.Data); err != nil {
			return nil, "", fmt.Errorf("copying attachment %q: %w", att.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

func peerEndpoint(baseURL string, kind models.Kind) string {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + kind.ContactPath()
}

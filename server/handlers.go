package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hearth-social/hearth/activity"
	"github.com/hearth-social/hearth/contentstore"
	"github.com/hearth-social/hearth/delivery"
	"github.com/hearth-social/hearth/gate"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
	"github.com/hearth-social/hearth/wire"
)

type apiMessage struct {
	Message string `json:"message"`
}

const maxInboundBody = 32 << 20

// decodeInbound extracts the envelope and any attachments from a peer
// push: multipart form with a "json" field for creates carrying blobs,
// bare JSON body otherwise.
func decodeInbound(c echo.Context) (*wire.Envelope, []gate.IncomingAttachment, func(), error) {
	noop := func() {}

	mediaType, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if mediaType == "multipart/form-data" {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, nil, noop, gate.ErrMissingPayload
		}

		vals := form.Value["json"]
		if len(vals) == 0 {
			return nil, nil, noop, gate.ErrMissingPayload
		}
		env, err := wire.Unmarshal([]byte(vals[0]))
		if err != nil {
			return nil, nil, noop, gate.ErrMissingPayload
		}

		var atts []gate.IncomingAttachment
		var closers []io.Closer
		cleanup := func() {
			for _, cl := range closers {
				cl.Close()
			}
		}

		for _, headers := range form.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					cleanup()
					return nil, nil, noop, err
				}
				closers = append(closers, f)
				atts = append(atts, gate.IncomingAttachment{
					Name:        fh.Filename,
					ContentType: fh.Header.Get(echo.HeaderContentType),
					Data:        f,
				})
			}
		}

		return env, atts, cleanup, nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboundBody))
	if err != nil || len(body) == 0 {
		return nil, nil, noop, gate.ErrMissingPayload
	}

	env, err := wire.Unmarshal(body)
	if err != nil {
		return nil, nil, noop, gate.ErrMissingPayload
	}
	return env, nil, noop, nil
}

// inboundError maps gate errors to the peer-facing response contract.
func inboundError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, gate.ErrUntrustedSender):
		return c.JSON(http.StatusBadRequest, apiMessage{"Author is not trusted."})
	case errors.Is(err, gate.ErrMissingPayload):
		return c.JSON(http.StatusMethodNotAllowed, apiMessage{"No data sent."})
	default:
		return err
	}
}

func (s *Server) makeInboundCreateHandler(kind models.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		env, atts, cleanup, err := decodeInbound(c)
		if err != nil {
			return inboundError(c, err)
		}
		defer cleanup()

		if _, _, err := s.gate.ReceiveCreate(ctx, kind, env, atts); err != nil {
			return inboundError(c, err)
		}

		return c.JSON(http.StatusCreated, apiMessage{"Creation succeeds."})
	}
}

func (s *Server) makeInboundDeleteHandler(kind models.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		env, _, cleanup, err := decodeInbound(c)
		if err != nil {
			return inboundError(c, err)
		}
		defer cleanup()

		if _, err := s.gate.ReceiveDelete(ctx, kind, env); err != nil {
			return inboundError(c, err)
		}

		return c.JSON(http.StatusOK, apiMessage{"Deletion succeeds."})
	}
}

type createItemRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Tags    string `json:"tags"`
}

// makeCreateHandler builds the owner-facing create endpoint for one kind.
// Text kinds take a JSON body; blob kinds take a multipart form with a
// "file" part. The item is stored first and then fanned out to every
// trusted peer; delivery failures land on the activity record, not on the
// response status.
func (s *Server) makeCreateHandler(kind models.Kind) echo.HandlerFunc {
	blobKind := kind == models.KindPicture || kind == models.KindFile

	return func(c echo.Context) error {
		ctx := c.Request().Context()

		owner, err := s.owner(ctx)
		if err != nil {
			return err
		}

		item := &models.ContentItem{
			AuthorKey: owner.Key,
			Author:    owner.Name,
			Kind:      kind,
			IsMine:    true,
		}

		var blob io.ReadCloser
		if blobKind {
			fh, err := c.FormFile("file")
			if err != nil {
				return c.JSON(http.StatusBadRequest, apiMessage{"No data sent."})
			}
			f, err := fh.Open()
			if err != nil {
				return err
			}
			blob = f

			item.Title = c.FormValue("title")
			item.Tags = c.FormValue("tags")
			item.Path = fh.Filename
			item.ContentType = fh.Header.Get(echo.HeaderContentType)
		} else {
			var req createItemRequest
			if err := c.Bind(&req); err != nil || (req.Title == "" && req.Content == "") {
				return c.JSON(http.StatusBadRequest, apiMessage{"No data sent."})
			}
			item.Title = req.Title
			item.Content = req.Content
			item.Tags = req.Tags
		}

		if err := s.store.Create(ctx, item); err != nil {
			if blob != nil {
				blob.Close()
			}
			if errors.Is(err, contentstore.ErrDuplicate) {
				return c.JSON(http.StatusConflict, apiMessage{"Same document was already posted."})
			}
			return err
		}

		if blob != nil {
			att, err := s.store.PutAttachment(ctx, item, item.Path, item.ContentType, blob)
			blob.Close()
			if err != nil {
				return err
			}
			item.Attachments = append(item.Attachments, *att)
		}

		doc, err := s.store.Wrap(item)
		if err != nil {
			return err
		}

		rec, err := s.dispatcher.Deliver(ctx, doc, delivery.OpCreate)
		if err != nil {
			return err
		}

		return c.JSON(http.StatusCreated, echo.Map{
			"item":     item,
			"activity": rec,
		})
	}
}

func (s *Server) handleGetItem(c echo.Context) error {
	item, err := s.store.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, contentstore.ErrNotFound) {
		return c.JSON(http.StatusNotFound, apiMessage{"Item not found."})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

// handleDeleteItem removes an item. Only the owner's own items are
// propagated to peers; deleting a copy received from a peer stays local.
func (s *Server) handleDeleteItem(c echo.Context) error {
	ctx := c.Request().Context()

	item, err := s.store.GetByID(ctx, c.Param("id"))
	if errors.Is(err, contentstore.ErrNotFound) {
		return c.JSON(http.StatusNotFound, apiMessage{"Item not found."})
	}
	if err != nil {
		return err
	}

	doc, err := s.store.Wrap(item)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, item); err != nil {
		return err
	}

	if item.IsMine {
		if _, err := s.dispatcher.Deliver(ctx, doc, delivery.OpDelete); err != nil {
			return err
		}
	}

	return c.JSON(http.StatusOK, apiMessage{"Deletion succeeds."})
}

func (s *Server) handleGetAttachment(c echo.Context) error {
	att, rc, err := s.store.OpenAttachment(c.Request().Context(), c.Param("id"), c.Param("name"))
	if errors.Is(err, contentstore.ErrAttachmentNotFound) {
		return c.JSON(http.StatusNotFound, apiMessage{"Attachment not found."})
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	return c.Stream(http.StatusOK, att.ContentType, rc)
}

func (s *Server) makeListHandler(kind models.Kind, mineOnly bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		before, limit, err := pageParams(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, apiMessage{"Invalid cursor."})
		}

		items, err := s.store.List(c.Request().Context(), kind, mineOnly, before, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, echo.Map{"rows": items})
	}
}

func (s *Server) makeActivitiesHandler(scope activity.Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		before, limit, err := pageParams(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, apiMessage{"Invalid cursor."})
		}

		recs, err := s.activities.ListPending(c.Request().Context(), scope, before, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, echo.Map{"rows": recs})
	}
}

type retryRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleRetry(c echo.Context) error {
	var req retryRequest
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return c.JSON(http.StatusBadRequest, apiMessage{"No data sent."})
	}

	err := s.retrier.Retry(c.Request().Context(), c.Param("id"), req.Key)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, apiMessage{"Delivery resolved."})
	case errors.Is(err, activity.ErrNotFound):
		return c.JSON(http.StatusNotFound, apiMessage{"Activity not found."})
	case errors.Is(err, delivery.ErrNotRetryable):
		return c.JSON(http.StatusBadRequest, apiMessage{"Nothing to retry for this peer."})
	case errors.Is(err, delivery.ErrPeerNotTrusted):
		return c.JSON(http.StatusBadRequest, apiMessage{"Peer is not trusted."})
	default:
		return c.JSON(http.StatusBadGateway, apiMessage{err.Error()})
	}
}

func (s *Server) handleGetOwner(c echo.Context) error {
	owner, err := s.owner(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, owner)
}

type updateOwnerRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// handleUpdateOwner edits the owner profile and schedules a coalesced
// forwarding to peers instead of pushing on every keystroke.
func (s *Server) handleUpdateOwner(c echo.Context) error {
	ctx := c.Request().Context()

	var req updateOwnerRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return c.JSON(http.StatusBadRequest, apiMessage{"No data sent."})
	}

	owner, err := s.owner(ctx)
	if err != nil {
		return err
	}

	owner.Name = req.Name
	owner.URL = req.URL
	owner.Description = req.Description
	if err := s.db.WithContext(ctx).Save(owner).Error; err != nil {
		return err
	}

	s.forwarder.Schedule()

	return c.JSON(http.StatusOK, apiMessage{"User successfully modified."})
}

func pageParams(c echo.Context) (time.Time, int, error) {
	var before time.Time
	if v := c.QueryParam("before"); v != "" {
		t, err := util.ParseTimestamp(v)
		if err != nil {
			return time.Time{}, 0, err
		}
		before = t
	}

	limit := 30
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return time.Time{}, 0, errors.New("invalid limit")
		}
		limit = n
	}

	return before, limit, nil
}

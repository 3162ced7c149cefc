package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hearth-social/hearth/gate"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/trust"
	"github.com/hearth-social/hearth/wire"
)

// Contact handshake. Trust is bidirectional-attested: we push our profile
// to the remote's request endpoint, the remote records us as pending and
// answers with its own profile; when its user accepts, it pushes a confirm
// back and both sides end up trusted.

type addContactRequest struct {
	URL string `json:"url"`
}

// handleAddContact starts a handshake with the node at the given base URL.
func (s *Server) handleAddContact(c echo.Context) error {
	ctx := c.Request().Context()

	var req addContactRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return c.JSON(http.StatusBadRequest, apiMessage{"No data sent."})
	}

	remote, err := s.pushProfile(c, req.URL, "contacts/request/")
	if err != nil {
		s.log.Warn("contact request push failed", "url", req.URL, "err", err)
		return c.JSON(http.StatusBadGateway, apiMessage{"Contact request could not be delivered."})
	}
	if remote.AuthorKey == "" {
		return c.JSON(http.StatusBadGateway, apiMessage{"Contact did not identify itself."})
	}

	peer := &models.Peer{
		Key:         remote.AuthorKey,
		Name:        remote.Name,
		URL:         normalizeBaseURL(remote.URL, req.URL),
		Description: remote.Description,
	}
	if err := s.trustreg.Request(ctx, peer); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, peer)
}

// handleInboundContactRequest records a handshake initiated by a remote
// node and answers with the owner profile so the remote learns our key.
func (s *Server) handleInboundContactRequest(c echo.Context) error {
	ctx := c.Request().Context()

	env, _, cleanup, err := decodeInbound(c)
	if err != nil {
		return inboundError(c, err)
	}
	defer cleanup()

	if env.AuthorKey == "" || env.URL == "" {
		return c.JSON(http.StatusMethodNotAllowed, apiMessage{"No data sent."})
	}

	peer := &models.Peer{
		Key:         env.AuthorKey,
		Name:        env.Name,
		URL:         normalizeBaseURL(env.URL, ""),
		Description: env.Description,
	}
	if err := s.trustreg.RecordInbound(ctx, peer); err != nil {
		return err
	}

	owner, err := s.owner(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wire.ForProfile(owner, owner.UpdatedAt))
}

// handleAcceptContact is the local user approving a pending peer: the
// confirm is pushed to the remote first, and only a delivered confirm
// flips the peer to trusted.
func (s *Server) handleAcceptContact(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	peer, err := s.trustreg.Resolve(ctx, key)
	if errors.Is(err, trust.ErrPeerUnknown) {
		return c.JSON(http.StatusNotFound, apiMessage{"Contact not found."})
	}
	if err != nil {
		return err
	}
	if peer.State != models.PeerStatePending {
		return c.JSON(http.StatusBadRequest, apiMessage{"Contact is not pending."})
	}

	if _, err := s.pushProfile(c, peer.URL, "contacts/confirm/"); err != nil {
		s.log.Warn("contact confirm push failed", "peer", key, "err", err)
		return c.JSON(http.StatusBadGateway, apiMessage{"Confirmation could not be delivered."})
	}

	if _, err := s.trustreg.Accept(ctx, key); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apiMessage{"Contact trusted."})
}

// handleInboundContactConfirm completes a handshake this node initiated.
func (s *Server) handleInboundContactConfirm(c echo.Context) error {
	ctx := c.Request().Context()

	env, _, cleanup, err := decodeInbound(c)
	if err != nil {
		return inboundError(c, err)
	}
	defer cleanup()

	if env.AuthorKey == "" {
		return c.JSON(http.StatusMethodNotAllowed, apiMessage{"No data sent."})
	}

	if _, err := s.trustreg.Confirm(ctx, env.AuthorKey); err != nil {
		if errors.Is(err, trust.ErrPeerUnknown) {
			return c.JSON(http.StatusBadRequest, apiMessage{"Contact not found."})
		}
		return c.JSON(http.StatusBadRequest, apiMessage{"Contact is not awaiting confirmation."})
	}

	return c.JSON(http.StatusOK, apiMessage{"Contact trusted."})
}

func (s *Server) handleRevokeContact(c echo.Context) error {
	err := s.trustreg.Revoke(c.Request().Context(), c.Param("key"))
	if errors.Is(err, trust.ErrPeerUnknown) {
		return c.JSON(http.StatusNotFound, apiMessage{"Contact not found."})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiMessage{"Contact removed."})
}

func (s *Server) handleListContacts(c echo.Context) error {
	peers, err := s.trustreg.All(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"rows": peers})
}

func (s *Server) makeListContactsHandler(state string) echo.HandlerFunc {
	return func(c echo.Context) error {
		peers, err := s.trustreg.ByState(c.Request().Context(), state)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, echo.Map{"rows": peers})
	}
}

// handleInboundProfileUpdate applies a trusted peer's profile change.
func (s *Server) handleInboundProfileUpdate(c echo.Context) error {
	ctx := c.Request().Context()

	env, _, cleanup, err := decodeInbound(c)
	if err != nil {
		return inboundError(c, err)
	}
	defer cleanup()

	if _, err := s.gate.ReceiveProfile(ctx, env); err != nil {
		if errors.Is(err, gate.ErrUntrustedSender) || errors.Is(err, gate.ErrMissingPayload) {
			return inboundError(c, err)
		}
		return err
	}

	return c.JSON(http.StatusOK, apiMessage{"Modification succeeds."})
}

// pushProfile sends the owner profile to one handshake endpoint of a
// remote node and returns whatever profile the remote answered with.
func (s *Server) pushProfile(c echo.Context, baseURL, path string) (*wire.Envelope, error) {
	ctx := c.Request().Context()

	owner, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}

	body, err := wire.ForProfile(owner, owner.UpdatedAt).Marshal()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalizeBaseURL(baseURL, "")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxInboundBody))
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return &wire.Envelope{}, nil
	}

	env, err := wire.Unmarshal(respBody)
	if err != nil {
		return &wire.Envelope{}, nil
	}
	return env, nil
}

func normalizeBaseURL(url, fallback string) string {
	if url == "" {
		url = fallback
	}
	if url != "" && !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url
}

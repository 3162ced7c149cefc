package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util"
	"github.com/hearth-social/hearth/util/cliutil"
	"github.com/hearth-social/hearth/wire"
)

type testNode struct {
	srv  *Server
	base string
}

func startNode(t *testing.T, name string) *testNode {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	srv, err := NewServer(db, Config{
		OwnerName:           name,
		BlobDir:             t.TempDir(),
		DeliveryTimeout:     2 * time.Second,
		DeliveryWorkers:     4,
		ProfileForwardDelay: time.Hour,
	})
	require.NoError(t, err)

	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.RunAPIWithListener(li)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	n := &testNode{srv: srv, base: "http://" + li.Addr().String()}

	require.Eventually(t, func() bool {
		resp, err := http.Get(n.base + "/_health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	// peers reach this node at its listen address
	ctx := context.Background()
	owner, err := srv.owner(ctx)
	require.NoError(t, err)
	owner.URL = n.base + "/"
	require.NoError(t, srv.db.WithContext(ctx).Save(owner).Error)

	return n
}

func (n *testNode) ownerKey(t *testing.T) string {
	t.Helper()

	owner, err := n.srv.owner(context.Background())
	require.NoError(t, err)
	return owner.Key
}

func (n *testNode) trustPeer(t *testing.T, key, url string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, n.srv.trustreg.RecordInbound(ctx, &models.Peer{Key: key, Name: key, URL: url}))
	_, err := n.srv.trustreg.Accept(ctx, key)
	require.NoError(t, err)
}

func doJSON(t *testing.T, method, url string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestInboundCreateContract(t *testing.T) {
	n := startNode(t, "carol")
	n.trustPeer(t, "peer-a", "http://peer-a.example/")

	env := &wire.Envelope{
		AuthorKey: "peer-a",
		Author:    "alice",
		Date:      "2026-05-01T09:00:00Z",
		Title:     "hi",
		Content:   "first post",
	}

	status, body := doJSON(t, http.MethodPost, n.base+"/notes/contact/", env)
	assert.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, `{"message":"Creation succeeds."}`, string(body))

	// a peer retrying the same push gets the same answer, not a duplicate
	status, body = doJSON(t, http.MethodPost, n.base+"/notes/contact/", env)
	assert.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, `{"message":"Creation succeeds."}`, string(body))

	items, err := n.srv.store.List(context.Background(), models.KindNote, false, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestInboundCreateRejectsUntrustedSender(t *testing.T) {
	n := startNode(t, "carol")

	env := &wire.Envelope{
		AuthorKey: "stranger",
		Date:      "2026-05-01T09:00:00Z",
		Content:   "let me in",
	}

	status, body := doJSON(t, http.MethodPost, n.base+"/notes/contact/", env)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"message":"Author is not trusted."}`, string(body))
}

func TestInboundCreateRejectsEmptyBody(t *testing.T) {
	n := startNode(t, "carol")

	status, body := doJSON(t, http.MethodPost, n.base+"/notes/contact/", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.JSONEq(t, `{"message":"No data sent."}`, string(body))
}

func TestInboundDeleteContract(t *testing.T) {
	n := startNode(t, "carol")
	n.trustPeer(t, "peer-a", "http://peer-a.example/")

	env := &wire.Envelope{
		AuthorKey: "peer-a",
		Author:    "alice",
		Date:      "2026-05-01T09:00:00Z",
		Content:   "short lived",
	}
	status, _ := doJSON(t, http.MethodPost, n.base+"/notes/contact/", env)
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, http.MethodPut, n.base+"/notes/contact/", wire.ForDelete("peer-a", mustParse(t, env.Date)))
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"Deletion succeeds."}`, string(body))

	items, err := n.srv.store.List(context.Background(), models.KindNote, false, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLocalNoteLifecycle(t *testing.T) {
	n := startNode(t, "carol")

	status, body := doJSON(t, http.MethodPost, n.base+"/notes/", map[string]string{
		"title":   "my note",
		"content": "written locally",
	})
	require.Equal(t, http.StatusCreated, status)

	var created struct {
		Item     models.ContentItem    `json:"item"`
		Activity models.ActivityRecord `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.Item.IsMine)
	assert.Equal(t, models.VerbPublishes, created.Activity.Verb)
	assert.Empty(t, created.Activity.Errors)

	status, body = doJSON(t, http.MethodGet, n.base+"/notes/"+created.Item.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "written locally")

	status, _ = doJSON(t, http.MethodGet, n.base+"/notes/mine/", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, http.MethodDelete, n.base+"/notes/"+created.Item.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"Deletion succeeds."}`, string(body))

	status, _ = doJSON(t, http.MethodGet, n.base+"/notes/"+created.Item.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLocalCreateSameSecondIsConflict(t *testing.T) {
	n := startNode(t, "carol")

	// posts land seconds apart at most once per boundary crossing, so a
	// short burst is guaranteed to put two in the same second
	for i := 0; i < 6; i++ {
		status, body := doJSON(t, http.MethodPost, n.base+"/notes/", map[string]string{
			"title": "twin", "content": fmt.Sprintf("copy %d", i),
		})
		if status == http.StatusConflict {
			assert.JSONEq(t, `{"message":"Same document was already posted."}`, string(body))
			return
		}
		require.Equal(t, http.StatusCreated, status)
	}
	t.Fatal("same-second create pair never collided")
}

func TestRetryEndpoint(t *testing.T) {
	n := startNode(t, "carol")

	// a trusted peer that is unreachable, so the fan-out records a failure
	n.trustPeer(t, "p-down", "http://127.0.0.1:1/")

	status, body := doJSON(t, http.MethodPost, n.base+"/notes/", map[string]string{
		"title": "undeliverable", "content": "x",
	})
	require.Equal(t, http.StatusCreated, status)

	var created struct {
		Activity models.ActivityRecord `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.Len(t, created.Activity.Errors, 1)
	actID := created.Activity.ID

	// still down: the retry fails upstream and reports it
	status, _ = doJSON(t, http.MethodPost, n.base+"/activities/"+actID+"/retry/", map[string]string{"key": "p-down"})
	assert.Equal(t, http.StatusBadGateway, status)

	// no failure recorded for this peer
	status, body = doJSON(t, http.MethodPost, n.base+"/activities/"+actID+"/retry/", map[string]string{"key": "p-other"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"message":"Nothing to retry for this peer."}`, string(body))

	status, _ = doJSON(t, http.MethodPost, n.base+"/activities/missing/retry/", map[string]string{"key": "p-down"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestActivitiesFeed(t *testing.T) {
	n := startNode(t, "carol")

	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, http.MethodPost, n.base+"/notes/", map[string]string{
			"title": fmt.Sprintf("note %d", i), "content": "x",
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doJSON(t, http.MethodGet, n.base+"/activities/?limit=2", nil)
	require.Equal(t, http.StatusOK, status)

	var feed struct {
		Rows []models.ActivityRecord `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(body, &feed))
	assert.Len(t, feed.Rows, 2)

	status, _ = doJSON(t, http.MethodGet, n.base+"/activities/?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOwnerProfileEndpoints(t *testing.T) {
	n := startNode(t, "carol")

	status, body := doJSON(t, http.MethodGet, n.base+"/user/", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "carol")

	status, body = doJSON(t, http.MethodPut, n.base+"/user/", map[string]string{
		"name": "carol renamed",
		"url":  n.base + "/",
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"User successfully modified."}`, string(body))

	owner, err := n.srv.owner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "carol renamed", owner.Name)

	status, _ = doJSON(t, http.MethodPut, n.base+"/user/", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestContactHandshakeBetweenTwoNodes(t *testing.T) {
	a := startNode(t, "alice")
	b := startNode(t, "bob")

	keyA := a.ownerKey(t)
	keyB := b.ownerKey(t)

	// alice asks bob: she learns his key from the response and waits
	status, body := doJSON(t, http.MethodPost, a.base+"/contacts/", map[string]string{"url": b.base + "/"})
	require.Equal(t, http.StatusCreated, status, string(body))

	peerOnA, err := a.srv.trustreg.Resolve(context.Background(), keyB)
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateRequested, peerOnA.State)

	peerOnB, err := b.srv.trustreg.Resolve(context.Background(), keyA)
	require.NoError(t, err)
	assert.Equal(t, models.PeerStatePending, peerOnB.State)

	// bob accepts: his confirm push flips both sides to trusted
	status, body = doJSON(t, http.MethodPost, b.base+"/contacts/"+keyA+"/accept/", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	peerOnA, err = a.srv.trustreg.Resolve(context.Background(), keyB)
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateTrusted, peerOnA.State)

	peerOnB, err = b.srv.trustreg.Resolve(context.Background(), keyA)
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateTrusted, peerOnB.State)

	// content now flows: a note created on alice lands on bob
	status, body = doJSON(t, http.MethodPost, a.base+"/notes/", map[string]string{
		"title": "hello bob", "content": "we are connected",
	})
	require.Equal(t, http.StatusCreated, status)

	var created struct {
		Activity models.ActivityRecord `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Empty(t, created.Activity.Errors)

	items, err := b.srv.store.List(context.Background(), models.KindNote, false, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello bob", items[0].Title)
	assert.Equal(t, keyA, items[0].AuthorKey)
	assert.False(t, items[0].IsMine)
}

func TestAcceptUnknownContact(t *testing.T) {
	n := startNode(t, "carol")

	status, _ := doJSON(t, http.MethodPost, n.base+"/contacts/nobody/accept/", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRevokeContact(t *testing.T) {
	n := startNode(t, "carol")
	n.trustPeer(t, "peer-a", "http://peer-a.example/")

	status, body := doJSON(t, http.MethodDelete, n.base+"/contacts/peer-a", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"Contact removed."}`, string(body))

	status, _ = doJSON(t, http.MethodDelete, n.base+"/contacts/peer-a", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthCheck(t *testing.T) {
	n := startNode(t, "carol")

	status, body := doJSON(t, http.MethodGet, n.base+"/_health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()

	ts, err := util.ParseTimestamp(s)
	require.NoError(t, err)
	return ts
}

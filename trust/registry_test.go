package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util/cliutil"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	reg, err := NewRegistry(db)
	require.NoError(t, err)
	return reg
}

func TestResolveUnknown(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrPeerUnknown)

	trusted, err := reg.IsTrusted(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestRemoteInitiatedHandshake(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	// remote pushes a request: it lands pending
	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{
		Key:  "peer-a",
		Name: "alice",
		URL:  "http://alice.example/",
	}))

	peer, err := reg.Resolve(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, models.PeerStatePending, peer.State)

	trusted, err := reg.IsTrusted(ctx, "peer-a")
	require.NoError(t, err)
	assert.False(t, trusted)

	// local user accepts
	peer, err = reg.Accept(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateTrusted, peer.State)

	trusted, err = reg.IsTrusted(ctx, "peer-a")
	require.NoError(t, err)
	assert.True(t, trusted)

	// accepting again is an invalid transition
	_, err = reg.Accept(ctx, "peer-a")
	assert.Error(t, err)
}

func TestLocalInitiatedHandshake(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Request(ctx, &models.Peer{
		Key: "peer-b",
		URL: "http://bob.example/",
	}))

	peer, err := reg.Resolve(ctx, "peer-b")
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateRequested, peer.State)

	// remote confirms
	peer, err = reg.Confirm(ctx, "peer-b")
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateTrusted, peer.State)

	// confirming a peer that never asked fails
	_, err = reg.Confirm(ctx, "peer-x")
	assert.ErrorIs(t, err, ErrPeerUnknown)
}

func TestTrustedSnapshot(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{Key: "p1", URL: "http://p1/"}))
	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{Key: "p2", URL: "http://p2/"}))
	_, err := reg.Accept(ctx, "p1")
	require.NoError(t, err)

	peers, err := reg.Trusted(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "p1", peers[0].Key)
}

func TestRecordInboundRefreshesKnownPeer(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{Key: "p1", Name: "old", URL: "http://p1/"}))
	_, err := reg.Accept(ctx, "p1")
	require.NoError(t, err)

	// a second request from an already trusted peer must not downgrade it
	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{Key: "p1", Name: "new", URL: "http://p1.new/"}))

	peer, err := reg.Resolve(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PeerStateTrusted, peer.State)
	assert.Equal(t, "new", peer.Name)
	assert.Equal(t, "http://p1.new/", peer.URL)
}

func TestRevoke(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RecordInbound(ctx, &models.Peer{Key: "p1", URL: "http://p1/"}))
	require.NoError(t, reg.Revoke(ctx, "p1"))

	_, err := reg.Resolve(ctx, "p1")
	assert.ErrorIs(t, err, ErrPeerUnknown)

	assert.ErrorIs(t, reg.Revoke(ctx, "p1"), ErrPeerUnknown)
}

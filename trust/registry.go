// Package trust owns the peer table and its state machine. A peer moves
// pending -> trusted when the local user accepts a remote request, or
// requested -> trusted when the remote confirms one of ours. Only trusted
// peers are eligible for delivery and inbound acceptance.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/hearth-social/hearth/models"
)

var ErrPeerUnknown = fmt.Errorf("peer unknown")

type Registry struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewRegistry(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&models.Peer{}); err != nil {
		return nil, err
	}

	return &Registry{
		db:  db,
		log: slog.Default().With("system", "trust"),
	}, nil
}

// Trusted returns the current snapshot of trusted peers. Callers treat it
// as an unordered set; trust changes after the snapshot is taken are not
// reflected in an in-flight delivery.
func (r *Registry) Trusted(ctx context.Context) ([]models.Peer, error) {
	return r.ByState(ctx, models.PeerStateTrusted)
}

func (r *Registry) ByState(ctx context.Context, state string) ([]models.Peer, error) {
	var peers []models.Peer
	if err := r.db.WithContext(ctx).Where("state = ?", state).Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

func (r *Registry) All(ctx context.Context) ([]models.Peer, error) {
	var peers []models.Peer
	if err := r.db.WithContext(ctx).Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

// Resolve returns the peer for a stable key, whatever its state.
func (r *Registry) Resolve(ctx context.Context, key string) (*models.Peer, error) {
	var peer models.Peer
	err := r.db.WithContext(ctx).First(&peer, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPeerUnknown
	}
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

// IsTrusted reports whether key belongs to a currently trusted peer.
func (r *Registry) IsTrusted(ctx context.Context, key string) (bool, error) {
	peer, err := r.Resolve(ctx, key)
	if errors.Is(err, ErrPeerUnknown) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return peer.State == models.PeerStateTrusted, nil
}

// Request records a peer the local user wants to connect to. The outbound
// request push happens at the server boundary; the row starts in state
// requested.
func (r *Registry) Request(ctx context.Context, peer *models.Peer) error {
	peer.State = models.PeerStateRequested
	if err := r.db.WithContext(ctx).Create(peer).Error; err != nil {
		return fmt.Errorf("recording requested peer: %w", err)
	}
	return nil
}

// RecordInbound stores a contact request pushed by a remote node. If the
// peer is already known its profile fields are refreshed and its state is
// kept.
func (r *Registry) RecordInbound(ctx context.Context, peer *models.Peer) error {
	existing, err := r.Resolve(ctx, peer.Key)
	if errors.Is(err, ErrPeerUnknown) {
		peer.State = models.PeerStatePending
		return r.db.WithContext(ctx).Create(peer).Error
	}
	if err != nil {
		return err
	}

	existing.Name = peer.Name
	existing.URL = peer.URL
	existing.Description = peer.Description
	return r.db.WithContext(ctx).Save(existing).Error
}

// Accept moves a pending peer to trusted, the local half of a remote-
// initiated handshake.
func (r *Registry) Accept(ctx context.Context, key string) (*models.Peer, error) {
	return r.transition(ctx, key, models.PeerStatePending, models.PeerStateTrusted)
}

// Confirm moves a requested peer to trusted, completing a handshake this
// node initiated.
func (r *Registry) Confirm(ctx context.Context, key string) (*models.Peer, error) {
	return r.transition(ctx, key, models.PeerStateRequested, models.PeerStateTrusted)
}

func (r *Registry) transition(ctx context.Context, key, from, to string) (*models.Peer, error) {
	peer, err := r.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if peer.State != from {
		return nil, fmt.Errorf("peer %s is %s, expected %s", key, peer.State, from)
	}

	peer.State = to
	if err := r.db.WithContext(ctx).Save(peer).Error; err != nil {
		return nil, err
	}

	r.log.Info("peer state changed", "peer", key, "from", from, "to", to)
	return peer, nil
}

// UpdateProfile refreshes a trusted peer's declared profile fields, used
// when the peer pushes a profile modification.
func (r *Registry) UpdateProfile(ctx context.Context, key, name, url, description string) (*models.Peer, error) {
	peer, err := r.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	peer.Name = name
	peer.URL = url
	peer.Description = description
	if err := r.db.WithContext(ctx).Save(peer).Error; err != nil {
		return nil, err
	}
	return peer, nil
}

// Revoke removes a peer entirely. Already-stored content from the peer is
// kept; only future deliveries and inbound pushes are cut off.
func (r *Registry) Revoke(ctx context.Context, key string) error {
	res := r.db.WithContext(ctx).Where("key = ?", key).Delete(&models.Peer{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPeerUnknown
	}

	r.log.Info("peer revoked", "peer", key)
	return nil
}

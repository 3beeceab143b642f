package usecases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// IdentityResolver finds or creates owners and rooms. Creation races are settled by the
// store's unique constraints: a conflict means another caller won, so the row is re-read.
type IdentityResolver struct {
	owners interfaces.OwnerStore
	rooms  interfaces.RoomStore
}

func NewIdentityResolver(owners interfaces.OwnerStore, rooms interfaces.RoomStore) *IdentityResolver {
	return &IdentityResolver{owners: owners, rooms: rooms}
}

func (r *IdentityResolver) ResolveOwner(ctx context.Context, channelID string, platform entities.Platform) (*entities.Owner, error) {
	if channelID == "" {
		return nil, errors.New("channel id is required")
	}

	owner, err := r.owners.FindByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		return owner, nil
	}

	owner = &entities.Owner{ChannelID: channelID, Platform: platform, Name: channelID}
	err = r.owners.Create(ctx, owner)
	if errors.Is(err, entities.ErrConflict) {
		return r.rereadOwner(ctx, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("create owner %s: %w", channelID, err)
	}
	return owner, nil
}

func (r *IdentityResolver) rereadOwner(ctx context.Context, channelID string) (*entities.Owner, error) {
	owner, err := r.owners.FindByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %s conflicted but cannot be read back", channelID)
	}
	return owner, nil
}

// RegisterChannel resolves the owner of a configured channel and stores its credential.
func (r *IdentityResolver) RegisterChannel(ctx context.Context, channelID string, platform entities.Platform, accessToken string) (*entities.Owner, error) {
	owner, err := r.ResolveOwner(ctx, channelID, platform)
	if err != nil {
		return nil, err
	}
	if accessToken != "" && owner.AccessToken != accessToken {
		if err := r.owners.UpdateCredentials(ctx, owner.ID, accessToken); err != nil {
			return nil, fmt.Errorf("store credentials for %s: %w", channelID, err)
		}
		owner.AccessToken = accessToken
	}
	return owner, nil
}

// FindRoom looks the room up without creating or touching it; nil means unknown.
func (r *IdentityResolver) FindRoom(ctx context.Context, owner *entities.Owner, externalID string) (*entities.Room, error) {
	if externalID == "" {
		return nil, nil
	}
	return r.rooms.FindByExternalID(ctx, owner.ID, externalID)
}

// ResolveRoom returns the owner's room for externalID, creating it when absent, and records
// activity at the given time.
func (r *IdentityResolver) ResolveRoom(ctx context.Context, owner *entities.Owner, externalID, displayName string, roomType entities.RoomType, at time.Time) (*entities.Room, error) {
	if externalID == "" {
		return nil, errors.New("room external id is required")
	}
	if roomType == "" {
		roomType = entities.RoomTypeUser
	}

	room, err := r.rooms.FindByExternalID(ctx, owner.ID, externalID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		room = &entities.Room{
			OwnerID:        owner.ID,
			ExternalID:     externalID,
			DisplayName:    displayName,
			Type:           roomType,
			LastActivityAt: at,
		}
		err = r.rooms.Create(ctx, room)
		if errors.Is(err, entities.ErrConflict) {
			room, err = r.rooms.FindByExternalID(ctx, owner.ID, externalID)
			if err == nil && room == nil {
				err = fmt.Errorf("room %s conflicted but cannot be read back", externalID)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("create room %s: %w", externalID, err)
		}
	}

	touched, err := r.rooms.Touch(ctx, room.ID, displayName, at)
	if err != nil {
		return nil, fmt.Errorf("refresh room %d: %w", room.ID, err)
	}
	return touched, nil
}

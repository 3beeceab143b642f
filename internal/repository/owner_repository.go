package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"project_chatdigest/internal/entities"
)

type OwnerRepository struct {
	db *pgxpool.Pool
}

func NewOwnerRepository(db *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{db: db}
}

const ownerColumns = `id, channel_id, platform, name, access_token, message_count, session_count, summary_count, created_at, updated_at`

func scanOwner(row pgx.Row) (*entities.Owner, error) {
	var o entities.Owner
	err := row.Scan(&o.ID, &o.ChannelID, &o.Platform, &o.Name, &o.AccessToken,
		&o.MessageCount, &o.SessionCount, &o.SummaryCount, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OwnerRepository) FindByChannel(ctx context.Context, channelID string) (*entities.Owner, error) {
	o, err := scanOwner(r.db.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE channel_id = $1`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find owner %s: %w", channelID, err)
	}
	return o, nil
}

func (r *OwnerRepository) GetByID(ctx context.Context, id int64) (*entities.Owner, error) {
	o, err := scanOwner(r.db.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner %d: %w", id, err)
	}
	return o, nil
}

// Create inserts the owner and fills ID and timestamps. entities.ErrConflict when the channel is taken.
func (r *OwnerRepository) Create(ctx context.Context, owner *entities.Owner) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO owners (channel_id, platform, name, access_token)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, owner.ChannelID, owner.Platform, owner.Name, owner.AccessToken).Scan(&owner.ID, &owner.CreatedAt, &owner.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r *OwnerRepository) UpdateCredentials(ctx context.Context, ownerID int64, accessToken string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE owners SET access_token = $2, updated_at = NOW() WHERE id = $1
	`, ownerID, accessToken)
	return err
}

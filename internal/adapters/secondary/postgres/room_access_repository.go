package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/collab-relay/internal/core/ports"
)

// RoomAccessRepository stores which users may join which rooms. A room with
// no rows is open to every user.
type RoomAccessRepository struct {
	pool *pgxpool.Pool
	tx   *TransactionManager
}

var _ ports.AccessStore = (*RoomAccessRepository)(nil)

// NewRoomAccessRepository creates a room access repository
func NewRoomAccessRepository(pool *pgxpool.Pool) *RoomAccessRepository {
	return &RoomAccessRepository{
		pool: pool,
		tx:   NewTransactionManager(pool),
	}
}

// CanJoin reports whether userID may join roomID.
func (r *RoomAccessRepository) CanJoin(ctx context.Context, roomID, userID string) (bool, error) {
	query := `
		SELECT
			NOT EXISTS (SELECT 1 FROM room_access WHERE room_id = $1)
			OR EXISTS (SELECT 1 FROM room_access WHERE room_id = $1 AND user_id = $2)
	`

	var allowed bool
	if err := r.pool.QueryRow(ctx, query, roomID, userID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("check room access: %w", err)
	}
	return allowed, nil
}

// Grant adds userID to the room's access list. Granting twice is a no-op.
func (r *RoomAccessRepository) Grant(ctx context.Context, roomID, userID, grantedBy string) error {
	return grant(ctx, r.pool, roomID, userID, grantedBy)
}

// Revoke removes userID from the room's access list. Removing the last
// entry opens the room.
func (r *RoomAccessRepository) Revoke(ctx context.Context, roomID, userID string) error {
	query := `DELETE FROM room_access WHERE room_id = $1 AND user_id = $2`

	if _, err := r.pool.Exec(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("revoke room access: %w", err)
	}
	return nil
}

// Members lists the users allowed in roomID, sorted. An empty list means the
// room is open.
func (r *RoomAccessRepository) Members(ctx context.Context, roomID string) ([]string, error) {
	query := `SELECT user_id FROM room_access WHERE room_id = $1 ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room access: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Replace atomically sets the room's access list to userIDs.
func (r *RoomAccessRepository) Replace(ctx context.Context, roomID string, userIDs []string, grantedBy string) error {
	return r.tx.WithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.Exec(ctx, `DELETE FROM room_access WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("clear room access: %w", err)
		}
		for _, userID := range userIDs {
			if err := grant(ctx, tx, roomID, userID, grantedBy); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping checks the database connection
func (r *RoomAccessRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func grant(ctx context.Context, db DBTX, roomID, userID, grantedBy string) error {
	query := `
		INSERT INTO room_access (room_id, user_id, granted_by)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (room_id, user_id) DO NOTHING
	`

	if _, err := db.Exec(ctx, query, roomID, userID, grantedBy); err != nil {
		return fmt.Errorf("grant room access: %w", err)
	}
	return nil
}

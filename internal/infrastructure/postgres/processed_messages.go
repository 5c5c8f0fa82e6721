package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ProcessOnce runs fn unless (messageID, handlerName) is already recorded,
// and records it after fn succeeds.
//   - duplicate: fn is NOT executed; processed=false, err=nil
//   - fn fails: nothing is recorded, so redelivery retries
//
// The marker is written after fn rather than in fn's transaction because the
// handlers here run their own service-level transactions; they are idempotent
// per order item, which covers a crash between fn and the marker insert.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(ctx context.Context) error,
) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)
	if handlerName == "" {
		handlerName = "unknown"
	}

	// Without a message id we cannot dedupe; still run fn instead of dropping.
	if messageID == "" {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	seen, err := r.IsProcessed(ctx, messageID, handlerName)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return false, err
	}

	if _, err := r.TryMarkProcessed(ctx, messageID, handlerName); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) IsProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `
		SELECT 1 FROM processed_messages
		WHERE message_id = $1 AND handler_name = $2
	`, messageID, handlerName).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TryMarkProcessed inserts (message_id, handler_name) once.
// ok=false means another delivery already recorded it.
func (r *Repository) TryMarkProcessed(ctx context.Context, messageID, handlerName string) (ok bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)

	if messageID == "" {
		return true, nil
	}
	if handlerName == "" {
		handlerName = "unknown"
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

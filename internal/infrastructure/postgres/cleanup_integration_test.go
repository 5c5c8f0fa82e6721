//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrune_DropsExpiredRowsAndKeepsDead(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	day := 24 * time.Hour

	for id, at := range map[string]time.Time{"old": now.Add(-8 * day), "fresh": now.Add(-time.Hour)} {
		_, err := pool.Exec(ctx,
			`INSERT INTO processed_messages (message_id, handler_name, processed_at) VALUES ($1, 'orders', $2)`, id, at)
		require.NoError(t, err)
	}

	outbox := []struct {
		traceID string
		status  string
		at      time.Time
	}{
		{"sent-old", "sent", now.Add(-4 * day)},
		{"sent-fresh", "sent", now.Add(-time.Hour)},
		{"dead-old", "dead", now.Add(-10 * day)},
		{"pending-old", "pending", now.Add(-10 * day)},
	}
	for _, o := range outbox {
		_, err := pool.Exec(ctx, `
			INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
			VALUES (gen_random_uuid(), $1, 'affiliate.click_tracked', '{}'::jsonb, $2, $3)
		`, o.traceID, o.at, o.status)
		require.NoError(t, err)
	}

	for id, at := range map[string]time.Time{"o-old": now.Add(-31 * day), "o-fresh": now.Add(-day)} {
		_, err := pool.Exec(ctx, `INSERT INTO pending_fulfillments (order_id, fulfilled_at) VALUES ($1, $2)`, id, at)
		require.NoError(t, err)
	}

	res, err := repo.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, postgres.PruneResult{ProcessedMessages: 1, SentOutbox: 1, PendingFulfillments: 1}, res)

	assert.Equal(t, 1, countRows(t, repo, ctx, `SELECT COUNT(*) FROM processed_messages WHERE message_id = 'fresh'`))
	assert.Equal(t, 0, countRows(t, repo, ctx, `SELECT COUNT(*) FROM outbox WHERE trace_id = 'sent-old'`))
	assert.Equal(t, 3, countRows(t, repo, ctx, `SELECT COUNT(*) FROM outbox WHERE trace_id IN ('sent-fresh', 'dead-old', 'pending-old')`))
	assert.Equal(t, 1, countRows(t, repo, ctx, `SELECT COUNT(*) FROM pending_fulfillments WHERE order_id = 'o-fresh'`))

	// second pass has nothing left to prune
	res, err = repo.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, postgres.PruneResult{}, res)
}

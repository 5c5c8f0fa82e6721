package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	appCtx "github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/context"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_ClickTracked(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	ctx := appCtx.WithRequestID(context.Background(), "rid-1")
	l.ClickTracked(ctx, "01HX", "100", "p1", true)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, true, entry["audit"])
	assert.Equal(t, "click_tracked", entry["action"])
	assert.Equal(t, "100", entry["referrer_fid"])
	assert.Equal(t, true, entry["created"])
	assert.Equal(t, "rid-1", entry["trace_id"])
}

func TestLogger_SelfReferralRejected_IsWarn(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	l.SelfReferralRejected(context.Background(), "100", "p1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "self_referral_rejected", entry["action"])
	assert.Equal(t, "", entry["trace_id"])
}

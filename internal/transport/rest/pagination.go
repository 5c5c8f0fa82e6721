package rest

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/oklog/ulid/v2"
)

var errBadCursor = errors.New("bad cursor")

// cursor = base64url("RFC3339Nano|click_id")
func encodeCursor(c *domain.KeysetCursor) string {
	if c == nil {
		return ""
	}
	raw := c.ClickedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ClickID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*domain.KeysetCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return nil, errBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, errBadCursor
	}
	id, err := ulid.ParseStrict(parts[1])
	if err != nil {
		return nil, errBadCursor
	}
	return &domain.KeysetCursor{ClickedAt: t, ClickID: id.String()}, nil
}

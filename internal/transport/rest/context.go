package rest

import (
	"context"
)

type ctxKeyAuth struct{}

type AuthContext struct {
	UserID string
	Role   string
	Wallet string
	FID    string
	Ver    int64
}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, ctxKeyAuth{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(ctxKeyAuth{}).(AuthContext)
	return a, ok
}

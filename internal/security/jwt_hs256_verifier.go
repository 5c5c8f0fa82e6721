package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type HS256Verifier struct {
	secret []byte
	issuer string
}

// NewHS256Verifier: an empty issuer disables the iss check.
func NewHS256Verifier(secret, issuer string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}
}

type accessClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Wallet string `json:"wallet"`
	FID    string `json:"fid"`
	Ver    int64  `json:"ver"`
	jwt.RegisteredClaims
}

func (v *HS256Verifier) VerifyAccessToken(token string) (TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		// prevent alg confusion
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenClaims{}, ErrTokenExpired
		}
		return TokenClaims{}, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return TokenClaims{}, ErrTokenInvalid
	}

	exp := time.Time{}
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}

	return TokenClaims{
		UserID:  claims.UserID,
		Role:    claims.Role,
		Wallet:  strings.ToLower(strings.TrimSpace(claims.Wallet)),
		FID:     claims.FID,
		Ver:     claims.Ver,
		Exp:     exp,
		Issuer:  claims.Issuer,
		Subject: claims.Subject,
	}, nil
}

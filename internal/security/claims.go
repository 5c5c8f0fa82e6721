package security

import "time"

// TokenClaims are the verified claims of a marketplace access token.
// Wallet is the signer address the token was issued for.
type TokenClaims struct {
	UserID  string
	Role    string
	Wallet  string
	FID     string
	Ver     int64
	Exp     time.Time
	Issuer  string
	Subject string
}

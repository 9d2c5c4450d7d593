// Package tokenverifier implements the default Token Verifier the
// external-interfaces section treats as an abstract collaborator: an
// HS256 JWT issuer/validator returning a user Principal. The claims
// carry an org id alongside the user id, since the org is the Billing
// Ledger's scoping key.
package tokenverifier

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = fmt.Errorf("invalid token")
	ErrExpiredToken = fmt.Errorf("expired token")
)

// Principal is the authenticated identity a verified token resolves to.
type Principal struct {
	UserID string
	OrgID  string
	Roles  []string
}

// Claims is the JWT payload this verifier issues and accepts.
type Claims struct {
	UserID string   `json:"user_id"`
	OrgID  string   `json:"org_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier issues and validates bearer tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	expiry   time.Duration
}

func New(secret, issuer string, expiry time.Duration) *Verifier {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

// SigningKey exposes the HMAC secret for middleware (echo-jwt) that
// needs to verify tokens independently of Verify.
func (v *Verifier) SigningKey() []byte { return v.secret }

// Issue mints a token for a Principal, used by tests and any internal
// service-to-service caller that needs to mint its own credentials.
func (v *Verifier) Issue(p Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: p.UserID,
		OrgID:  p.OrgID,
		Roles:  p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   p.UserID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates a bearer token string and returns the Principal it
// asserts.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}

	return &Principal{UserID: claims.UserID, OrgID: claims.OrgID, Roles: claims.Roles}, nil
}

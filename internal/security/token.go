package security

import (
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tutor-wallet-backend/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoOwner      = errors.New("token does not identify a wallet owner")
)

// RoleSystem marks tokens of collaborator services allowed to record ledger entries.
const RoleSystem = "system"

// OwnerClaims are the claims of a bearer token minted by the identity service.
// Owner tokens carry the wallet owner; system tokens carry the system role.
type OwnerClaims struct {
	OwnerType string   `json:"owner_type,omitempty"`
	OwnerID   int64    `json:"owner_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Owner returns the wallet owner the token speaks for.
func (c *OwnerClaims) Owner() (domain.WalletOwnerRef, error) {
	if c.OwnerType == "" || c.OwnerID <= 0 {
		return domain.WalletOwnerRef{}, ErrNoOwner
	}
	return domain.NewOwnerRef(c.OwnerType, c.OwnerID)
}

func (c *OwnerClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

type TokenManager interface {
	GenerateAccessToken(owner domain.WalletOwnerRef, roles []string, ttl time.Duration) (string, error)
	ValidateToken(tokenString string) (*OwnerClaims, error)
}

type tokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager verifies HS256 tokens signed with secret. A non-empty issuer
// is required to match the iss claim.
func NewTokenManager(secret, issuer string) TokenManager {
	return &tokenManager{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// GenerateAccessToken mints a token. The service itself only verifies tokens;
// this is used by operator tooling and tests.
func (m *tokenManager) GenerateAccessToken(owner domain.WalletOwnerRef, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OwnerClaims{
		OwnerType: string(owner.Kind),
		OwnerID:   owner.ID,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(owner.Kind) + ":" + strconv.FormatInt(owner.ID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *tokenManager) ValidateToken(tokenString string) (*OwnerClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*OwnerClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

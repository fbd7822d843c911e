// Package auth issues and validates the HMAC-signed bearer tokens the admin
// API requires. Tokens carry a tenant id and a role; the secret is injected
// from configuration, never read from the environment here.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	issuer   = "camshaft"
	audience = "camshaft-api"
	tokenTTL = 24 * time.Hour
)

// Claims are the fields embedded in a token. TenantID scopes every API call;
// Role gates mutating routes.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

var (
	ErrWeakSecret   = errors.New("auth secret must be at least 32 bytes")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Manager signs and validates tokens under one secret.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager rejects secrets under 32 bytes outright.
func NewManager(secret string) (*Manager, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// Generate issues a signed token for the tenant and role.
func (m *Manager) Generate(tenantID, role string) (string, error) {
	now := m.now().Unix()
	claims := Claims{
		TenantID:  tenantID,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(tokenTTL.Seconds()),
		IssuedAt:  now,
		NotBefore: now,
	}

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signed := encode(header) + "." + encode(body)
	return signed + "." + m.sign(signed), nil
}

// Validate checks the signature and the temporal and audience claims.
func (m *Manager) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	signed := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(m.sign(signed)), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	raw, err := decode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := m.now().Unix()
	if now > claims.ExpiresAt {
		return nil, ErrExpiredToken
	}
	if now < claims.NotBefore {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if claims.Issuer != issuer || claims.Audience != audience {
		return nil, fmt.Errorf("%w: wrong issuer or audience", ErrInvalidToken)
	}
	return &claims, nil
}

func (m *Manager) sign(message string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(message))
	return encode(h.Sum(nil))
}

func encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(data)
}

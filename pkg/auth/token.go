package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"govcore/pkg/models"
)

// TokenClaims is the payload of a govcore service token. Tokens are issued
// by the session service and verified here with a shared HS256 secret.
type TokenClaims struct {
	Sub         string   `json:"sub"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Org         string   `json:"org"`
	Permissions []string `json:"perms,omitempty"`
	Iss         string   `json:"iss,omitempty"`
	Exp         int64    `json:"exp"`
	Nbf         int64    `json:"nbf,omitempty"`
	Iat         int64    `json:"iat,omitempty"`
}

// Actor maps verified claims onto the immutable request actor. The role and
// permissions still pass through the policy engine's own validation; claims
// only supply the raw material.
func (c TokenClaims) Actor() models.Actor {
	perms := make([]models.Permission, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		perms = append(perms, models.Permission(strings.ToLower(strings.TrimSpace(p))))
	}
	return models.Actor{
		ID:             c.Sub,
		Email:          c.Email,
		Role:           models.Role(strings.ToLower(strings.TrimSpace(c.Role))),
		OrganizationID: c.Org,
		Permissions:    perms,
	}
}

// SignHS256Token mints a service token. Used by tests and by the session
// bridge; API clients use keys instead.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHS256Token checks signature and time bounds and returns the claims.
func VerifyHS256Token(token, secret string, now time.Time, issuer string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	return claims, nil
}

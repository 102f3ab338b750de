package oidcx

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims represents the verified claims of a token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	// Custom holds every non-registered claim as decoded from the payload.
	Custom map[string]any

	// audienceString is set when the payload carried "aud" as a single string.
	audienceString bool
}

// Result is the outcome of a successful verification.
type Result struct {
	// Issuer is the URL of the candidate issuer that accepted the token.
	Issuer string
	Claims *Claims
}

// Map returns the full claim set keyed by claim name. Timestamps are Unix
// seconds, absent registered claims are omitted and "aud" keeps the shape it
// had in the payload.
func (c *Claims) Map() map[string]any {
	out := make(map[string]any, len(c.Custom)+8)
	for k, v := range c.Custom {
		out[k] = v
	}
	if c.Issuer != "" {
		out[jwt.IssuerKey] = c.Issuer
	}
	if c.Subject != "" {
		out[jwt.SubjectKey] = c.Subject
	}
	switch {
	case c.audienceString && len(c.Audience) == 1:
		out[jwt.AudienceKey] = c.Audience[0]
	case len(c.Audience) > 0:
		out[jwt.AudienceKey] = append([]string(nil), c.Audience...)
	}
	if c.JWTID != "" {
		out[jwt.JwtIDKey] = c.JWTID
	}
	if n := unixOrZero(c.ExpiresAt); n != 0 {
		out[jwt.ExpirationKey] = n
	}
	if n := unixOrZero(c.IssuedAt); n != 0 {
		out[jwt.IssuedAtKey] = n
	}
	if n := unixOrZero(c.NotBefore); n != 0 {
		out[jwt.NotBeforeKey] = n
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// extractClaims copies the verified claims of token. payload is the raw JWS
// payload, consulted only for the shape of "aud".
func extractClaims(token jwt.Token, payload []byte) *Claims {
	var audience []string
	if audList := token.Audience(); len(audList) > 0 {
		audience = append([]string(nil), audList...)
	}
	claims := &Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		Audience:  audience,
		ExpiresAt: token.Expiration(),
		NotBefore: token.NotBefore(),
		IssuedAt:  token.IssuedAt(),
		JWTID:     token.JwtID(),

		audienceString: audienceIsString(payload),
	}
	if private := token.PrivateClaims(); len(private) > 0 {
		claims.Custom = make(map[string]any, len(private))
		for k, v := range private {
			claims.Custom[k] = v
		}
	}
	return claims
}

func audienceIsString(payload []byte) bool {
	var raw struct {
		Audience json.RawMessage `json:"aud"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(raw.Audience), []byte(`"`))
}

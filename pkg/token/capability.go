package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// Audience all gateway tokens are minted for.
const Audience = "gateway"

// CapabilityClaims are the claims of an issuer-signed capability token.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Cap []string               `json:"cap"`
	Con map[string]interface{} `json:"con,omitempty"`
}

// VerifyError is a token failure carrying the surface-visible reason code.
type VerifyError struct {
	Code string
	Err  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// IssueCapability mints a capability token signed with the issuer's key.
func IssueCapability(priv ed25519.PrivateKey, claims CapabilityClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("token: sign capability: %w", err)
	}
	return signed, nil
}

// VerifyCapability checks signature, expiry, audience, and subject binding of
// a capability token against the issuer registry.
func VerifyCapability(reg *IssuerRegistry, tokenStr string, now time.Time, agentID string) (*CapabilityClaims, *VerifyError) {
	claims := &CapabilityClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) {
			iss, err := t.Claims.GetIssuer()
			if err != nil {
				return nil, err
			}
			return reg.Lookup(iss)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Code: contracts.ReasonTokenExpired, Err: err}
		}
		return nil, &VerifyError{Code: contracts.ReasonTokenInvalid, Err: err}
	}
	if !tok.Valid {
		return nil, &VerifyError{Code: contracts.ReasonTokenInvalid, Err: errors.New("token not valid")}
	}
	if claims.Subject != agentID {
		return nil, &VerifyError{Code: contracts.ReasonTokenInvalid,
			Err: fmt.Errorf("subject %q does not match agent %q", claims.Subject, agentID)}
	}
	return claims, nil
}

// HasCapability reports whether a claim set covers actionType. Entries may be
// a bare action name or an "agent:action" pair.
func HasCapability(claims *CapabilityClaims, actionType string) bool {
	for _, c := range claims.Cap {
		if c == actionType || strings.HasSuffix(c, ":"+actionType) {
			return true
		}
	}
	return false
}

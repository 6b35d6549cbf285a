package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/crypto"
)

// GatewayIssuer is the iss claim on override tokens.
const GatewayIssuer = "gateway"

// MaxOverrideTTL caps how long an override token may live.
const MaxOverrideTTL = 5 * time.Minute

// OverrideClaims bind a token to one approval and one action fingerprint.
type OverrideClaims struct {
	jwt.RegisteredClaims
	ApprovalID        string `json:"approval_id"`
	ActionFingerprint string `json:"action_fingerprint"`
}

// OverrideResult identifies a verified override token.
type OverrideResult struct {
	ApprovalID string
	JTI        string
}

// IssueOverride mints a single-use override token for an approved action and
// returns the token with its SHA-256 hash (stored on the approval row). TTLs
// above MaxOverrideTTL are clamped.
func IssueOverride(signer crypto.Signer, approvalID, fingerprint string, ttl time.Duration, now time.Time) (string, string, error) {
	if ttl <= 0 || ttl > MaxOverrideTTL {
		ttl = MaxOverrideTTL
	}
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    GatewayIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ApprovalID:        approvalID,
		ActionFingerprint: fingerprint,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(signer.PrivateKey())
	if err != nil {
		return "", "", fmt.Errorf("token: sign override: %w", err)
	}
	return signed, SHA256Hex(signed), nil
}

// VerifyOverride checks an override token's gateway signature, expiry, and
// fingerprint binding. Any key in the keyset may verify, so rotated keys keep
// outstanding tokens valid until they expire.
func VerifyOverride(keys *crypto.KeySet, tokenStr string, now time.Time, expectedFingerprint string) (*OverrideResult, *VerifyError) {
	var lastErr error
	for _, pub := range keys.Keys() {
		pub := pub
		claims := &OverrideClaims{}
		tok, err := jwt.ParseWithClaims(tokenStr, claims,
			func(t *jwt.Token) (interface{}, error) { return pub, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithTimeFunc(func() time.Time { return now }),
			jwt.WithIssuer(GatewayIssuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, &VerifyError{Code: contracts.ReasonOverrideExpired, Err: err}
			}
			lastErr = err
			continue
		}
		if !tok.Valid {
			lastErr = errors.New("token not valid")
			continue
		}
		if claims.ActionFingerprint != expectedFingerprint {
			return nil, &VerifyError{Code: contracts.ReasonOverrideMismatch,
				Err: fmt.Errorf("token bound to a different action")}
		}
		return &OverrideResult{ApprovalID: claims.ApprovalID, JTI: claims.ID}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no verification keys configured")
	}
	return nil, &VerifyError{Code: contracts.ReasonOverrideInvalid, Err: lastErr}
}

package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const decisionAudience = "constbus.approvals"

var ErrInvalidToken = errors.New("workflow: invalid decision token")

// DecisionClaims is a reviewer decision carried in a signed JWT. The
// subject is the reviewer.
type DecisionClaims struct {
	jwt.RegisteredClaims
	InstanceID string   `json:"instance_id"`
	Decision   Decision `json:"decision"`
	Notes      string   `json:"notes,omitempty"`
}

// Vote converts the claims to a vote.
func (c DecisionClaims) Vote() Vote {
	v := Vote{Reviewer: c.Subject, Decision: c.Decision, Notes: c.Notes}
	if c.IssuedAt != nil {
		v.At = c.IssuedAt.Time
	}
	return v
}

// DecisionTokenVerifier issues and verifies HMAC-signed decision tokens so
// decisions can arrive over untrusted channels.
type DecisionTokenVerifier struct {
	key    []byte
	issuer string
	clock  func() time.Time
}

func NewDecisionTokenVerifier(key []byte, issuer string) *DecisionTokenVerifier {
	return &DecisionTokenVerifier{key: key, issuer: issuer, clock: time.Now}
}

// Issue signs a decision valid for ttl.
func (v *DecisionTokenVerifier) Issue(instanceID, reviewer string, d Decision, notes string, ttl time.Duration) (string, error) {
	now := v.clock().UTC()
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   reviewer,
			Audience:  jwt.ClaimStrings{decisionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		InstanceID: instanceID,
		Decision:   d,
		Notes:      notes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Verify checks signature, issuer, audience and expiry.
func (v *DecisionTokenVerifier) Verify(token string) (DecisionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DecisionClaims{}, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(decisionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return DecisionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*DecisionClaims)
	if !ok || !parsed.Valid {
		return DecisionClaims{}, ErrInvalidToken
	}
	if claims.InstanceID == "" || claims.Subject == "" {
		return DecisionClaims{}, fmt.Errorf("%w: instance and reviewer required", ErrInvalidToken)
	}
	return *claims, nil
}

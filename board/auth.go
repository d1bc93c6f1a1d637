package board

import (
	"context"
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource issues the current identity token for this participant.
// The identity provider is external. Refresh is called after the transport
// reports an auth failure; it must return a newly issued token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

// NewStaticTokenSource returns a TokenSource for a token that never rotates.
func NewStaticTokenSource(token string) TokenSource {
	return &staticTokenSource{
		token: token,
	}
}

func (self *staticTokenSource) Token(ctx context.Context) (string, error) {
	if self.token == "" {
		return "", ErrNotAuthenticated
	}
	return self.token, nil
}

func (self *staticTokenSource) Refresh(ctx context.Context) (string, error) {
	return self.Token(ctx)
}

// ParticipantFromToken parses the identity claims without verifying the
// signature. Verification is the platform's job, the client only needs the
// display fields.
func ParticipantFromToken(token string) (*Participant, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	participant := &Participant{}

	if uid, ok := claims["uid"].(string); ok {
		participant.Uid = uid
	} else if sub, ok := claims["sub"].(string); ok {
		participant.Uid = sub
	}
	if name, ok := claims["name"].(string); ok {
		participant.DisplayName = name
	} else if displayName, ok := claims["displayName"].(string); ok {
		participant.DisplayName = displayName
	}
	if email, ok := claims["email"].(string); ok {
		participant.Email = email
	}

	if participant.Uid == "" {
		return nil, ErrNotAuthenticated
	}
	if participant.DisplayName == "" {
		if participant.Email != "" {
			participant.DisplayName = participant.Email
		} else {
			participant.DisplayName = "User"
		}
	}

	return participant, nil
}

// MintToken creates a signed HS256 identity token for the given participant.
// The board stack only parses claims, so any signing key works for local
// deployments and tests.
func MintToken(participant *Participant, signingKey []byte, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"uid":   participant.Uid,
		"name":  participant.DisplayName,
		"email": participant.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(expiration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

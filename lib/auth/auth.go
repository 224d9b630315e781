// Package auth verifies the token a client presents when it joins a room.
//
// The server calls Authenticate once per room join, before any session work.
// A rejected token ends the connection with syncerr.KindAuthRejected; the
// client does not retry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("auth")

// Identity is the result of a successful authentication.
type Identity struct {
	UserID    string // Empty for anonymous users
	Anonymous bool
}

// String describes the identity for logs.
func (i Identity) String() string {
	if i.Anonymous || i.UserID == "" {
		return "anonymous"
	}
	return "user " + i.UserID
}

// IAuthenticator decides whether a token may join a room.
type IAuthenticator interface {
	Authenticate(ctx context.Context, docID, token string) (Identity, error)
}

// --------------------------------------------------------------------------
// JWT
// --------------------------------------------------------------------------

type jwtAuthenticator struct {
	secret         []byte
	allowAnonymous bool
	parser         *jwt.Parser
}

// NewJWTAuthenticator verifies HS256 tokens signed with secret. The subject
// claim becomes the user id. With allowAnonymous an empty token is accepted as
// an anonymous identity; an invalid token is always rejected.
func NewJWTAuthenticator(secret string, allowAnonymous bool) IAuthenticator {
	return &jwtAuthenticator{
		secret:         []byte(secret),
		allowAnonymous: allowAnonymous,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

func (a *jwtAuthenticator) Authenticate(_ context.Context, docID, token string) (Identity, error) {
	if token == "" {
		if a.allowAnonymous {
			Logger.Debugf("anonymous access to %s", docID)
			return Identity{Anonymous: true}, nil
		}
		return Identity{}, syncerr.New(syncerr.KindAuthRejected, "token required")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		Logger.Infof("rejected token for %s: %v", docID, err)
		return Identity{}, syncerr.New(syncerr.KindAuthRejected, reason)
	}
	if claims.Subject == "" {
		return Identity{}, syncerr.New(syncerr.KindAuthRejected, "token without subject")
	}
	Logger.Debugf("authenticated user %s for %s", claims.Subject, docID)
	return Identity{UserID: claims.Subject}, nil
}

// IssueToken creates a signed HS256 token for userID. Used by the CLI and tests.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// --------------------------------------------------------------------------
// Allow All
// --------------------------------------------------------------------------

type allowAll struct{}

// NewAllowAll accepts every token. The token itself is used as user id.
func NewAllowAll() IAuthenticator {
	return allowAll{}
}

func (allowAll) Authenticate(_ context.Context, _, token string) (Identity, error) {
	return Identity{UserID: token, Anonymous: token == ""}, nil
}

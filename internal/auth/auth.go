package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// KeyPrefix starts every API key accepted for rule mutations.
const KeyPrefix = "sgk_"

// Principal identifies the caller behind an accepted API key.
type Principal struct {
	KeyID string
	Name  string
}

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// ExtractBearerToken reads "authorization: Bearer sgk_..." from incoming gRPC
// metadata. HTTP handlers copy the header into metadata before calling an
// Authenticator.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}

	authValues := md.Get("authorization")
	if len(authValues) == 0 || authValues[0] == "" {
		return "", ErrMissingAPIKey
	}

	token := authValues[0]
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= len(KeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator accepts the single key whose bcrypt hash is configured.
type StaticAuthenticator struct {
	hash []byte
}

func NewStaticAuthenticator(bcryptHash string) *StaticAuthenticator {
	return &StaticAuthenticator{hash: []byte(bcryptHash)}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{KeyID: "static", Name: "static"}, nil
}

// OpenAuthenticator accepts every request. It is used when no key is
// configured, for local development against a test machine.
type OpenAuthenticator struct{}

func NewOpenAuthenticator() *OpenAuthenticator {
	return &OpenAuthenticator{}
}

func (a *OpenAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	return &Principal{KeyID: "anonymous", Name: "anonymous"}, nil
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"doc-rag/internal/httputil"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns a bearer credential into the owner id documents are scoped by.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// JWTResolver accepts HS256 tokens and uses the subject claim as owner id.
type JWTResolver struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

func (r *JWTResolver) Resolve(_ context.Context, credential string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := r.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue signs a token for subject; used by tooling and tests.
func (r *JWTResolver) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    r.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// StaticResolver maps fixed tokens to owners, for local setups.
type StaticResolver struct {
	tokens map[string]string
}

func NewStaticResolver(tokens map[string]string) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

func (r *StaticResolver) Resolve(_ context.Context, credential string) (string, error) {
	owner, ok := r.tokens[credential]
	if !ok || owner == "" {
		return "", ErrUnauthenticated
	}
	return owner, nil
}

type ownerKey struct{}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner id set by Middleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Middleware rejects requests without a resolvable bearer credential.
func Middleware(resolver Resolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				httputil.Fail(log, w, "missing bearer token", ErrUnauthenticated, http.StatusUnauthorized)
				return
			}
			owner, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				httputil.Fail(log, w, "invalid credentials", err, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

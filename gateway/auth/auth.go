// Package auth verifies bearer tokens for the escrow gateway and attaches
// the caller's marketplace role to the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyUserID contextKey = "user_id"
	contextKeyRole   contextKey = "user_role"
)

// Role represents an authorized persona within the marketplace.
type Role string

// Supported roles for the escrow service.
const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleMediator   Role = "mediator"
	RoleAdmin      Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleClient:     {},
	RoleFreelancer: {},
	RoleMediator:   {},
	RoleAdmin:      {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject    string
	Role       Role
	Attributes jwt.MapClaims
}

// Options controls signature verification and claim handling. Only HS256 is
// supported; the escrow gateway sits behind the platform's identity service
// which issues symmetric tokens.
type Options struct {
	Secret         string
	Issuer         string
	Audience       string
	RoleClaim      string
	MaxSkewSeconds int
}

// Verifier validates bearer tokens and extracts marketplace claims.
type Verifier struct {
	secret    []byte
	issuer    string
	audience  string
	roleClaim string
	leeway    time.Duration
	now       func() time.Time
}

// NewVerifier constructs a Verifier from the supplied options.
func NewVerifier(opts Options) (*Verifier, error) {
	secret := strings.TrimSpace(opts.Secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	roleClaim := strings.TrimSpace(opts.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  strings.TrimSpace(opts.Audience),
		roleClaim: roleClaim,
		leeway:    leeway,
		now:       time.Now,
	}, nil
}

// SetNowFunc overrides the verifier clock, primarily for tests.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Verify parses and validates a bearer token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}

	raw, _ := claims[v.roleClaim].(string)
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("role %q is not permitted", raw)
	}

	return &Claims{Subject: subject, Role: role, Attributes: claims}, nil
}

// Middleware enforces bearer authentication before invoking the next handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyUserID, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// RequireRole ensures the authenticated user has one of the allowed roles.
// Admins pass every check.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if claims.Role != RoleAdmin {
				if _, ok := allowed[claims.Role]; !ok {
					http.Error(w, "insufficient role", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

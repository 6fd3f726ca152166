package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("security: missing authorization token")
	// ErrInvalidToken is returned when the JWT is malformed, carries an
	// unknown role, or its signature does not verify.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("security: token expired")
	// ErrInsufficientRole is returned when the caller's role lacks permission.
	ErrInsufficientRole = errors.New("security: insufficient role")
)

type contextKey string

const claimsKey contextKey = "warden_claims"

// Claims is the authenticated identity attached to a request. Department
// is set on reviewer tokens and flows into the escalation review record.
type Claims struct {
	Subject    string
	Role       string
	Department string
	IssuedAt   int64
	ExpiresAt  int64
}

// wardenClaims is the wire form of Claims.
type wardenClaims struct {
	Role       string `json:"role"`
	Department string `json:"dept,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for the subject. Unknown roles are rejected here so
// a bad token never reaches validation.
func Issue(subject, role string, secret []byte, ttl time.Duration) (string, error) {
	return IssueForDepartment(subject, role, "", secret, ttl)
}

// IssueForDepartment signs a token carrying a department claim, used for
// reviewer tokens so review records identify the approving team.
func IssueForDepartment(subject, role, department string, secret []byte, ttl time.Duration) (string, error) {
	if !validRole(role) {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	now := time.Now()
	claims := wardenClaims{
		Role:       role,
		Department: department,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken verifies the signature and expiry and returns the claims.
// Tokens carrying a role outside the known set are invalid even when the
// signature verifies.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	var wc wardenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &wc, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || !validRole(wc.Role) {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:    wc.Subject,
		Role:       wc.Role,
		Department: wc.Department,
		IssuedAt:   wc.IssuedAt.Unix(),
		ExpiresAt:  wc.ExpiresAt.Unix(),
	}, nil
}

// GetClaims extracts the authenticated identity from the request context.
// Requests served in dev mode carry no claims.
func GetClaims(r *http.Request) (*Claims, error) {
	claims, ok := r.Context().Value(claimsKey).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// GetJWTSecret returns the signing secret from the environment, or nil to
// run unauthenticated (dev mode).
func GetJWTSecret() []byte {
	s := os.Getenv("WARDEN_JWT_SECRET")
	if s == "" {
		return nil
	}
	return []byte(s)
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrInvalidToken
	}
	return token, nil
}

var devModeWarn sync.Once

// AuthMiddleware validates bearer tokens and attaches the resulting claims
// to the request context. A nil secret disables authentication entirely;
// the dev-mode warning is logged once, not per request.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				devModeWarn.Do(func() {
					slog.Warn("authentication disabled (dev mode): WARDEN_JWT_SECRET not set")
				})
				next.ServeHTTP(w, r)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				denyJSON(w, http.StatusUnauthorized, err)
				return
			}
			claims, err := ValidateToken(token, secret)
			if err != nil {
				denyJSON(w, http.StatusUnauthorized, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func denyJSON(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}

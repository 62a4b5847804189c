package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ipKeyPrefix   = "ip:"
	userKeyPrefix = "user:"
)

// Identity is the caller behind a request. UserID is empty for anonymous callers.
type Identity struct {
	IP     string
	UserID string
	Role   string
}

// IPKey returns the counter and ban key for the client address, or "" when unknown.
func (i Identity) IPKey() string {
	if i.IP == "" {
		return ""
	}
	return ipKeyPrefix + i.IP
}

// UserKey returns the counter and ban key for the authenticated user, or "" when anonymous.
func (i Identity) UserKey() string {
	if i.UserID == "" {
		return ""
	}
	return userKeyPrefix + i.UserID
}

// Keys returns every non-empty identity key, IP first.
func (i Identity) Keys() []string {
	keys := make([]string, 0, 2)
	if k := i.IPKey(); k != "" {
		keys = append(keys, k)
	}
	if k := i.UserKey(); k != "" {
		keys = append(keys, k)
	}
	return keys
}

// Resolver extracts the caller identity from a request.
type Resolver interface {
	Resolve(c *gin.Context) Identity
}

// Claims are the bearer token claims the resolver understands.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver reads the client IP from gin and the user from an HS256 bearer token.
// Missing or invalid tokens resolve to an anonymous identity.
type JWTResolver struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTResolver constructs a JWTResolver. An empty secret disables token parsing.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{
		secret: []byte(strings.TrimSpace(secret)),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(c *gin.Context) Identity {
	id := Identity{IP: strings.TrimSpace(c.ClientIP())}
	if r == nil || len(r.secret) == 0 {
		return id
	}
	token, _ := BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		return id
	}
	claims, errParse := r.Parse(token)
	if errParse != nil {
		return id
	}
	id.UserID = claims.Subject
	id.Role = claims.Role
	return id
}

// Parse validates token and returns its claims.
func (r *JWTResolver) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, errParse := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if errParse != nil {
		return nil, fmt.Errorf("identity: parse token: %w", errParse)
	}
	if !parsed.Valid {
		return nil, errors.New("identity: invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("identity: token has no subject")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value. The scheme is
// matched case-insensitively; ok is false when the header is not a bearer credential.
func BearerToken(header string) (token string, ok bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[7:]), true
}

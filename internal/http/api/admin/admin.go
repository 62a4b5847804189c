package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/config"
	handlers "github.com/router-for-me/abuseguard/internal/http/api/admin/handlers"
	"github.com/router-for-me/abuseguard/internal/http/api/admin/permissions"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/metrics"
	"github.com/router-for-me/abuseguard/internal/storage"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// OperatorTokenHeader carries the shared operator token as an alternative to an admin JWT.
const OperatorTokenHeader = "X-Operator-Token"

// Deps are the components the operator API reads from.
type Deps struct {
	DB       *gorm.DB
	Bans     ban.Registry
	Health   *storage.Health
	Resolver *identity.JWTResolver
	Admin    config.AdminConfig
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// Degraded overrides Health.Degraded, e.g. when no shared store is configured at all.
	Degraded func() bool
	// Guard runs before authentication on operator routes.
	Guard gin.HandlerFunc
}

// RegisterAdminRoutes registers health, metrics and the read-only operator routes.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Health, deps.Degraded)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authed := r.Group("/v0/admin")
	if deps.Guard != nil {
		authed.Use(deps.Guard)
	}
	authed.Use(adminAuthMiddleware(deps.Resolver, deps.Admin))

	if deps.Bans != nil {
		banHandler := handlers.NewBanHandler(deps.Bans, deps.Now)
		authed.GET("/bans/:key", banHandler.Get)
	}

	auditHandler := handlers.NewAuditHandler(deps.DB)
	authed.GET("/audit-events", auditHandler.List)
	authed.GET("/permissions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"permissions": permissions.Definitions()})
	})
}

// ValidateConfig rejects role permissions that name unknown operator routes.
func ValidateConfig(cfg config.AdminConfig) error {
	for role, perms := range cfg.RolePermissions {
		if errPerm := permissions.ValidatePermissions(perms); errPerm != nil {
			return &config.ConfigurationError{Field: "admin.role-permissions." + role, Reason: errPerm.Error()}
		}
	}
	return nil
}

// adminAuthMiddleware accepts either the operator token or a bearer JWT. Admin roles reach every
// route; other roles only the routes granted in RolePermissions.
func adminAuthMiddleware(resolver *identity.JWTResolver, cfg config.AdminConfig) gin.HandlerFunc {
	roles := make(map[string]struct{}, len(cfg.Roles))
	for _, role := range cfg.Roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles[trimmed] = struct{}{}
		}
	}
	granted := make(map[string][]string, len(cfg.RolePermissions))
	for role, perms := range cfg.RolePermissions {
		granted[strings.TrimSpace(role)] = permissions.NormalizePermissions(perms)
	}
	tokenHash := []byte(strings.TrimSpace(cfg.OperatorTokenHash))

	return func(c *gin.Context) {
		if operatorToken := strings.TrimSpace(c.GetHeader(OperatorTokenHeader)); operatorToken != "" {
			if len(tokenHash) == 0 || bcrypt.CompareHashAndPassword(tokenHash, []byte(operatorToken)) != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
				return
			}
			c.Set("adminActor", "operator")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token, ok := identity.BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}
		if resolver == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, errJWT := resolver.Parse(token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if _, ok := roles[claims.Role]; !ok {
			if !permissions.HasPermission(granted[claims.Role], permissions.Key(c.Request.Method, c.FullPath())) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
				return
			}
		}
		c.Set("adminActor", "user:"+claims.Subject)
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/models"
)

type AuthConfig struct {
	JWTSecret string
}

// Claims carried by a tenant access token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TenantAuth verifies the bearer token and stores the tenant in the gin
// context. Every handler behind it scopes its queries by that tenant's id.
func TenantAuth(db *gorm.DB, cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}
		tokenStr := strings.TrimSpace(auth[len("Bearer "):])

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var tenant models.Tenant
		if err := db.Where("id = ?", claims.TenantID).First(&tenant).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant not found"})
			return
		}

		c.Set("tenant", tenant)
		c.Next()
	}
}

// CurrentTenant returns the tenant placed in the context by TenantAuth.
func CurrentTenant(c *gin.Context) models.Tenant {
	v, _ := c.Get("tenant")
	tenant, _ := v.(models.Tenant)
	return tenant
}

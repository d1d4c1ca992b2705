package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"aicareer/internal/auth"
	"aicareer/internal/errcode"
	"aicareer/internal/policy"
)

const (
	userIDKey = "userID"
	roleKey   = "role"
)

// AbortWithError 以统一的错误结构终止请求。
func AbortWithError(c *gin.Context, e *errcode.Error) {
	c.AbortWithStatusJSON(e.HTTPStatus(), e.Public())
}

// bearerToken 解析 Authorization: Bearer <token>。
func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware 校验访问令牌并将 userID 与 role 注入上下文。
func AuthMiddleware(authService *auth.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken := bearerToken(c.GetHeader("Authorization"))
		if rawToken == "" {
			AbortWithError(c, errcode.New(errcode.Unauthorized, "missing bearer token"))
			return
		}

		claims, err := authService.ValidateToken(rawToken)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				AbortWithError(c, errcode.New(errcode.TokenExpired, "access token expired"))
				return
			}
			AbortWithError(c, errcode.New(errcode.InvalidToken, "invalid access token"))
			return
		}

		c.Set(userIDKey, claims.UserID())
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequireRole 必须挂在 AuthMiddleware 之后。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := policy.AssertRole(Role(c), roles...); err != nil {
			var e *errcode.Error
			if errors.As(err, &e) {
				AbortWithError(c, e)
				return
			}
			AbortWithError(c, errcode.New(errcode.Forbidden, "insufficient role"))
			return
		}
		c.Next()
	}
}

// UserID 返回当前请求的用户 ID，未认证时为空。
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// Role 返回当前请求的角色。
func Role(c *gin.Context) string {
	return c.GetString(roleKey)
}

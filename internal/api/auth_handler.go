package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/service"
)

const refreshTokenCookieName = "refresh_token"

// AuthHandler 处理注册、登录、刷新与退出。
type AuthHandler struct {
	sessions     *service.SessionService
	refreshTTL   time.Duration
	cookieDomain string
}

// NewAuthHandler 构造认证处理器。
func NewAuthHandler(sessions *service.SessionService, refreshTTL time.Duration, cookieDomain string) *AuthHandler {
	return &AuthHandler{sessions: sessions, refreshTTL: refreshTTL, cookieDomain: cookieDomain}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=8,max=72"`
	Name     string `json:"name" binding:"max=255"`
}

type registerResponse struct {
	User *database.User `json:"user"`
	*service.TokenPair
}

// Register 创建新用户账号并直接登录。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}

	user, pair, err := h.sessions.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusCreated, registerResponse{User: user, TokenPair: pair})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验口令并返回 TokenPair。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	pair, err := h.sessions.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh 轮换刷新令牌：旧令牌作废，返回新的 TokenPair。
func (h *AuthHandler) Refresh(c *gin.Context) {
	token := h.extractRefreshToken(c)
	if token == "" {
		RespondError(c, errcode.New(errcode.InvalidToken, "refresh token missing"))
		return
	}

	pair, err := h.sessions.Refresh(c.Request.Context(), token)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, pair)
}

// Logout 删除刷新令牌，重复调用同样成功。
func (h *AuthHandler) Logout(c *gin.Context) {
	token := h.extractRefreshToken(c)
	if token == "" {
		RespondError(c, errcode.Validation("refresh token missing"))
		return
	}
	if err := h.sessions.Logout(c.Request.Context(), token); err != nil {
		RespondError(c, err)
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   strings.TrimSpace(h.cookieDomain),
	})
	c.Status(http.StatusNoContent)
}

// extractRefreshToken 优先读取请求体，其次读取 Cookie。
func (h *AuthHandler) extractRefreshToken(c *gin.Context) string {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil && strings.TrimSpace(req.RefreshToken) != "" {
		return strings.TrimSpace(req.RefreshToken)
	}
	if token, err := c.Cookie(refreshTokenCookieName); err == nil && token != "" {
		return token
	}
	return ""
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, refreshToken string) {
	maxAge := int(h.refreshTTL.Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    refreshToken,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   strings.TrimSpace(h.cookieDomain),
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	})
}

func isHTTPSRequest(c *gin.Context) bool {
	if c.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(c.Request.Header.Get("X-Forwarded-Proto"), "https")
}

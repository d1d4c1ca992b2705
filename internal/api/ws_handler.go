package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"aicareer/internal/auth"
	"aicareer/internal/notify"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// WsHandler 把用户的文档与运行状态事件推送到 WebSocket。
//
// 握手后客户端需在 authTimeout 内发送 {"type":"auth","token":"<access token>"}，
// 之后服务端只写不读，读循环仅用于发现断开。
type WsHandler struct {
	subscriber   notify.Subscriber
	authService  *auth.AuthService
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	authTimeout  time.Duration
	pingInterval time.Duration
}

func NewWsHandler(subscriber notify.Subscriber, authService *auth.AuthService, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	return &WsHandler{
		subscriber:   subscriber,
		authService:  authService,
		logger:       logger,
		upgrader:     websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		authTimeout:  wsAuthTimeout,
		pingInterval: wsPingInterval,
	}
}

// originChecker 未配置来源时只允许同源。
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		for _, o := range allowed {
			if origin == o {
				return true
			}
		}
		return false
	}
}

type wsAuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (h *WsHandler) HandleConnection(c *gin.Context) {
	if h.subscriber == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	log := h.logger.With(slog.String("client_ip", c.ClientIP()))

	userID, code, reason := h.authenticate(conn)
	if userID == "" {
		log.Info("websocket authentication failed", slog.String("reason", reason))
		closeWith(conn, code, reason)
		return
	}
	log = log.With(slog.String("user_id", userID))

	sub, err := h.subscriber.Subscribe(c.Request.Context(), userID)
	if err != nil {
		log.Error("subscribe status events failed", slog.Any("error", err))
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	log.Info("websocket authenticated")
	h.pump(conn, sub, log)
}

// authenticate 返回空 userID 时附带关闭码与原因。
func (h *WsHandler) authenticate(conn *websocket.Conn) (string, int, string) {
	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", websocket.ClosePolicyViolation, "auth timeout"
		}
		return "", websocket.CloseNormalClosure, "closed before auth"
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg wsAuthMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "auth" || msg.Token == "" {
		return "", websocket.ClosePolicyViolation, "auth required"
	}
	claims, err := h.authService.ValidateToken(msg.Token)
	if err != nil {
		return "", websocket.ClosePolicyViolation, "unauthorized"
	}
	return claims.UserID(), 0, ""
}

// pump 转发订阅事件并定期 ping，直到任一侧断开。
func (h *WsHandler) pump(conn *websocket.Conn, sub notify.Subscription, log *slog.Logger) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			log.Info("websocket client disconnected")
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				closeWith(conn, websocket.CloseGoingAway, "subscription closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Info("write status event failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Info("write ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
}

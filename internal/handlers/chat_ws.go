package handlers

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shopchat/livechat/internal/auth"
	"github.com/shopchat/livechat/internal/chat"
	apperrors "github.com/shopchat/livechat/pkg/errors"
	"github.com/shopchat/livechat/pkg/logger"
	"github.com/shopchat/livechat/pkg/response"
)

// ChatWSHandler upgrades HTTP requests into broker-managed chat sockets.
// The connection kind is distinguished by query parameters on upgrade:
//
//	?type=user&userId=<id>&name=<name>&phone=<phone>&lang=<en|hi>
//	?type=admin&adminId=<id>&name=<name>&token=<jwt>
type ChatWSHandler struct {
	broker     *chat.Broker
	jwt        *auth.JWTService // nil means the handshake identity is trusted
	sendBuffer int
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewChatWSHandler constructs the websocket entry point. extraOrigins widens
// the origin check beyond same-origin and loopback.
func NewChatWSHandler(broker *chat.Broker, jwt *auth.JWTService, sendBuffer int, extraOrigins []string) *ChatWSHandler {
	allowed := make(map[string]struct{}, len(extraOrigins))
	for _, origin := range extraOrigins {
		if host := hostWithoutPort(origin); host != "" {
			allowed[host] = struct{}{}
		}
	}

	return &ChatWSHandler{
		broker:     broker,
		jwt:        jwt,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				if originHost == hostWithoutPort(r.Host) || isLoopback(originHost) {
					return true
				}
				_, ok := allowed[originHost]
				return ok
			},
		},
		log: logger.WithModule("chat-ws"),
	}
}

// Serve validates the handshake parameters, upgrades the connection, and
// hands it to the broker.
func (h *ChatWSHandler) Serve(c *gin.Context) {
	role := chat.Role(strings.ToLower(strings.TrimSpace(c.Query("type"))))
	if !role.Valid() {
		response.Error(c, apperrors.NewBadRequest("type must be user or admin"))
		return
	}

	var conn *chat.Connection
	switch role {
	case chat.RoleUser:
		user := chat.UserInfo{
			UserID:   strings.TrimSpace(c.Query("userId")),
			Name:     strings.TrimSpace(c.Query("name")),
			Phone:    strings.TrimSpace(c.Query("phone")),
			Language: strings.TrimSpace(c.Query("lang")),
		}
		if user.UserID == "" {
			response.Error(c, apperrors.NewBadRequest("userId is required"))
			return
		}
		conn = chat.NewUserConnection(user, h.sendBuffer)

	case chat.RoleAdmin:
		adminID := strings.TrimSpace(c.Query("adminId"))
		name := strings.TrimSpace(c.Query("name"))

		if h.jwt != nil {
			claims, err := h.jwt.ValidateAccessToken(strings.TrimSpace(c.Query("token")))
			if err != nil {
				response.Error(c, apperrors.ErrUnauthorized)
				return
			}
			// The token is authoritative for agent identity.
			adminID = claims.AgentID
			if claims.AgentName != "" {
				name = claims.AgentName
			}
		}
		if adminID == "" {
			response.Error(c, apperrors.NewBadRequest("adminId is required"))
			return
		}
		conn = chat.NewAdminConnection(adminID, name, h.sendBuffer)
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	chat.ServeSocket(h.broker, conn, ws)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			host = parsed.Host
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

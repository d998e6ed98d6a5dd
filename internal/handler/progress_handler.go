// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"vidstream-go/internal/service"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ProgressHandler 负责带外进度通道的 WebSocket 推送。
// 转码 worker 把进度事件发布到 Redis pub/sub，这里按会话订阅并原样
// 转发给客户端；字节传输完成后的转码进度与最终结果都走这条通道。
type ProgressHandler struct {
	uploadService service.UploadService
	jwtManager    *token.JWTManager
}

// NewProgressHandler 创建一个新的 ProgressHandler 实例。
func NewProgressHandler(uploadService service.UploadService, jwtManager *token.JWTManager) *ProgressHandler {
	return &ProgressHandler{
		uploadService: uploadService,
		jwtManager:    jwtManager,
	}
}

// Handle 处理一个传入的 WebSocket 连接 (GET /ws/uploads/:id?token=)。
// WebSocket 握手无法携带 Authorization 头，因此 token 通过查询参数传递。
func (h *ProgressHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的 token"})
		return
	}

	sessionID := c.Param("id")
	// 校验归属后订阅该会话的进度频道
	pubsub, err := h.uploadService.SubscribeProgress(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	defer pubsub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("进度通道已建立。sessionID: %s, 用户: %s", sessionID, claims.Username)

	// 消费对端的控制帧（close/ping），对端挂断时结束推送
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				log.Warnf("推送进度事件失败, sessionID: %s, error: %v", sessionID, err)
				return
			}
		case <-done:
			log.Infof("客户端断开进度通道。sessionID: %s", sessionID)
			return
		}
	}
}

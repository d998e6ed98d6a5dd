// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"vidstream-go/internal/model"
	"vidstream-go/internal/protocol"
	"vidstream-go/internal/service"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理可恢复上传协议的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// currentUserID 从认证中间件写入的 claims 中取出用户 ID。
func currentUserID(c *gin.Context) uint {
	claims := c.MustGet("claims").(*token.CustomClaims)
	return claims.UserID
}

// sessionStatusText 将数据库状态转换为对外的状态字符串。
func sessionStatusText(status int) string {
	switch status {
	case model.StatusUploading:
		return "uploading"
	case model.StatusUploaded:
		return "uploaded"
	case model.StatusTranscoded:
		return "transcoded"
	case model.StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// abortWithServiceError 将服务层的业务错误映射为 HTTP 状态码。
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "上传会话不存在"})
	case errors.Is(err, service.ErrNotSessionOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "无权操作该上传会话"})
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "上传会话已过期，请重新创建"})
	case errors.Is(err, service.ErrOffsetMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "偏移量与服务端不一致"})
	case errors.Is(err, service.ErrSessionFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "会话的字节已全部接收"})
	case errors.Is(err, service.ErrChunkInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "该会话已有分片正在写入"})
	case errors.Is(err, service.ErrFileTooLarge),
		errors.Is(err, service.ErrUnsupportedType),
		errors.Is(err, service.ErrInvalidChunkSize),
		errors.Is(err, service.ErrMissingMetadata):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("UploadHandler: 未分类的服务错误", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
	}
}

// OpenSession 处理会话创建请求 (POST /api/v1/uploads)。
// 文件总长在 Upload-Length 头中，业务元数据在 Upload-Metadata 头中
// （base64 编码的键值对）。同指纹的有效会话会被直接复用。
func (h *UploadHandler) OpenSession(c *gin.Context) {
	totalSize, err := strconv.ParseInt(c.GetHeader(protocol.HeaderUploadLength), 10, 64)
	if err != nil || totalSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 Upload-Length 头"})
		return
	}

	meta, err := protocol.DecodeMetadata(c.GetHeader(protocol.HeaderUploadMetadata))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 Upload-Metadata 头: " + err.Error()})
		return
	}

	session, offset, err := h.uploadService.OpenSession(c.Request.Context(), currentUserID(c), totalSize, meta)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	uploadURL := fmt.Sprintf("/api/v1/uploads/%s", session.ID)
	c.Header("Location", uploadURL)
	c.Header(protocol.HeaderUploadOffset, strconv.FormatInt(offset, 10))
	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "会话创建成功",
		"data": gin.H{
			"uploadId":  session.ID,
			"uploadUrl": uploadURL,
			"offset":    offset,
		},
	})
}

// Head 报告会话当前已确认的偏移量 (HEAD /api/v1/uploads/:id)。
func (h *UploadHandler) Head(c *gin.Context) {
	session, offset, err := h.uploadService.GetSessionOffset(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.Header(protocol.HeaderUploadOffset, strconv.FormatInt(offset, 10))
	c.Header(protocol.HeaderUploadLength, strconv.FormatInt(session.TotalSize, 10))
	c.Status(http.StatusOK)
}

// AppendChunk 在已确认偏移量处追加字节 (PATCH /api/v1/uploads/:id)。
// 响应的 Upload-Offset 头携带新的已确认偏移量；偏移不一致时返回 409，
// 并在头中附上服务端真实的偏移量，客户端据此重新对齐。
func (h *UploadHandler) AppendChunk(c *gin.Context) {
	offset, err := strconv.ParseInt(c.GetHeader(protocol.HeaderUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 Upload-Offset 头"})
		return
	}

	newOffset, completed, err := h.uploadService.AppendChunk(
		c.Request.Context(), c.Param("id"), currentUserID(c), offset, c.Request.Body, c.Request.ContentLength)
	if err != nil {
		if errors.Is(err, service.ErrOffsetMismatch) || errors.Is(err, service.ErrChunkInFlight) {
			// 附带真实偏移量，客户端可以直接重新对齐而无需额外的 HEAD
			c.Header(protocol.HeaderUploadOffset, strconv.FormatInt(newOffset, 10))
		}
		abortWithServiceError(c, err)
		return
	}

	c.Header(protocol.HeaderUploadOffset, strconv.FormatInt(newOffset, 10))
	if completed {
		c.JSON(http.StatusOK, gin.H{
			"code":    http.StatusOK,
			"message": "全部字节已接收，转码任务已投递",
			"data":    gin.H{"offset": newOffset, "completed": true},
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Cancel 取消上传会话并清理服务端数据 (DELETE /api/v1/uploads/:id)。
func (h *UploadHandler) Cancel(c *gin.Context) {
	if err := h.uploadService.CancelSession(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// sessionView 是会话在列表/详情接口中的对外表示。
func sessionView(s model.UploadSession) gin.H {
	return gin.H{
		"uploadId":      s.ID,
		"fileName":      s.FileName,
		"totalSize":     s.TotalSize,
		"status":        sessionStatusText(s.Status),
		"seriesId":      s.SeriesID,
		"episodeNumber": s.EpisodeNumber,
		"title":         s.Title,
		"episodeId":     s.EpisodeID,
		"errorMessage":  s.ErrorMessage,
		"createdAt":     s.CreatedAt,
		"expiresAt":     s.ExpiresAt,
	}
}

// ListSessions 分页返回当前用户的上传会话 (GET /api/v1/uploads)。
func (h *UploadHandler) ListSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	sessions, total, err := h.uploadService.ListSessions(c.Request.Context(), currentUserID(c), page, limit)
	if err != nil {
		log.Error("ListSessions: 查询会话列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	data := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		data = append(data, sessionView(s))
	}

	totalPages := (total + int64(limit) - 1) / int64(limit)
	c.JSON(http.StatusOK, gin.H{
		"data": data,
		"meta": gin.H{
			"total":      total,
			"page":       page,
			"limit":      limit,
			"totalPages": totalPages,
		},
	})
}

// GetSession 返回单个会话的详情与已确认偏移量 (GET /api/v1/uploads/:id)。
func (h *UploadHandler) GetSession(c *gin.Context) {
	session, offset, err := h.uploadService.GetSessionOffset(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	view := sessionView(*session)
	view["offset"] = offset
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取会话成功",
		"data":    view,
	})
}

// GetEpisode 返回转码完成的剧集及其播放地址 (GET /api/v1/episodes/:id)。
func (h *UploadHandler) GetEpisode(c *gin.Context) {
	episodeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的剧集 ID"})
		return
	}

	episode, playbackURL, err := h.uploadService.GetEpisode(c.Request.Context(), uint(episodeID))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "剧集不存在"})
			return
		}
		log.Error("GetEpisode: 查询剧集失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取剧集成功",
		"data": gin.H{
			"episode":     episode,
			"playbackUrl": playbackURL,
		},
	})
}

package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vidstream-go/internal/protocol"
	"vidstream-go/pkg/log"

	"github.com/go-resty/resty/v2"
)

const (
	// DefaultChunkSize 是默认分片大小。服务端合并分片时要求
	// 非末尾分片不小于 5MB，客户端默认值与之对齐。
	DefaultChunkSize = 5 * 1024 * 1024

	// 分片发送的重试策略：指数退避，首次 500ms，上限 8s。
	maxChunkAttempts = 5
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 8 * time.Second
)

// OpenResult 是会话创建请求的应答。
type OpenResult struct {
	RemoteID  string
	RemoteURL string
	Offset    int64
}

type openResponse struct {
	Data struct {
		UploadID  string `json:"uploadId"`
		UploadURL string `json:"uploadUrl"`
		Offset    int64  `json:"offset"`
	} `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client 是可恢复上传协议的 HTTP 驱动，只负责单个请求的收发与
// 分片循环的推进，不持有会话状态（状态由 Manager 与 Store 管理）。
type Client struct {
	rest      *resty.Client
	baseURL   string
	token     string
	chunkSize int64
}

// NewClient 创建一个指向 serverURL 的协议客户端。
// chunkSize 为 0 时使用 DefaultChunkSize。
func NewClient(serverURL, token string, chunkSize int64) *Client {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	rest := resty.New().
		SetBaseURL(strings.TrimSuffix(serverURL, "/")).
		SetAuthToken(token).
		SetTimeout(2 * time.Minute)

	return &Client{
		rest:      rest,
		baseURL:   strings.TrimSuffix(serverURL, "/"),
		token:     token,
		chunkSize: chunkSize,
	}
}

// ChunkSize 返回客户端的分片大小。
func (c *Client) ChunkSize() int64 {
	return c.chunkSize
}

// classify 将一次请求的结果归入错误类别。
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return &TransientError{Err: err}
	}
	code := resp.StatusCode()
	if code >= 500 {
		return &TransientError{Err: fmt.Errorf("服务端错误 (HTTP %d)", code)}
	}

	msg := strings.TrimSpace(string(resp.Body()))
	var body errorResponse
	if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil && body.Error != "" {
		msg = body.Error
	}
	return &TerminalError{StatusCode: code, Message: msg}
}

// Open 创建（或按指纹找回）一个服务端上传会话。
// 服务端对同指纹的有效会话会返回原会话与已确认偏移量，
// 过期会话则退役后分配新的会话 ID —— 调用方需要比对 RemoteID
// 来识别这种分叉。
func (c *Client) Open(ctx context.Context, totalSize int64, meta map[string]string) (OpenResult, error) {
	var result openResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(protocol.HeaderUploadLength, strconv.FormatInt(totalSize, 10)).
		SetHeader(protocol.HeaderUploadMetadata, protocol.EncodeMetadata(meta)).
		SetResult(&result).
		Post("/api/v1/uploads")
	if err != nil || resp.StatusCode() != 201 {
		return OpenResult{}, classify(resp, err)
	}

	return OpenResult{
		RemoteID:  result.Data.UploadID,
		RemoteURL: result.Data.UploadURL,
		Offset:    result.Data.Offset,
	}, nil
}

// Offset 向服务端查询会话当前已确认的偏移量。
func (c *Client) Offset(ctx context.Context, remoteURL string) (int64, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		Head(remoteURL)
	if err != nil || resp.StatusCode() != 200 {
		return 0, classify(resp, err)
	}

	offset, parseErr := strconv.ParseInt(resp.Header().Get(protocol.HeaderUploadOffset), 10, 64)
	if parseErr != nil {
		return 0, &TransientError{Err: fmt.Errorf("应答缺少合法的 %s 头", protocol.HeaderUploadOffset)}
	}
	return offset, nil
}

// Delete 取消服务端会话。404 视为成功：会话本来就不存在了。
func (c *Client) Delete(ctx context.Context, remoteURL string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Delete(remoteURL)
	if err != nil {
		return &TransientError{Err: err}
	}
	switch resp.StatusCode() {
	case 204, 404, 410:
		return nil
	default:
		return classify(resp, nil)
	}
}

// Transfer 从 offset 起把文件按分片顺序推到服务端，直到全部确认或失败。
// 每个分片确认后调用 onChunk 上报新偏移量。返回最终已确认的偏移量。
//
// ctx 取消（暂停）时返回 ctx.Err()；重试耗尽返回 *TransientError；
// 服务端拒绝返回 *TerminalError。三种出口都保证返回的偏移量是服务端
// 已确认的值，调用方可以安全持久化。
func (c *Client) Transfer(ctx context.Context, remoteURL string, file io.ReaderAt, totalSize, offset int64, onChunk func(confirmed int64)) (int64, error) {
	buf := make([]byte, c.chunkSize)

	for offset < totalSize {
		size := c.chunkSize
		if remaining := totalSize - offset; remaining < size {
			size = remaining
		}
		chunk := buf[:size]
		if _, err := file.ReadAt(chunk, offset); err != nil {
			return offset, &ValidationError{Reason: fmt.Sprintf("读取文件偏移 %d 失败: %v", offset, err)}
		}

		newOffset, err := c.sendChunk(ctx, remoteURL, offset, chunk)
		if err != nil {
			return offset, err
		}

		if newOffset != offset+size {
			// 偏移冲突后服务端告知了真实偏移，从那里重新对齐
			log.Warnf("[Transfer] 偏移量重新对齐: 本地 %d -> 服务端 %d", offset+size, newOffset)
		}
		offset = newOffset
		if onChunk != nil {
			onChunk(offset)
		}
	}
	return offset, nil
}

// sendChunk 发送单个分片，带指数退避重试。
// 返回服务端确认的新偏移量（409 时返回服务端的真实偏移量，让外层重新对齐）。
func (c *Client) sendChunk(ctx context.Context, remoteURL string, offset int64, chunk []byte) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxChunkAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			log.Warnf("[sendChunk] 第 %d 次重试, 等待 %v: %v", attempt, delay, lastErr)
			select {
			case <-ctx.Done():
				return offset, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.rest.R().
			SetContext(ctx).
			SetHeader(protocol.HeaderUploadOffset, strconv.FormatInt(offset, 10)).
			SetHeader("Content-Type", "application/offset+octet-stream").
			SetBody(chunk).
			Patch(remoteURL)
		if err != nil {
			if ctx.Err() != nil {
				return offset, ctx.Err()
			}
			lastErr = err
			continue
		}

		switch code := resp.StatusCode(); {
		case code == 204 || code == 200:
			newOffset, parseErr := strconv.ParseInt(resp.Header().Get(protocol.HeaderUploadOffset), 10, 64)
			if parseErr != nil {
				return offset, &TransientError{Err: fmt.Errorf("应答缺少合法的 %s 头", protocol.HeaderUploadOffset)}
			}
			return newOffset, nil
		case code == 409:
			// 服务端的真实偏移在应答头中；交给外层循环从那里继续
			serverOffset, parseErr := strconv.ParseInt(resp.Header().Get(protocol.HeaderUploadOffset), 10, 64)
			if parseErr != nil {
				// 应答头缺失时退化为显式 HEAD 查询
				return c.Offset(ctx, remoteURL)
			}
			return serverOffset, nil
		case code >= 500:
			lastErr = fmt.Errorf("服务端错误 (HTTP %d)", code)
			continue
		default:
			return offset, classify(resp, nil)
		}
	}
	return offset, &TransientError{Err: fmt.Errorf("分片发送重试 %d 次后仍失败: %w", maxChunkAttempts, lastErr)}
}

// SessionDetail 是会话详情接口的应答摘要，带外通道静默时用它兜底。
type SessionDetail struct {
	Status       string `json:"status"`
	EpisodeID    *uint  `json:"episodeId"`
	ErrorMessage string `json:"errorMessage"`
	Offset       int64  `json:"offset"`
}

type sessionDetailResponse struct {
	Data SessionDetail `json:"data"`
}

// Detail 查询服务端会话的当前状态。
func (c *Client) Detail(ctx context.Context, remoteURL string) (SessionDetail, error) {
	var result sessionDetailResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&result).
		Get(remoteURL)
	if err != nil || resp.StatusCode() != 200 {
		return SessionDetail{}, classify(resp, err)
	}
	return result.Data, nil
}

// WatchURL 构造会话进度推送通道的 WebSocket 地址。
func (c *Client) WatchURL(remoteID string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return fmt.Sprintf("%s/ws/uploads/%s?token=%s", wsBase, remoteID, url.QueryEscape(c.token))
}

package protocol

// 带外进度事件的类型。
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventError     = "error"
)

// ProgressEvent 是带外进度通道上推送的事件。
// 转码 worker 发布，WebSocket 端原样转发给客户端。
// Seq 单调递增，客户端据此丢弃乱序到达的过期推送。
type ProgressEvent struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId"`
	Seq        int64   `json:"seq"`
	Percentage float64 `json:"percentage,omitempty"`
	// Speed 的单位是字节/秒，EstimatedTimeRemaining 的单位是秒。
	Speed                  float64 `json:"speed,omitempty"`
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemaining,omitempty"`
	EpisodeID              uint    `json:"episodeId,omitempty"`
	Message                string  `json:"message,omitempty"`
	Timestamp              int64   `json:"timestamp"`
}

// Package tasks 定义了投递到 Kafka 的任务结构。
package tasks

// TranscodeTask 表示一个待转码的成片任务。
// 在上传会话的全部字节落盘之后，由上传服务投递；转码 worker 消费后
// 生成可播放的剧集实体，并通过带外通道上报进度与结果。
type TranscodeTask struct {
	SessionID     string `json:"session_id"`
	Fingerprint   string `json:"fingerprint"`
	ObjectKey     string `json:"object_key"`
	FileName      string `json:"file_name"`
	TotalSize     int64  `json:"total_size"`
	UserID        uint   `json:"user_id"`
	SeriesID      string `json:"series_id"`
	EpisodeNumber int    `json:"episode_number"`
	Title         string `json:"title"`
	Description   string `json:"description"`
}

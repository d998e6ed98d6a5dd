// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// UploadSession 的生命周期状态。
// 字节传输完成 (StatusUploaded) 不等于剧集就绪：转码还在进行中。
const (
	StatusUploading  = 0 // 会话已创建，字节尚未传完
	StatusUploaded   = 1 // 全部字节已确认落盘，等待转码
	StatusTranscoded = 2 // 转码完成，EpisodeID 已生效
	StatusFailed     = 3 // 转码失败
)

// UploadSession 定义了 upload_session 表的 ORM 模型。
// 每条记录对应服务端的一个可恢复上传会话，ID 即会话 URL 中的标识。
type UploadSession struct {
	ID            string     `gorm:"primaryKey;type:varchar(32)" json:"id"`
	Fingerprint   string     `gorm:"type:varchar(64);not null;index:idx_fp_user" json:"fingerprint"`
	FileName      string     `gorm:"type:varchar(255);not null" json:"fileName"`
	ContentType   string     `gorm:"type:varchar(100)" json:"contentType"`
	TotalSize     int64      `gorm:"not null" json:"totalSize"`
	Status        int        `gorm:"type:tinyint;not null;default:0" json:"status"`
	UserID        uint       `gorm:"not null;index:idx_fp_user" json:"userId"`
	SeriesID      string     `gorm:"type:varchar(64)" json:"seriesId"`
	EpisodeNumber int        `gorm:"not null;default:0" json:"episodeNumber"`
	Title         string     `gorm:"type:varchar(255)" json:"title"`
	Description   string     `gorm:"type:text" json:"description"`
	EpisodeID     *uint      `gorm:"default:null" json:"episodeId"`
	ErrorMessage  string     `gorm:"type:varchar(500)" json:"errorMessage"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	ExpiresAt     time.Time  `gorm:"not null" json:"expiresAt"`
	CompletedAt   *time.Time `gorm:"default:null" json:"completedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadSession) TableName() string {
	return "upload_session"
}

// Episode 定义了 episode 表的 ORM 模型。
// 转码 worker 在成片处理完成后创建记录，它是上传会话最终指向的实体。
type Episode struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SeriesID      string    `gorm:"type:varchar(64);not null;index" json:"seriesId"`
	EpisodeNumber int       `gorm:"not null" json:"episodeNumber"`
	Title         string    `gorm:"type:varchar(255);not null" json:"title"`
	Description   string    `gorm:"type:text" json:"description"`
	ObjectKey     string    `gorm:"type:varchar(255);not null" json:"objectKey"`
	SourceMD5     string    `gorm:"type:varchar(32);not null" json:"sourceMd5"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Episode) TableName() string {
	return "episode"
}

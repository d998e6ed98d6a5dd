// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"vidstream-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// UploadRepository 接口定义了上传会话相关的数据持久化操作。
// 会话与剧集的元数据落在 MySQL；热路径上的已确认偏移量与进度事件走 Redis。
type UploadRepository interface {
	// UploadSession operations (GORM)
	CreateSession(session *model.UploadSession) error
	GetSession(id string) (*model.UploadSession, error)
	FindActiveByFingerprint(fingerprint string, userID uint) (*model.UploadSession, error)
	ListSessionsByUser(userID uint, page, limit int) ([]model.UploadSession, int64, error)
	MarkSessionUploaded(id string) error
	SetSessionResult(id string, episodeID uint) error
	SetSessionFailure(id string, errMsg string) error
	DeleteSession(id string) error

	// Episode operations (GORM)
	CreateEpisode(episode *model.Episode) error
	GetEpisode(id uint) (*model.Episode, error)

	// Offset operations (Redis)
	GetOffset(ctx context.Context, sessionID string) (int64, error)
	SetOffset(ctx context.Context, sessionID string, offset int64, ttl time.Duration) error
	DeleteOffset(ctx context.Context, sessionID string) error
	AcquireChunkLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	ReleaseChunkLock(ctx context.Context, sessionID string) error

	// Out-of-band progress channel (Redis pub/sub)
	PublishProgress(ctx context.Context, sessionID string, payload []byte) error
	SubscribeProgress(ctx context.Context, sessionID string) *redis.PubSub
}

// uploadRepository 是 UploadRepository 接口的 GORM+Redis 实现。
type uploadRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB, redisClient *redis.Client) UploadRepository {
	return &uploadRepository{db: db, redisClient: redisClient}
}

// getOffsetKey 生成保存会话已确认偏移量的 Redis key。
func (r *uploadRepository) getOffsetKey(sessionID string) string {
	return "upload:offset:" + sessionID
}

// getProgressChannel 生成会话进度事件的 pub/sub 频道名。
func (r *uploadRepository) getProgressChannel(sessionID string) string {
	return "upload:events:" + sessionID
}

// getChunkLockKey 生成会话分片写锁的 Redis key。
func (r *uploadRepository) getChunkLockKey(sessionID string) string {
	return "upload:chunklock:" + sessionID
}

// CreateSession 在数据库中创建一个新的上传会话记录。
func (r *uploadRepository) CreateSession(session *model.UploadSession) error {
	return r.db.Create(session).Error
}

// GetSession 根据会话 ID 检索上传会话记录。
func (r *uploadRepository) GetSession(id string) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindActiveByFingerprint 查找同一用户、同一文件指纹下仍在传输中的会话。
// 续传时服务端用它判断是复用旧会话还是分配新会话。
func (r *uploadRepository) FindActiveByFingerprint(fingerprint string, userID uint) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("fingerprint = ? AND user_id = ? AND status = ?", fingerprint, userID, model.StatusUploading).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessionsByUser 分页查询用户的全部上传会话，按创建时间倒序。
func (r *uploadRepository) ListSessionsByUser(userID uint, page, limit int) ([]model.UploadSession, int64, error) {
	var sessions []model.UploadSession
	var total int64

	if err := r.db.Model(&model.UploadSession{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.Where("user_id = ?", userID).
		Order("created_at desc").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&sessions).Error
	return sessions, total, err
}

// MarkSessionUploaded 将会话标记为“字节已全部落盘”，并记录完成时间。
func (r *uploadRepository) MarkSessionUploaded(id string) error {
	now := time.Now()
	return r.db.Model(&model.UploadSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StatusUploaded, "completed_at": &now}).Error
}

// SetSessionResult 在转码成功后绑定剧集 ID。
func (r *uploadRepository) SetSessionResult(id string, episodeID uint) error {
	return r.db.Model(&model.UploadSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StatusTranscoded, "episode_id": episodeID}).Error
}

// SetSessionFailure 在转码失败后记录失败原因。
func (r *uploadRepository) SetSessionFailure(id string, errMsg string) error {
	return r.db.Model(&model.UploadSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StatusFailed, "error_message": errMsg}).Error
}

// DeleteSession 删除一个上传会话记录。
func (r *uploadRepository) DeleteSession(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.UploadSession{}).Error
}

// CreateEpisode 在数据库中创建一个新的剧集记录。
func (r *uploadRepository) CreateEpisode(episode *model.Episode) error {
	return r.db.Create(episode).Error
}

// GetEpisode 根据 ID 检索剧集记录。
func (r *uploadRepository) GetEpisode(id uint) (*model.Episode, error) {
	var episode model.Episode
	err := r.db.Where("id = ?", id).First(&episode).Error
	if err != nil {
		return nil, err
	}
	return &episode, nil
}

// GetOffset 从 Redis 读取会话的已确认偏移量。key 不存在时返回 0。
func (r *uploadRepository) GetOffset(ctx context.Context, sessionID string) (int64, error) {
	offset, err := r.redisClient.Get(ctx, r.getOffsetKey(sessionID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return offset, nil
}

// SetOffset 在分片落盘后提交新的已确认偏移量。
// 偏移量只会单调递增，写入发生在 MinIO 写成功之后，保证服务端报告的
// 偏移之前的字节一定是持久化的。
func (r *uploadRepository) SetOffset(ctx context.Context, sessionID string, offset int64, ttl time.Duration) error {
	return r.redisClient.Set(ctx, r.getOffsetKey(sessionID), offset, ttl).Err()
}

// DeleteOffset 删除会话的偏移量 key（取消或清理时调用）。
func (r *uploadRepository) DeleteOffset(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, r.getOffsetKey(sessionID)).Err()
}

// AcquireChunkLock 用 SETNX 抢占会话的分片写锁。
// 同一会话同一时刻只允许一个分片在“读偏移-写对象-提偏移”的临界区里，
// ttl 兜底释放，防止持锁进程崩溃后锁被永久占用。
func (r *uploadRepository) AcquireChunkLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return r.redisClient.SetNX(ctx, r.getChunkLockKey(sessionID), 1, ttl).Result()
}

// ReleaseChunkLock 释放会话的分片写锁。
func (r *uploadRepository) ReleaseChunkLock(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, r.getChunkLockKey(sessionID)).Err()
}

// PublishProgress 向会话的进度频道发布一条事件（由转码 worker 调用）。
func (r *uploadRepository) PublishProgress(ctx context.Context, sessionID string, payload []byte) error {
	return r.redisClient.Publish(ctx, r.getProgressChannel(sessionID), payload).Err()
}

// SubscribeProgress 订阅会话的进度频道（由 WebSocket 推送端调用）。
func (r *uploadRepository) SubscribeProgress(ctx context.Context, sessionID string) *redis.PubSub {
	return r.redisClient.Subscribe(ctx, r.getProgressChannel(sessionID))
}

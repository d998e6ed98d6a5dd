// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"vidstream-go/internal/config"
	"vidstream-go/internal/model"
	"vidstream-go/internal/protocol"
	"vidstream-go/internal/repository"
	"vidstream-go/pkg/kafka"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/storage"
	"vidstream-go/pkg/tasks"
	"vidstream-go/pkg/token"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"
)

const (
	// DefaultChunkSize 是协议约定的分片大小 (5MB)。
	// MinIO 的 ComposeObject 要求除最后一个分片外不得小于 5MB，
	// 因此除末尾分片外，PATCH 请求体必须恰好是这个长度。
	DefaultChunkSize = 5 * 1024 * 1024

	// DefaultMaxFileSize 是平台默认的单文件大小上限 (10GB)。
	DefaultMaxFileSize = 10 * 1024 * 1024 * 1024

	// chunkLockTTL 是分片写锁的兜底过期时间，须大于单个分片
	// 落盘到 MinIO 的最坏耗时。
	chunkLockTTL = 2 * time.Minute
)

// 服务层的业务错误，handler 据此映射 HTTP 状态码。
var (
	ErrSessionNotFound  = errors.New("上传会话不存在")
	ErrNotSessionOwner  = errors.New("无权操作该上传会话")
	ErrSessionExpired   = errors.New("上传会话已过期")
	ErrSessionFinished  = errors.New("上传会话的字节已全部接收")
	ErrOffsetMismatch   = errors.New("偏移量与服务端已确认的不一致")
	ErrChunkInFlight    = errors.New("该会话已有分片正在写入")
	ErrFileTooLarge     = errors.New("文件大小超过平台上限")
	ErrUnsupportedType  = errors.New("不支持的媒体类型")
	ErrInvalidChunkSize = errors.New("分片长度不符合协议约定")
	ErrMissingMetadata  = errors.New("缺少必要的上传元数据")
)

// allowedVideoExtensions 是允许上传的视频容器格式白名单。
var allowedVideoExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".mov":  {},
	".webm": {},
	".avi":  {},
	".m4v":  {},
}

// UploadService 接口定义了可恢复上传会话的业务操作。
type UploadService interface {
	OpenSession(ctx context.Context, userID uint, totalSize int64, meta map[string]string) (session *model.UploadSession, offset int64, err error)
	GetSessionOffset(ctx context.Context, sessionID string, userID uint) (*model.UploadSession, int64, error)
	AppendChunk(ctx context.Context, sessionID string, userID uint, offset int64, body io.Reader, length int64) (newOffset int64, completed bool, err error)
	CancelSession(ctx context.Context, sessionID string, userID uint) error
	ListSessions(ctx context.Context, userID uint, page, limit int) ([]model.UploadSession, int64, error)
	GetEpisode(ctx context.Context, episodeID uint) (*model.Episode, string, error)
	SubscribeProgress(ctx context.Context, sessionID string, userID uint) (*redis.PubSub, error)
}

type uploadService struct {
	uploadRepo repository.UploadRepository
	minioCfg   config.MinIOConfig
	uploadCfg  config.UploadConfig
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(uploadRepo repository.UploadRepository, minioCfg config.MinIOConfig, uploadCfg config.UploadConfig) UploadService {
	return &uploadService{
		uploadRepo: uploadRepo,
		minioCfg:   minioCfg,
		uploadCfg:  uploadCfg,
	}
}

// maxFileSize 返回配置的大小上限，未配置时使用默认值。
func (s *uploadService) maxFileSize() int64 {
	if s.uploadCfg.MaxSizeBytes > 0 {
		return s.uploadCfg.MaxSizeBytes
	}
	return DefaultMaxFileSize
}

// sessionTTL 返回服务端会话的保留时长。
func (s *uploadService) sessionTTL() time.Duration {
	if s.uploadCfg.SessionTTLHours > 0 {
		return time.Duration(s.uploadCfg.SessionTTLHours) * time.Hour
	}
	return 48 * time.Hour
}

// chunkObjectName 生成分片对象在 MinIO 中的存储路径。
func chunkObjectName(sessionID string, index int) string {
	return fmt.Sprintf("chunks/%s/%d", sessionID, index)
}

// episodeObjectName 生成合并后成片对象的存储路径。
func episodeObjectName(fingerprint, fileName string) string {
	return fmt.Sprintf("episodes/%s/%s", fingerprint, fileName)
}

// OpenSession 创建或复用一个上传会话。
// 同一用户、同一文件指纹下若已有未过期的传输中会话，则直接返回它和
// 当前已确认的偏移量（真正的断点续传）；已过期的旧会话会被退役并分配
// 全新的会话 ID——客户端据此走“会话分叉”的对账路径。
func (s *uploadService) OpenSession(ctx context.Context, userID uint, totalSize int64, meta map[string]string) (*model.UploadSession, int64, error) {
	fingerprint := meta[protocol.MetaFingerprint]
	fileName := meta[protocol.MetaFileName]
	if fingerprint == "" || fileName == "" {
		return nil, 0, ErrMissingMetadata
	}
	log.Infof("[OpenSession] 开始处理会话创建请求，指纹: %s, 文件: %s, 用户ID: %d", fingerprint, fileName, userID)

	// 1. 入参校验：大小上限与媒体类型白名单
	if totalSize <= 0 {
		return nil, 0, ErrInvalidChunkSize
	}
	if totalSize > s.maxFileSize() {
		log.Warnf("[OpenSession] 拒绝创建会话：文件过大 (%d bytes)。指纹: %s", totalSize, fingerprint)
		return nil, 0, ErrFileTooLarge
	}
	ext := strings.ToLower(path.Ext(fileName))
	if _, ok := allowedVideoExtensions[ext]; !ok {
		log.Warnf("[OpenSession] 拒绝创建会话：不支持的媒体类型 '%s'。文件: %s", ext, fileName)
		return nil, 0, ErrUnsupportedType
	}

	// 2. 查找同指纹的传输中会话
	existing, err := s.uploadRepo.FindActiveByFingerprint(fingerprint, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[OpenSession] 查询指纹会话失败, error: %v", err)
		return nil, 0, err
	}

	if existing != nil {
		if time.Now().Before(existing.ExpiresAt) {
			// 会话仍然有效，返回它与已确认偏移量
			offset, err := s.uploadRepo.GetOffset(ctx, existing.ID)
			if err != nil {
				log.Errorf("[OpenSession] 读取已确认偏移量失败, sessionID: %s, error: %v", existing.ID, err)
				return nil, 0, err
			}
			log.Infof("[OpenSession] 复用已存在的会话 %s，已确认偏移量: %d", existing.ID, offset)
			return existing, offset, nil
		}

		// 3. 旧会话已过期：退役旧记录，后续创建全新会话
		log.Warnf("[OpenSession] 会话 %s 已过期，退役旧会话并分配新会话。指纹: %s", existing.ID, fingerprint)
		if err := s.retireSession(ctx, existing); err != nil {
			log.Errorf("[OpenSession] 退役过期会话失败, sessionID: %s, error: %v", existing.ID, err)
			return nil, 0, err
		}
	}

	// 4. 创建新会话
	episodeNumber, _ := strconv.Atoi(meta[protocol.MetaEpisodeNum])
	session := &model.UploadSession{
		ID:            token.GenerateRandomString(16),
		Fingerprint:   fingerprint,
		FileName:      fileName,
		ContentType:   meta[protocol.MetaContentType],
		TotalSize:     totalSize,
		Status:        model.StatusUploading,
		UserID:        userID,
		SeriesID:      meta[protocol.MetaSeriesID],
		EpisodeNumber: episodeNumber,
		Title:         meta[protocol.MetaTitle],
		Description:   meta[protocol.MetaDescription],
		ExpiresAt:     time.Now().Add(s.sessionTTL()),
	}
	if err := s.uploadRepo.CreateSession(session); err != nil {
		log.Errorf("[OpenSession] 创建会话记录失败, error: %v", err)
		return nil, 0, err
	}

	log.Infof("[OpenSession] 会话创建成功。sessionID: %s, totalSize: %d", session.ID, totalSize)
	return session, 0, nil
}

// GetSessionOffset 返回会话及其已确认的偏移量（HEAD 请求的数据源）。
func (s *uploadService) GetSessionOffset(ctx context.Context, sessionID string, userID uint) (*model.UploadSession, int64, error) {
	session, err := s.loadOwnedSession(sessionID, userID)
	if err != nil {
		return nil, 0, err
	}
	if session.Status != model.StatusUploading {
		// 字节已传完的会话直接报告总大小
		return session, session.TotalSize, nil
	}
	offset, err := s.uploadRepo.GetOffset(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	return session, offset, nil
}

// AppendChunk 在指定偏移量处追加一个分片。
// 偏移量必须与服务端已确认的完全一致；新的偏移量只在 MinIO 写成功后提交。
// 末尾分片落盘后会合并成片、标记会话完成并投递转码任务。
func (s *uploadService) AppendChunk(ctx context.Context, sessionID string, userID uint, offset int64, body io.Reader, length int64) (int64, bool, error) {
	session, err := s.loadOwnedSession(sessionID, userID)
	if err != nil {
		return 0, false, err
	}
	if session.Status != model.StatusUploading {
		return session.TotalSize, false, ErrSessionFinished
	}
	if time.Now().After(session.ExpiresAt) {
		return 0, false, ErrSessionExpired
	}

	// 1. 抢占分片写锁：“读偏移-写对象-提偏移”必须串行执行，否则两个
	//    携带相同偏移的并发 PATCH 会都通过校验并重复推进偏移量
	locked, err := s.uploadRepo.AcquireChunkLock(ctx, sessionID, chunkLockTTL)
	if err != nil {
		log.Errorf("[AppendChunk] 抢占分片写锁失败, sessionID: %s, error: %v", sessionID, err)
		return 0, false, err
	}
	if !locked {
		confirmed, err := s.uploadRepo.GetOffset(ctx, sessionID)
		if err != nil {
			return 0, false, err
		}
		log.Warnf("[AppendChunk] 会话已有分片在写入，拒绝并发请求。sessionID: %s, 已确认偏移: %d", sessionID, confirmed)
		return confirmed, false, ErrChunkInFlight
	}
	defer func() {
		// 请求的 ctx 可能已取消，释放锁用独立的 context
		if err := s.uploadRepo.ReleaseChunkLock(context.Background(), sessionID); err != nil {
			log.Warnf("[AppendChunk] 释放分片写锁失败, sessionID: %s, error: %v", sessionID, err)
		}
	}()

	// 2. 校验偏移量：单调偏移协议要求 PATCH 的偏移与已确认值严格一致
	confirmed, err := s.uploadRepo.GetOffset(ctx, sessionID)
	if err != nil {
		log.Errorf("[AppendChunk] 读取已确认偏移量失败, sessionID: %s, error: %v", sessionID, err)
		return 0, false, err
	}
	if offset != confirmed {
		log.Warnf("[AppendChunk] 偏移量不一致。sessionID: %s, 请求偏移: %d, 已确认偏移: %d", sessionID, offset, confirmed)
		return confirmed, false, ErrOffsetMismatch
	}

	// 3. 校验分片长度：除末尾分片外必须恰好等于 DefaultChunkSize
	remaining := session.TotalSize - offset
	if length <= 0 || length > remaining {
		return confirmed, false, ErrInvalidChunkSize
	}
	if length != DefaultChunkSize && length != remaining {
		return confirmed, false, ErrInvalidChunkSize
	}

	// 4. 将分片写入 MinIO
	chunkIndex := int(offset / DefaultChunkSize)
	objectName := chunkObjectName(sessionID, chunkIndex)
	_, err = storage.MinioClient.PutObject(ctx, s.minioCfg.BucketName, objectName, body, length, minio.PutObjectOptions{})
	if err != nil {
		log.Errorf("[AppendChunk] 上传分片到 MinIO 失败, objectName: %s, error: %v", objectName, err)
		return confirmed, false, err
	}

	// 5. 提交新的已确认偏移量
	newOffset := offset + length
	if err := s.uploadRepo.SetOffset(ctx, sessionID, newOffset, s.sessionTTL()); err != nil {
		log.Errorf("[AppendChunk] 严重错误：提交偏移量失败, sessionID: %s, error: %v", sessionID, err)
		return confirmed, false, err
	}

	log.Infof("[AppendChunk] 分片落盘成功。sessionID: %s, 分片序号: %d, 进度: %d/%d", sessionID, chunkIndex, newOffset, session.TotalSize)

	// 6. 末尾分片：合并成片并触发转码
	if newOffset == session.TotalSize {
		if err := s.finishSession(ctx, session, chunkIndex+1); err != nil {
			return newOffset, false, err
		}
		return newOffset, true, nil
	}
	return newOffset, false, nil
}

// finishSession 在全部字节落盘后合并分片、更新状态并投递转码任务。
func (s *uploadService) finishSession(ctx context.Context, session *model.UploadSession, totalChunks int) error {
	log.Infof("[FinishSession] 全部字节已接收，开始合并分片。sessionID: %s, 分片数: %d", session.ID, totalChunks)
	destObjectName := episodeObjectName(session.Fingerprint, session.FileName)

	// 1. 根据分片数量选择合并策略
	if totalChunks == 1 {
		// 单分片文件使用 CopyObject
		src := minio.CopySrcOptions{
			Bucket: s.minioCfg.BucketName,
			Object: chunkObjectName(session.ID, 0),
		}
		dst := minio.CopyDestOptions{
			Bucket: s.minioCfg.BucketName,
			Object: destObjectName,
		}
		if _, err := storage.MinioClient.CopyObject(ctx, dst, src); err != nil {
			log.Errorf("[FinishSession] 单分片文件复制失败, error: %v", err)
			return fmt.Errorf("failed to copy single chunk object: %w", err)
		}
	} else {
		// 多分片文件使用 ComposeObject
		var srcs []minio.CopySrcOptions
		for i := 0; i < totalChunks; i++ {
			srcs = append(srcs, minio.CopySrcOptions{
				Bucket: s.minioCfg.BucketName,
				Object: chunkObjectName(session.ID, i),
			})
		}
		dst := minio.CopyDestOptions{
			Bucket: s.minioCfg.BucketName,
			Object: destObjectName,
		}
		if _, err := storage.MinioClient.ComposeObject(ctx, dst, srcs...); err != nil {
			log.Errorf("[FinishSession] 多分片文件合并失败, error: %v", err)
			return err
		}
	}
	log.Infof("[FinishSession] 分片合并成功。成片对象: %s", destObjectName)

	// 2. 更新数据库会话状态为“字节已全部接收”
	if err := s.uploadRepo.MarkSessionUploaded(session.ID); err != nil {
		log.Errorf("[FinishSession] 更新会话状态失败, error: %v", err)
		return err
	}

	// 3. 投递转码任务到 Kafka；失败不回滚字节状态，转码可以人工补偿
	task := tasks.TranscodeTask{
		SessionID:     session.ID,
		Fingerprint:   session.Fingerprint,
		ObjectKey:     destObjectName,
		FileName:      session.FileName,
		TotalSize:     session.TotalSize,
		UserID:        session.UserID,
		SeriesID:      session.SeriesID,
		EpisodeNumber: session.EpisodeNumber,
		Title:         session.Title,
		Description:   session.Description,
	}
	if err := kafka.ProduceTranscodeTask(task); err != nil {
		log.Errorf("[FinishSession] 发送转码任务到 Kafka 失败, error: %v", err)
	} else {
		log.Infof("[FinishSession] 转码任务已成功发送到 Kafka。sessionID: %s", session.ID)
	}

	// 4. 后台清理分片对象与偏移量 key
	go s.cleanupChunks(session.ID, totalChunks)
	return nil
}

// CancelSession 取消一个上传会话并清理服务端的部分数据。
func (s *uploadService) CancelSession(ctx context.Context, sessionID string, userID uint) error {
	session, err := s.loadOwnedSession(sessionID, userID)
	if err != nil {
		return err
	}
	log.Infof("[CancelSession] 取消上传会话。sessionID: %s, 用户ID: %d", sessionID, userID)

	if err := s.uploadRepo.DeleteSession(sessionID); err != nil {
		log.Errorf("[CancelSession] 删除会话记录失败, error: %v", err)
		return err
	}

	totalChunks := int((session.TotalSize + DefaultChunkSize - 1) / DefaultChunkSize)
	go s.cleanupChunks(sessionID, totalChunks)
	return nil
}

// ListSessions 分页返回用户的上传会话。
func (s *uploadService) ListSessions(ctx context.Context, userID uint, page, limit int) ([]model.UploadSession, int64, error) {
	return s.uploadRepo.ListSessionsByUser(userID, page, limit)
}

// GetEpisode 返回剧集记录及其带签名的播放地址。
func (s *uploadService) GetEpisode(ctx context.Context, episodeID uint) (*model.Episode, string, error) {
	episode, err := s.uploadRepo.GetEpisode(episodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", err
	}
	playbackURL, err := storage.GetPresignedURL(s.minioCfg.BucketName, episode.ObjectKey, time.Hour)
	if err != nil {
		return nil, "", err
	}
	return episode, playbackURL, nil
}

// SubscribeProgress 校验归属后订阅会话的带外进度频道。
func (s *uploadService) SubscribeProgress(ctx context.Context, sessionID string, userID uint) (*redis.PubSub, error) {
	if _, err := s.loadOwnedSession(sessionID, userID); err != nil {
		return nil, err
	}
	return s.uploadRepo.SubscribeProgress(ctx, sessionID), nil
}

// loadOwnedSession 加载会话并校验归属。
func (s *uploadService) loadOwnedSession(sessionID string, userID uint) (*model.UploadSession, error) {
	session, err := s.uploadRepo.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrNotSessionOwner
	}
	return session, nil
}

// retireSession 退役一个过期会话：删除记录、偏移量与已落盘的分片。
func (s *uploadService) retireSession(ctx context.Context, session *model.UploadSession) error {
	if err := s.uploadRepo.DeleteSession(session.ID); err != nil {
		return err
	}
	totalChunks := int((session.TotalSize + DefaultChunkSize - 1) / DefaultChunkSize)
	go s.cleanupChunks(session.ID, totalChunks)
	return nil
}

// cleanupChunks 后台清理会话的分片对象与 Redis 偏移量。
// 这是尽力而为的清理，失败只记日志，不影响主流程。
func (s *uploadService) cleanupChunks(sessionID string, totalChunks int) {
	bgCtx := context.Background()
	log.Infof("[CleanupChunks] 启动后台清理任务。sessionID: %s", sessionID)

	if err := s.uploadRepo.DeleteOffset(bgCtx, sessionID); err != nil {
		log.Warnf("[CleanupChunks] 删除 Redis 偏移量失败, sessionID: %s, error: %v", sessionID, err)
	}

	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for i := 0; i < totalChunks; i++ {
			objectsCh <- minio.ObjectInfo{Key: chunkObjectName(sessionID, i)}
		}
	}()
	for rErr := range storage.MinioClient.RemoveObjects(bgCtx, s.minioCfg.BucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil {
			log.Warnf("[CleanupChunks] 删除分片对象失败: %s, error: %v", rErr.ObjectName, rErr.Err)
		}
	}
	log.Infof("[CleanupChunks] 后台清理任务完成。sessionID: %s", sessionID)
}

// Package transcode 定义了成片转码的核心流程。
// worker 消费 Kafka 上的转码任务，生成可播放的剧集实体，并把阶段性
// 进度与最终结果通过 Redis pub/sub 发布到带外进度通道。
package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"vidstream-go/internal/config"
	"vidstream-go/internal/model"
	"vidstream-go/internal/protocol"
	"vidstream-go/internal/repository"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/storage"
	"vidstream-go/pkg/tasks"

	"github.com/minio/minio-go/v7"
)

// transcodeStages 描述模拟转码的各个阶段及其在总进度中的占比终点。
// 真实部署中这里对接 ffmpeg 或远端转码集群，进度来自其输出流。
var transcodeStages = []struct {
	name string
	pct  float64
}{
	{"probe", 10},
	{"video", 70},
	{"audio", 90},
	{"package", 100},
}

// Worker 封装了转码处理的所有依赖和逻辑。
type Worker struct {
	minioCfg   config.MinIOConfig
	uploadRepo repository.UploadRepository
	seq        int64
}

// NewWorker 创建一个新的 Worker 实例。
func NewWorker(minioCfg config.MinIOConfig, uploadRepo repository.UploadRepository) *Worker {
	return &Worker{
		minioCfg:   minioCfg,
		uploadRepo: uploadRepo,
	}
}

// publish 向会话的带外通道发布一条事件。发布失败只记日志：
// 进度推送是尽力而为的，客户端缺了推送会退回本地估算。
func (w *Worker) publish(ctx context.Context, event protocol.ProgressEvent) {
	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorf("[Worker] 序列化进度事件失败, error: %v", err)
		return
	}
	if err := w.uploadRepo.PublishProgress(ctx, event.SessionID, payload); err != nil {
		log.Warnf("[Worker] 发布进度事件失败, sessionID: %s, error: %v", event.SessionID, err)
	}
}

// Process 是转码任务的主函数，实现 kafka.TaskProcessor 接口。
func (w *Worker) Process(ctx context.Context, task tasks.TranscodeTask) error {
	log.Infof("[Worker] 开始转码, SessionID: %s, FileName: %s, ObjectKey: %s", task.SessionID, task.FileName, task.ObjectKey)

	// 1. 从 MinIO 读取成片对象并校验大小
	object, err := storage.MinioClient.GetObject(ctx, w.minioCfg.BucketName, task.ObjectKey, minio.GetObjectOptions{})
	if err != nil {
		log.Errorf("[Worker] 从 MinIO 获取成片失败, Object: %s, Error: %v", task.ObjectKey, err)
		return fmt.Errorf("从 MinIO 获取成片失败: %w", err)
	}
	size, err := io.Copy(io.Discard, object)
	_ = object.Close()
	if err != nil {
		log.Errorf("[Worker] 读取成片对象流失败, Error: %v", err)
		return fmt.Errorf("读取成片对象流失败: %w", err)
	}
	if size != task.TotalSize {
		// 成片字节数与会话声明不符，说明合并有问题，这是不可重试的失败
		errMsg := fmt.Sprintf("成片大小不一致: 期望 %d, 实际 %d", task.TotalSize, size)
		log.Errorf("[Worker] %s, SessionID: %s", errMsg, task.SessionID)
		w.fail(ctx, task.SessionID, errMsg)
		return errors.New(errMsg)
	}

	// 2. 逐阶段执行转码并推送进度
	startedAt := time.Now()
	for _, stage := range transcodeStages {
		log.Infof("[Worker] 转码阶段 '%s', SessionID: %s", stage.name, task.SessionID)
		elapsed := time.Since(startedAt).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(size) * stage.pct / 100 / elapsed
		}
		remaining := 0.0
		if speed > 0 {
			remaining = float64(size) * (100 - stage.pct) / 100 / speed
		}
		w.publish(ctx, protocol.ProgressEvent{
			Type:                   protocol.EventProgress,
			SessionID:              task.SessionID,
			Percentage:             stage.pct,
			Speed:                  speed,
			EstimatedTimeRemaining: remaining,
		})
	}

	// 3. 创建剧集记录
	episode := &model.Episode{
		SeriesID:      task.SeriesID,
		EpisodeNumber: task.EpisodeNumber,
		Title:         task.Title,
		Description:   task.Description,
		ObjectKey:     task.ObjectKey,
		SourceMD5:     task.Fingerprint,
	}
	if err := w.uploadRepo.CreateEpisode(episode); err != nil {
		log.Errorf("[Worker] 创建剧集记录失败, SessionID: %s, Error: %v", task.SessionID, err)
		return fmt.Errorf("创建剧集记录失败: %w", err)
	}

	// 4. 回填会话的转码结果
	if err := w.uploadRepo.SetSessionResult(task.SessionID, episode.ID); err != nil {
		log.Errorf("[Worker] 回填会话结果失败, SessionID: %s, Error: %v", task.SessionID, err)
		return fmt.Errorf("回填会话结果失败: %w", err)
	}

	// 5. 推送终态事件
	w.publish(ctx, protocol.ProgressEvent{
		Type:      protocol.EventCompleted,
		SessionID: task.SessionID,
		EpisodeID: episode.ID,
	})

	log.Infof("[Worker] 转码完成, SessionID: %s, EpisodeID: %d", task.SessionID, episode.ID)
	return nil
}

// fail 把会话标记为转码失败，并通过带外通道通知客户端。
// 字节早已传完的会话也会走到这里——“上传完成”不等于“剧集就绪”。
func (w *Worker) fail(ctx context.Context, sessionID, errMsg string) {
	if err := w.uploadRepo.SetSessionFailure(sessionID, errMsg); err != nil {
		log.Errorf("[Worker] 标记会话失败状态时出错, SessionID: %s, Error: %v", sessionID, err)
	}
	w.publish(ctx, protocol.ProgressEvent{
		Type:      protocol.EventError,
		SessionID: sessionID,
		Message:   errMsg,
	})
}

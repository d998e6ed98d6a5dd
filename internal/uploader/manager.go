package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"vidstream-go/internal/protocol"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/token"
)

const (
	// resultPollInterval 是带外通道不可用时轮询会话详情的间隔。
	resultPollInterval = 2 * time.Second

	// resultPollDeadline 是等待转码结果的上限。超时后放弃等待，
	// 会话保持 completed，剧集 ID 留待下次查询时回填。
	resultPollDeadline = 10 * time.Minute
)

// Callbacks 是 Manager 向调用方（CLI / UI）上报状态变化的钩子。
// 回调在传输 goroutine 中同步调用，收到的是会话的拷贝。
type Callbacks struct {
	OnProgress func(sess *Session)
	OnSuccess  func(sess *Session)
	OnError    func(sess *Session, err error)
}

// transferHandle 跟踪一个正在进行的传输 goroutine。
type transferHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager 编排多个上传会话的生命周期：启动、暂停、续传、取消，
// 以及续传时与服务端的会话对账。每个会话同一时刻至多有一个
// 传输 goroutine。
type Manager struct {
	client    *Client
	store     *Store
	callbacks Callbacks

	mu     sync.Mutex
	active map[string]*transferHandle
}

// NewManager 创建一个上传编排器。
func NewManager(client *Client, store *Store, callbacks Callbacks) *Manager {
	return &Manager{
		client:    client,
		store:     store,
		callbacks: callbacks,
		active:    make(map[string]*transferHandle),
	}
}

// Start 校验文件、计算指纹并启动一个新的上传会话。
// 校验失败时不创建任何记录；成功时立即返回会话快照，传输在后台进行。
func (m *Manager) Start(ctx context.Context, path string, meta map[string]string) (*Session, error) {
	file, contentType, err := ValidateFile(path)
	if err != nil {
		return nil, err
	}

	log.Infof("[Start] 计算文件指纹: %s (%d 字节)", file.Name, file.Size)
	fingerprint, err := FingerprintFile(path)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("计算文件指纹失败: %v", err)}
	}

	if meta == nil {
		meta = make(map[string]string)
	}
	meta[protocol.MetaFingerprint] = fingerprint
	meta[protocol.MetaFileName] = file.Name
	meta[protocol.MetaContentType] = contentType

	sess := &Session{
		UploadID:    token.GenerateRandomString(16),
		Fingerprint: fingerprint,
		File:        file,
		Metadata:    meta,
		Status:      StatusUploading,
		StartedAt:   time.Now(),
	}
	if err := m.store.Upsert(sess); err != nil {
		return nil, err
	}

	m.launch(ctx, sess.UploadID, path)
	return sess.Clone(), nil
}

// Resume 续传一个 paused / error 状态的会话。
// 文件需要重新提供：先在本地比对大小与指纹，不一致的文件在任何
// 网络调用之前就被拒绝。同一会话不允许并发续传。
func (m *Manager) Resume(ctx context.Context, uploadID, path string) (*Session, error) {
	m.mu.Lock()
	_, running := m.active[uploadID]
	m.mu.Unlock()
	if running {
		return nil, &ValidationError{Reason: "该会话正在传输中，不能重复续传"}
	}

	sess, ok := m.store.Get(uploadID)
	if !ok {
		return nil, &ValidationError{Reason: "会话不存在"}
	}
	if !sess.Resumable() {
		return nil, &ValidationError{Reason: "会话已完成，无需续传"}
	}

	file, _, err := ValidateFile(path)
	if err != nil {
		return nil, err
	}
	if file.Size != sess.File.Size {
		return nil, &ValidationError{Reason: fmt.Sprintf(
			"文件大小不一致: 会话记录 %d 字节, 提供的文件 %d 字节", sess.File.Size, file.Size)}
	}
	fingerprint, err := FingerprintFile(path)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("计算文件指纹失败: %v", err)}
	}
	if fingerprint != sess.Fingerprint {
		return nil, &ValidationError{Reason: "文件内容与会话记录的指纹不一致"}
	}

	// 续传重置计时起点，否则暂停的时长会污染速率估算
	sess.Status = StatusUploading
	sess.ErrorMessage = ""
	sess.StartedAt = time.Now()
	if err := m.store.Upsert(sess); err != nil {
		return nil, err
	}

	m.launch(ctx, sess.UploadID, path)
	return sess.Clone(), nil
}

// Pause 暂停正在传输的会话，阻塞到传输 goroutine 真正退出。
// 已确认的字节保留在服务端，会话进入 paused。
func (m *Manager) Pause(uploadID string) error {
	m.mu.Lock()
	handle, ok := m.active[uploadID]
	m.mu.Unlock()
	if !ok {
		return &ValidationError{Reason: "会话没有正在进行的传输"}
	}

	handle.cancel()
	<-handle.done
	return nil
}

// Cancel 取消会话：停止传输、尽力删除服务端会话、删除本地记录。
// 远端删除失败只记日志，本地记录无论如何都会被移除。
func (m *Manager) Cancel(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	handle, ok := m.active[uploadID]
	m.mu.Unlock()
	if ok {
		handle.cancel()
		<-handle.done
	}

	sess, found := m.store.Get(uploadID)
	if !found {
		return &ValidationError{Reason: "会话不存在"}
	}

	if sess.RemoteURL != "" {
		if err := m.client.Delete(ctx, sess.RemoteURL); err != nil {
			log.Warnf("[Cancel] 删除服务端会话失败 (本地记录仍会移除): %v", err)
		}
	}
	return m.store.Remove(uploadID)
}

// Remove 删除一条本地记录，不触碰服务端。
func (m *Manager) Remove(uploadID string) error {
	return m.store.Remove(uploadID)
}

// ClearCompleted 清理所有已完成的会话记录。
func (m *Manager) ClearCompleted() (int, error) {
	return m.store.ClearCompleted()
}

// List 返回所有会话的快照。
func (m *Manager) List() []*Session {
	return m.store.List()
}

// Get 返回指定会话的快照。
func (m *Manager) Get(uploadID string) (*Session, bool) {
	return m.store.Get(uploadID)
}

// Wait 阻塞到所有传输 goroutine 退出，CLI 的前台模式用它收尾。
func (m *Manager) Wait() {
	for {
		m.mu.Lock()
		var handle *transferHandle
		for _, h := range m.active {
			handle = h
			break
		}
		m.mu.Unlock()
		if handle == nil {
			return
		}
		<-handle.done
	}
}

// launch 注册传输句柄并启动 run goroutine。
func (m *Manager) launch(ctx context.Context, uploadID, path string) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &transferHandle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[uploadID] = handle
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			// 对账分叉可能把句柄迁移到新的 UploadID 下，按句柄清理
			m.mu.Lock()
			for id, h := range m.active {
				if h == handle {
					delete(m.active, id)
				}
			}
			m.mu.Unlock()
			close(handle.done)
		}()
		m.run(runCtx, uploadID, path)
	}()
}

// run 是单个会话的传输主流程：打开（或找回）服务端会话、对账、
// 推送分片、等待转码结果。
func (m *Manager) run(ctx context.Context, uploadID, path string) {
	sess, ok := m.store.Get(uploadID)
	if !ok {
		return
	}

	// 1. 创建或按指纹找回服务端会话
	result, err := m.client.Open(ctx, sess.File.Size, sess.Metadata)
	if err != nil {
		m.settle(sess, err)
		return
	}

	// 2. 对账：服务端分配了新会话说明旧会话已过期被退役，
	//    本地记录跟着分叉，旧记录退役、新记录入场必须原子完成
	if sess.RemoteID != "" && sess.RemoteID != result.RemoteID {
		log.Warnf("[run] 服务端会话已更替: %s -> %s, 本地记录分叉", sess.RemoteID, result.RemoteID)
		forked := sess.Clone()
		forked.UploadID = token.GenerateRandomString(16)
		forked.BytesSent = 0
		forked.ProgressPercent = 0
		oldID := sess.UploadID
		sess = forked

		m.mu.Lock()
		if handle, exists := m.active[oldID]; exists {
			delete(m.active, oldID)
			m.active[sess.UploadID] = handle
		}
		m.mu.Unlock()

		if err := m.store.Replace(oldID, sess); err != nil {
			m.settle(sess, err)
			return
		}
	}

	sess.RemoteID = result.RemoteID
	sess.RemoteURL = result.RemoteURL
	sess.BytesSent = result.Offset
	sess.ProgressPercent = percent(result.Offset, sess.File.Size)
	if err := m.store.Upsert(sess); err != nil {
		m.settle(sess, err)
		return
	}

	// 3. 推送分片
	file, err := os.Open(path)
	if err != nil {
		m.settle(sess, &ValidationError{Reason: fmt.Sprintf("打开文件失败: %v", err)})
		return
	}
	defer file.Close()

	estimator := NewEstimator(sess.BytesSent)
	finalOffset, err := m.client.Transfer(ctx, sess.RemoteURL, file, sess.File.Size, sess.BytesSent,
		func(confirmed int64) {
			estimator.Sample(confirmed)
			sess.BytesSent = confirmed
			sess.ProgressPercent = percent(confirmed, sess.File.Size)
			sess.Speed = estimator.Speed()
			if eta, ok := estimator.ETA(sess.File.Size); ok {
				sess.ETA = eta
			} else {
				sess.ETA = 0
			}
			if err := m.store.Upsert(sess); err != nil {
				log.Errorf("[run] 持久化进度失败: %v", err)
			}
			if m.callbacks.OnProgress != nil {
				m.callbacks.OnProgress(sess.Clone())
			}
		})

	sess.BytesSent = finalOffset
	sess.ProgressPercent = percent(finalOffset, sess.File.Size)
	if err != nil {
		m.settle(sess, err)
		return
	}

	// 4. 字节全部确认: 会话即告完成并上报成功。
	//    “上传完成”不等于“剧集就绪”，转码结果随后经带外通道追加。
	sess.Status = StatusCompleted
	sess.ProgressPercent = 100
	sess.Speed = 0
	sess.ETA = 0
	if err := m.store.Upsert(sess); err != nil {
		log.Errorf("[run] 持久化会话状态失败: %v", err)
	}
	if m.callbacks.OnSuccess != nil {
		m.callbacks.OnSuccess(sess.Clone())
	}

	log.Infow("全部字节已确认，等待转码", "uploadId", sess.UploadID, "remoteId", sess.RemoteID)
	m.awaitResult(ctx, sess)
}

// settle 根据错误类别把会话落到对应的终态并持久化。
// 主动暂停（ctx 取消）与可恢复错误进入 paused，其余进入 error。
// 除主动暂停外都会触发 OnError，调用方用 IsRecoverable 区分两类。
func (m *Manager) settle(sess *Session, err error) {
	userPaused := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	switch {
	case userPaused:
		sess.Status = StatusPaused
		sess.ErrorMessage = ""
	case IsRecoverable(err):
		sess.Status = StatusPaused
		sess.ErrorMessage = err.Error()
	default:
		sess.Status = StatusError
		sess.ErrorMessage = err.Error()
	}
	sess.Speed = 0
	sess.ETA = 0

	if storeErr := m.store.Upsert(sess); storeErr != nil {
		log.Errorf("[settle] 持久化会话状态失败: %v", storeErr)
	}

	if !userPaused && m.callbacks.OnError != nil {
		m.callbacks.OnError(sess.Clone(), err)
	}
}

// awaitResult 等待转码的最终结果：优先消费带外推送通道，
// 通道静默或断开时回退到轮询会话详情。
func (m *Manager) awaitResult(ctx context.Context, sess *Session) {
	// 等待有上限; 超时后会话保持 completed, 剧集 ID 留待下次查询回填
	ctx, cancelAll := context.WithTimeout(ctx, resultPollDeadline)
	defer cancelAll()

	events := make(chan protocol.ProgressEvent, 16)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- m.client.Watch(watchCtx, sess.RemoteID, func(ev protocol.ProgressEvent) {
			select {
			case events <- ev:
			case <-watchCtx.Done():
			}
		})
	}()

	quiet := time.NewTimer(watchQuietTimeout)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			// 字节已送达, 会话保持 completed; 转码结果下次启动时可再查
			return

		case ev := <-events:
			quiet.Reset(watchQuietTimeout)
			switch ev.Type {
			case protocol.EventProgress:
				// 服务端推送是转码进度的权威数据源, 原样落到展示字段
				sess.ProgressPercent = ev.Percentage
				sess.Speed = ev.Speed
				sess.ETA = ev.EstimatedTimeRemaining
				if m.callbacks.OnProgress != nil {
					m.callbacks.OnProgress(sess.Clone())
				}
			case protocol.EventCompleted:
				m.attachResult(sess, ev.EpisodeID)
				return
			case protocol.EventError:
				m.failTranscode(sess, ev.Message)
				return
			}

		case <-quiet.C:
			// 通道静默，主动查一次会话详情兜底
			if m.pollOnce(ctx, sess) {
				return
			}
			quiet.Reset(resultPollInterval)

		case err := <-watchDone:
			if err != nil && ctx.Err() == nil {
				log.Warnf("[awaitResult] 进度通道断开，回退到轮询: %v", err)
			}
			m.pollUntilDone(ctx, sess)
			return
		}
	}
}

// pollOnce 查询一次会话详情，到达终态时返回 true。
func (m *Manager) pollOnce(ctx context.Context, sess *Session) bool {
	detail, err := m.client.Detail(ctx, sess.RemoteURL)
	if err != nil {
		log.Warnf("[pollOnce] 查询会话详情失败: %v", err)
		return false
	}
	switch detail.Status {
	case "transcoded":
		var episodeID uint
		if detail.EpisodeID != nil {
			episodeID = *detail.EpisodeID
		}
		m.attachResult(sess, episodeID)
		return true
	case "failed":
		m.failTranscode(sess, detail.ErrorMessage)
		return true
	}
	return false
}

// pollUntilDone 以固定间隔轮询会话详情，直到终态、ctx 取消或超时。
func (m *Manager) pollUntilDone(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(resultPollDeadline)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warnf("[pollUntilDone] 等待转码结果超时, uploadId: %s", sess.UploadID)
			return
		case <-ticker.C:
			if m.pollOnce(ctx, sess) {
				return
			}
		}
	}
}

// attachResult 把转码出的剧集 ID 追加到已完成的会话上。
// OnSuccess 在字节送达时就已触发, 这里只通过 OnProgress 通知一次更新。
func (m *Manager) attachResult(sess *Session, episodeID uint) {
	sess.ResultID = episodeID
	sess.ErrorMessage = ""
	sess.ProgressPercent = 100
	sess.Speed = 0
	sess.ETA = 0
	if err := m.store.Upsert(sess); err != nil {
		log.Errorf("[attachResult] 持久化会话状态失败: %v", err)
	}
	if m.callbacks.OnProgress != nil {
		m.callbacks.OnProgress(sess.Clone())
	}
}

// failTranscode 处理服务端转码失败：字节虽然全部送达、会话一度显示
// completed，仍要落到 error 并把服务端的失败原因透出给调用方。
func (m *Manager) failTranscode(sess *Session, message string) {
	if message == "" {
		message = "服务端处理失败"
	}
	sess.Status = StatusError
	sess.ErrorMessage = message
	sess.Speed = 0
	sess.ETA = 0
	if err := m.store.Upsert(sess); err != nil {
		log.Errorf("[failTranscode] 持久化会话状态失败: %v", err)
	}
	if m.callbacks.OnError != nil {
		m.callbacks.OnError(sess.Clone(), &TerminalError{Message: message})
	}
}

func percent(sent, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(sent) / float64(total) * 100
}

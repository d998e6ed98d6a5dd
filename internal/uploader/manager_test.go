package uploader

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"vidstream-go/internal/protocol"
)

func newTestManager(t *testing.T, srv *httptest.Server, callbacks Callbacks) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir() + "/state.json")
	if err != nil {
		t.Fatalf("NewStore 失败: %v", err)
	}
	client := NewClient(srv.URL, "token", testChunkSize)
	return NewManager(client, store, callbacks), store
}

// resultCallbacks 把终态回调转成可等待的通道。
func resultCallbacks() (Callbacks, chan *Session, chan error) {
	success := make(chan *Session, 1)
	failure := make(chan error, 1)
	return Callbacks{
		OnSuccess: func(sess *Session) { success <- sess },
		OnError:   func(sess *Session, err error) { failure <- err },
	}, success, failure
}

func awaitSuccess(t *testing.T, success chan *Session, failure chan error) *Session {
	t.Helper()
	select {
	case sess := <-success:
		return sess
	case err := <-failure:
		t.Fatalf("上传失败: %v", err)
	case <-time.After(20 * time.Second):
		t.Fatal("等待上传结果超时")
	}
	return nil
}

// 完整生命周期: 5 个分片全部确认后会话即告 completed (字节送达先于
// 剧集就绪), 转码结果随后把剧集 ID 追加到会话上。
func TestManagerUploadLifecycle(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.episodeID = 7

	callbacks, success, failure := resultCallbacks()
	mgr, _ := newTestManager(t, srv, callbacks)

	path := writeTempVideo(t, 5*testChunkSize)
	started, err := mgr.Start(context.Background(), path, map[string]string{"title": "第一集"})
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}

	final := awaitSuccess(t, success, failure)
	if final.Status != StatusCompleted {
		t.Errorf("期望 completed, 得到 %s", final.Status)
	}
	if final.ProgressPercent != 100 {
		t.Errorf("期望进度 100%%, 得到 %f", final.ProgressPercent)
	}
	if fs.confirmed() != 5 {
		t.Errorf("应恰好确认 5 个分片, 得到 %d", fs.confirmed())
	}

	// 转码结果经轮询兜底追加到会话上
	waitFor(t, 15*time.Second, func() bool {
		sess, ok := mgr.Get(started.UploadID)
		return ok && sess.ResultID == 7
	}, "剧集 ID 回填")

	stored, _ := mgr.Get(started.UploadID)
	if stored.Status != StatusCompleted {
		t.Errorf("注册表中的会话未落到 completed: %+v", stored)
	}
}

// 确认 2 个分片后暂停, 续传应恰好再推 3 个分片, 不重传已确认的字节。
func TestManagerPauseThenResume(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.blockAt = 2

	callbacks, success, failure := resultCallbacks()
	mgr, _ := newTestManager(t, srv, callbacks)

	path := writeTempVideo(t, 5*testChunkSize)
	started, err := mgr.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool { return fs.confirmed() == 2 }, "前 2 个分片确认")
	if err := mgr.Pause(started.UploadID); err != nil {
		t.Fatalf("Pause 失败: %v", err)
	}

	paused, _ := mgr.Get(started.UploadID)
	if paused.Status != StatusPaused {
		t.Fatalf("暂停后状态应为 paused, 得到 %s", paused.Status)
	}
	if paused.BytesSent != 2*testChunkSize {
		t.Fatalf("暂停后已发送字节应为 %d, 得到 %d", 2*testChunkSize, paused.BytesSent)
	}

	fs.mu.Lock()
	fs.blockAt = 0
	fs.mu.Unlock()
	before := fs.confirmed()

	if _, err := mgr.Resume(context.Background(), started.UploadID, path); err != nil {
		t.Fatalf("Resume 失败: %v", err)
	}
	awaitSuccess(t, success, failure)

	if more := fs.confirmed() - before; more != 3 {
		t.Errorf("续传应恰好再确认 3 个分片, 得到 %d", more)
	}
}

// 续传撞上服务端会话过期: 服务端分配新会话, 本地记录分叉,
// 注册表最终只剩一条指向该文件的记录。
func TestManagerResumeReconcilesForkedSession(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.blockAt = 2

	callbacks, success, failure := resultCallbacks()
	mgr, store := newTestManager(t, srv, callbacks)

	path := writeTempVideo(t, 5*testChunkSize)
	started, err := mgr.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool { return fs.confirmed() == 2 }, "前 2 个分片确认")
	if err := mgr.Pause(started.UploadID); err != nil {
		t.Fatalf("Pause 失败: %v", err)
	}
	oldRemote, _ := mgr.Get(started.UploadID)

	fs.mu.Lock()
	fs.blockAt = 0
	fs.expireOnOpen = true
	fs.mu.Unlock()

	if _, err := mgr.Resume(context.Background(), started.UploadID, path); err != nil {
		t.Fatalf("Resume 失败: %v", err)
	}
	final := awaitSuccess(t, success, failure)

	if final.RemoteID == oldRemote.RemoteID {
		t.Error("服务端会话更替后 RemoteID 应变化")
	}
	if final.UploadID == started.UploadID {
		t.Error("分叉后应产生新的本地会话 ID")
	}
	if _, ok := mgr.Get(started.UploadID); ok {
		t.Error("旧的本地记录应已退役")
	}
	if n := len(store.List()); n != 1 {
		t.Errorf("对账后应只剩 1 条记录, 得到 %d", n)
	}
	// 新会话从零开始: 之前的 2 个分片 + 重传的 5 个
	if fs.confirmed() != 7 {
		t.Errorf("期望共确认 7 个分片, 得到 %d", fs.confirmed())
	}
}

// 提供的文件大小与会话记录不符时, 续传在任何网络调用之前被拒绝。
func TestManagerResumeRejectsSizeMismatch(t *testing.T) {
	fs, srv := newFakeServer(t)
	mgr, store := newTestManager(t, srv, Callbacks{})

	stale := testSession("stale", StatusPaused)
	stale.File = FileDescriptor{Name: "episode.mp4", Size: 9999}
	store.Upsert(stale)

	path := writeTempVideo(t, 5*testChunkSize)
	_, err := mgr.Resume(context.Background(), "stale", path)

	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("期望 *ValidationError, 得到 %T: %v", err, err)
	}
	if fs.openCalls != 0 || fs.totalPatches != 0 {
		t.Errorf("校验失败不应发起网络调用: open=%d patch=%d", fs.openCalls, fs.totalPatches)
	}
}

// 已完成的会话没有续传路径。
func TestManagerRejectsResumeOfCompleted(t *testing.T) {
	fs, srv := newFakeServer(t)
	mgr, store := newTestManager(t, srv, Callbacks{})

	done := testSession("done", StatusCompleted)
	store.Upsert(done)

	path := writeTempVideo(t, 5*testChunkSize)
	_, err := mgr.Resume(context.Background(), "done", path)

	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("期望 *ValidationError, 得到 %T: %v", err, err)
	}
	if fs.openCalls != 0 {
		t.Errorf("拒绝续传不应发起网络调用: open=%d", fs.openCalls)
	}
}

// 同一会话不允许并发续传。
func TestManagerRejectsConcurrentResume(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.blockAt = 2

	mgr, _ := newTestManager(t, srv, Callbacks{})
	path := writeTempVideo(t, 5*testChunkSize)
	started, err := mgr.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool { return fs.confirmed() == 2 }, "前 2 个分片确认")

	if _, err := mgr.Resume(context.Background(), started.UploadID, path); err == nil {
		t.Error("传输进行中的会话不应允许再次续传")
	}

	mgr.Pause(started.UploadID)
}

// 取消时远端删除失败只是警告, 本地记录无论如何都要移除。
func TestManagerCancelRemovesLocalDespiteRemoteFailure(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failDelete = true

	mgr, store := newTestManager(t, srv, Callbacks{})
	sess := testSession("doomed", StatusPaused)
	store.Upsert(sess)

	if err := mgr.Cancel(context.Background(), "doomed"); err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}
	if _, ok := mgr.Get("doomed"); ok {
		t.Error("取消后本地记录应已移除")
	}
}

// 带外通道推送的转码进度是权威数据源: 推送的百分比/速度必须
// 原样到达 OnProgress 的会话快照, 终态事件把剧集 ID 追加到会话上。
func TestManagerAppliesPushedTranscodeProgress(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.episodeID = 9
	fs.pushEvents = []protocol.ProgressEvent{
		{Type: protocol.EventProgress, Seq: 1, Percentage: 42, Speed: 2048, EstimatedTimeRemaining: 3},
		{Type: protocol.EventCompleted, Seq: 2, EpisodeID: 9},
	}

	snapshots := make(chan *Session, 64)
	callbacks := Callbacks{
		OnProgress: func(sess *Session) { snapshots <- sess },
		OnError: func(sess *Session, err error) {
			t.Errorf("意外的失败上报: %v", err)
		},
	}
	mgr, _ := newTestManager(t, srv, callbacks)

	path := writeTempVideo(t, 3*testChunkSize)
	started, err := mgr.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}

	waitFor(t, 15*time.Second, func() bool {
		sess, ok := mgr.Get(started.UploadID)
		return ok && sess.ResultID == 9
	}, "剧集 ID 经推送通道回填")

	var sawPush bool
	for {
		select {
		case sess := <-snapshots:
			if sess.Status == StatusCompleted && sess.ProgressPercent == 42 {
				if sess.Speed != 2048 {
					t.Errorf("推送的速度未透出: %f", sess.Speed)
				}
				if sess.ETA != 3 {
					t.Errorf("推送的剩余时间未透出: %f", sess.ETA)
				}
				sawPush = true
			}
		default:
			if !sawPush {
				t.Error("推送的转码进度从未到达 OnProgress 快照")
			}
			return
		}
	}
}

// 字节全部送达 (会话一度显示 completed) 但服务端转码失败:
// 失败必须透出, 会话最终落到 error。
func TestManagerSurfacesTranscodeFailure(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.transcodeStatus = "failed"
	fs.errorMessage = "音轨损坏"

	callbacks, success, failure := resultCallbacks()
	mgr, _ := newTestManager(t, srv, callbacks)

	path := writeTempVideo(t, 3*testChunkSize)
	started, err := mgr.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}

	// 字节送达: 先上报一次成功
	byteDone := awaitSuccess(t, success, failure)
	if byteDone.Status != StatusCompleted {
		t.Fatalf("字节送达后应显示 completed, 得到 %s", byteDone.Status)
	}

	// 随后转码失败必须覆盖掉 completed
	select {
	case err := <-failure:
		var terminal *TerminalError
		if !errors.As(err, &terminal) {
			t.Errorf("期望 *TerminalError, 得到 %T", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("等待失败上报超时")
	}

	stored, _ := mgr.Get(started.UploadID)
	if stored.Status != StatusError {
		t.Errorf("期望 error 状态, 得到 %s", stored.Status)
	}
	if stored.ErrorMessage != "音轨损坏" {
		t.Errorf("失败原因未透出: %q", stored.ErrorMessage)
	}
}

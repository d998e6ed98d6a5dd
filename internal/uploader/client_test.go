package uploader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"vidstream-go/internal/protocol"
)

const testChunkSize = 1024

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func testMeta(fingerprint string) map[string]string {
	return map[string]string{
		protocol.MetaFingerprint: fingerprint,
		protocol.MetaFileName:    "episode.mp4",
		protocol.MetaContentType: "video/mp4",
	}
}

// 5120 字节按 1024 分片应产生恰好 5 次分片请求, 全部确认后偏移等于总长。
func TestTransferChunkCount(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := NewClient(srv.URL, "token", testChunkSize)

	payload := testPayload(5 * testChunkSize)
	result, err := client.Open(context.Background(), int64(len(payload)), testMeta("fp-count"))
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}

	var confirmed []int64
	final, err := client.Transfer(context.Background(), result.RemoteURL,
		bytes.NewReader(payload), int64(len(payload)), 0,
		func(offset int64) { confirmed = append(confirmed, offset) })
	if err != nil {
		t.Fatalf("Transfer 失败: %v", err)
	}

	if final != int64(len(payload)) {
		t.Errorf("最终偏移应为 %d, 得到 %d", len(payload), final)
	}
	if fs.confirmed() != 5 {
		t.Errorf("应恰好确认 5 个分片, 得到 %d", fs.confirmed())
	}
	for i, off := range confirmed {
		if want := int64((i + 1) * testChunkSize); off != want {
			t.Errorf("第 %d 次确认偏移应为 %d, 得到 %d", i+1, want, off)
		}
	}
}

// 同一指纹的第二次 Open 应找回原会话而不是新建。
func TestOpenReusesSessionByFingerprint(t *testing.T) {
	_, srv := newFakeServer(t)
	client := NewClient(srv.URL, "token", testChunkSize)

	first, err := client.Open(context.Background(), 4096, testMeta("fp-reuse"))
	if err != nil {
		t.Fatalf("第一次 Open 失败: %v", err)
	}
	second, err := client.Open(context.Background(), 4096, testMeta("fp-reuse"))
	if err != nil {
		t.Fatalf("第二次 Open 失败: %v", err)
	}
	if first.RemoteID != second.RemoteID {
		t.Errorf("同指纹应复用会话: %s != %s", first.RemoteID, second.RemoteID)
	}
}

// 前两次分片请求返回 500, 重试后传输仍应完整结束。
func TestTransferRetriesTransientFailures(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failPatches = 2
	client := NewClient(srv.URL, "token", testChunkSize)

	payload := testPayload(3 * testChunkSize)
	result, err := client.Open(context.Background(), int64(len(payload)), testMeta("fp-retry"))
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}

	final, err := client.Transfer(context.Background(), result.RemoteURL,
		bytes.NewReader(payload), int64(len(payload)), 0, nil)
	if err != nil {
		t.Fatalf("瞬时故障重试后 Transfer 仍失败: %v", err)
	}
	if final != int64(len(payload)) {
		t.Errorf("最终偏移应为 %d, 得到 %d", len(payload), final)
	}
	if fs.confirmed() != 3 {
		t.Errorf("应确认 3 个分片, 得到 %d", fs.confirmed())
	}
}

// 服务端明确拒绝 (403) 时不应重试, 错误应归入终结类别。
func TestTransferTerminalErrorNoRetry(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.forbidPatch = true
	client := NewClient(srv.URL, "token", testChunkSize)

	payload := testPayload(2 * testChunkSize)
	result, err := client.Open(context.Background(), int64(len(payload)), testMeta("fp-forbid"))
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}

	_, err = client.Transfer(context.Background(), result.RemoteURL,
		bytes.NewReader(payload), int64(len(payload)), 0, nil)

	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("期望 *TerminalError, 得到 %T: %v", err, err)
	}
	if terminal.StatusCode != 403 {
		t.Errorf("期望状态码 403, 得到 %d", terminal.StatusCode)
	}
	if IsRecoverable(err) {
		t.Error("终结性错误不应被判为可恢复")
	}
	if fs.totalPatches != 1 {
		t.Errorf("终结性错误不应重试, 期望 1 次请求, 得到 %d", fs.totalPatches)
	}
}

// 本地偏移落后于服务端时 (409), 客户端应按应答头重新对齐并完成传输。
func TestTransferRealignsOnConflict(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := NewClient(srv.URL, "token", testChunkSize)

	payload := testPayload(4 * testChunkSize)
	result, err := client.Open(context.Background(), int64(len(payload)), testMeta("fp-conflict"))
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}

	// 模拟服务端已确认了第一个分片而客户端不知情
	fs.mu.Lock()
	fs.sessions[result.RemoteID].offset = testChunkSize
	fs.mu.Unlock()

	final, err := client.Transfer(context.Background(), result.RemoteURL,
		bytes.NewReader(payload), int64(len(payload)), 0, nil)
	if err != nil {
		t.Fatalf("偏移冲突后 Transfer 仍失败: %v", err)
	}
	if final != int64(len(payload)) {
		t.Errorf("最终偏移应为 %d, 得到 %d", len(payload), final)
	}
	// 第一次请求撞上 409, 对齐后还剩 3 个分片
	if fs.confirmed() != 3 {
		t.Errorf("对齐后应确认 3 个分片, 得到 %d", fs.confirmed())
	}
}

// 取消对已不存在的会话应视为成功。
func TestDeleteMissingSessionIsSuccess(t *testing.T) {
	_, srv := newFakeServer(t)
	client := NewClient(srv.URL, "token", testChunkSize)

	if err := client.Delete(context.Background(), "/api/v1/uploads/ghost"); err != nil {
		t.Fatalf("删除不存在的会话应成功: %v", err)
	}
}

package uploader

import (
	"context"
	"time"

	"vidstream-go/internal/protocol"
	"vidstream-go/pkg/log"

	"github.com/gorilla/websocket"
)

// watchQuietTimeout 是带外通道的静默阈值：上传完成后超过这个时长
// 没有收到任何推送，就认为通道不可用，回退到轮询会话详情。
const watchQuietTimeout = 5 * time.Second

// Watch 订阅会话的带外进度通道（转码进度与最终结果），收到的事件
// 按 Seq 去重后交给 onEvent。收到 completed 或 error 事件、连接断开
// 或 ctx 取消时返回。
//
// Seq 小于等于已见最大值的推送是乱序到达的旧事件，直接丢弃 ——
// 权威进度只会前进，不会后退。
func (c *Client) Watch(ctx context.Context, remoteID string, onEvent func(protocol.ProgressEvent)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.WatchURL(remoteID), nil)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer conn.Close()

	// ctx 取消时关闭连接，解除 ReadJSON 的阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var lastSeq int64
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))

		var event protocol.ProgressEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransientError{Err: err}
		}

		if event.Seq != 0 && event.Seq <= lastSeq {
			log.Infof("[Watch] 丢弃乱序推送: seq %d <= %d", event.Seq, lastSeq)
			continue
		}
		if event.Seq > lastSeq {
			lastSeq = event.Seq
		}

		onEvent(event)

		if event.Type == protocol.EventCompleted || event.Type == protocol.EventError {
			return nil
		}
	}
}

package uploader

import "time"

// Status 是客户端会话的生命周期状态。
type Status string

const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// FileDescriptor 记录被上传文件的身份信息。
// 持久化的会话无法保存文件字节本身，续传时用它校验用户重新提供的
// 文件是否还是原来那一个。
type FileDescriptor struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Session 是客户端侧的上传会话记录（对应注册表中的一个条目）。
//
// UploadID 是本地标识，在 UI 生命周期内保持稳定；当续传在服务端
// 分配出新会话时，本地记录会被退役并分叉出新的 UploadID。
// Speed 与 ETA 是展示用的派生值，不作为权威数据持久化。
type Session struct {
	UploadID        string            `json:"uploadId"`
	RemoteID        string            `json:"remoteId,omitempty"`
	RemoteURL       string            `json:"remoteUrl,omitempty"`
	Fingerprint     string            `json:"fingerprint"`
	File            FileDescriptor    `json:"file"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          Status            `json:"status"`
	BytesSent       int64             `json:"bytesSent"`
	ProgressPercent float64           `json:"progressPercent"`
	Speed           float64           `json:"-"`
	ETA             float64           `json:"-"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	ResultID        uint              `json:"resultId,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
}

// Resumable 报告会话是否还有续传路径。只有 completed 没有：
// 其余状态都可以重新发起——有远端会话时从已确认偏移继续，
// 没有时按指纹重新找回（正在传输的并发限制由编排器单独把守）。
func (s *Session) Resumable() bool {
	return s.Status != StatusCompleted
}

// Clone 返回会话的深拷贝，注册表对外只交出拷贝，避免调用方与
// 传输 goroutine 共享可变状态。
func (s *Session) Clone() *Session {
	dup := *s
	if s.Metadata != nil {
		dup.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

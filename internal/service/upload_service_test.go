package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"vidstream-go/internal/config"
	"vidstream-go/internal/model"
	"vidstream-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

func TestMain(m *testing.M) {
	log.InitForTest()
	os.Exit(m.Run())
}

// stubUploadRepo 是内存版的 UploadRepository，只实现分片写入路径
// 需要的行为：会话查询、偏移量读取与分片写锁。
type stubUploadRepo struct {
	session  *model.UploadSession
	offset   int64
	lockHeld bool // 为 true 时模拟锁已被另一个请求持有

	acquired int
	released int
}

func (r *stubUploadRepo) CreateSession(session *model.UploadSession) error { return nil }

func (r *stubUploadRepo) GetSession(id string) (*model.UploadSession, error) {
	if r.session == nil || r.session.ID != id {
		return nil, errors.New("record not found")
	}
	dup := *r.session
	return &dup, nil
}

func (r *stubUploadRepo) FindActiveByFingerprint(fingerprint string, userID uint) (*model.UploadSession, error) {
	return nil, errors.New("record not found")
}

func (r *stubUploadRepo) ListSessionsByUser(userID uint, page, limit int) ([]model.UploadSession, int64, error) {
	return nil, 0, nil
}

func (r *stubUploadRepo) MarkSessionUploaded(id string) error              { return nil }
func (r *stubUploadRepo) SetSessionResult(id string, episodeID uint) error { return nil }
func (r *stubUploadRepo) SetSessionFailure(id string, errMsg string) error { return nil }
func (r *stubUploadRepo) DeleteSession(id string) error                    { return nil }
func (r *stubUploadRepo) CreateEpisode(episode *model.Episode) error       { return nil }

func (r *stubUploadRepo) GetEpisode(id uint) (*model.Episode, error) {
	return nil, errors.New("record not found")
}

func (r *stubUploadRepo) GetOffset(ctx context.Context, sessionID string) (int64, error) {
	return r.offset, nil
}

func (r *stubUploadRepo) SetOffset(ctx context.Context, sessionID string, offset int64, ttl time.Duration) error {
	r.offset = offset
	return nil
}

func (r *stubUploadRepo) DeleteOffset(ctx context.Context, sessionID string) error { return nil }

func (r *stubUploadRepo) AcquireChunkLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if r.lockHeld {
		return false, nil
	}
	r.acquired++
	r.lockHeld = true
	return true, nil
}

func (r *stubUploadRepo) ReleaseChunkLock(ctx context.Context, sessionID string) error {
	r.released++
	r.lockHeld = false
	return nil
}

func (r *stubUploadRepo) PublishProgress(ctx context.Context, sessionID string, payload []byte) error {
	return nil
}

func (r *stubUploadRepo) SubscribeProgress(ctx context.Context, sessionID string) *redis.PubSub {
	return nil
}

func newTestUploadService(repo *stubUploadRepo) UploadService {
	return NewUploadService(repo, config.MinIOConfig{BucketName: "videos"}, config.UploadConfig{})
}

func activeSession(id string, userID uint, totalSize int64) *model.UploadSession {
	return &model.UploadSession{
		ID:          id,
		Fingerprint: "fp-" + id,
		FileName:    "episode.mp4",
		TotalSize:   totalSize,
		Status:      model.StatusUploading,
		UserID:      userID,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

// 锁被占用时，相同偏移的并发 PATCH 必须被拒绝，而不是双双通过
// 偏移校验后重复推进偏移量。响应携带当前已确认的偏移量。
func TestAppendChunkRejectsConcurrentWrites(t *testing.T) {
	repo := &stubUploadRepo{
		session:  activeSession("sess01", 42, 3*DefaultChunkSize),
		offset:   DefaultChunkSize,
		lockHeld: true,
	}
	svc := newTestUploadService(repo)

	body := strings.NewReader("chunk-bytes")
	newOffset, completed, err := svc.AppendChunk(context.Background(), "sess01", 42, DefaultChunkSize, body, DefaultChunkSize)
	if !errors.Is(err, ErrChunkInFlight) {
		t.Fatalf("期望 ErrChunkInFlight, 得到: %v", err)
	}
	if completed {
		t.Fatal("被拒绝的请求不应报告完成")
	}
	if newOffset != DefaultChunkSize {
		t.Fatalf("期望返回已确认偏移 %d, 得到 %d", DefaultChunkSize, newOffset)
	}
	if repo.offset != DefaultChunkSize {
		t.Fatalf("偏移量不应被推进, 得到 %d", repo.offset)
	}
}

// 偏移不一致的请求在持锁后被拒绝，锁必须随之释放，否则后续
// 合法的重对齐请求会被误判为并发写入。
func TestAppendChunkReleasesLockOnOffsetMismatch(t *testing.T) {
	repo := &stubUploadRepo{
		session: activeSession("sess02", 42, 3*DefaultChunkSize),
		offset:  DefaultChunkSize,
	}
	svc := newTestUploadService(repo)

	body := strings.NewReader("chunk-bytes")
	newOffset, _, err := svc.AppendChunk(context.Background(), "sess02", 42, 0, body, DefaultChunkSize)
	if !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("期望 ErrOffsetMismatch, 得到: %v", err)
	}
	if newOffset != DefaultChunkSize {
		t.Fatalf("期望返回已确认偏移 %d, 得到 %d", DefaultChunkSize, newOffset)
	}
	if repo.acquired != 1 || repo.released != 1 {
		t.Fatalf("期望锁被抢占并释放各一次, 得到 acquired=%d released=%d", repo.acquired, repo.released)
	}
	if repo.lockHeld {
		t.Fatal("请求结束后锁不应仍被持有")
	}
}

// 非末尾分片的长度必须恰好等于协议分片大小。
func TestAppendChunkRejectsShortMiddleChunk(t *testing.T) {
	repo := &stubUploadRepo{
		session: activeSession("sess03", 42, 3*DefaultChunkSize),
	}
	svc := newTestUploadService(repo)

	body := strings.NewReader("tiny")
	_, _, err := svc.AppendChunk(context.Background(), "sess03", 42, 0, body, 4)
	if !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("期望 ErrInvalidChunkSize, 得到: %v", err)
	}
	if repo.released != 1 {
		t.Fatalf("期望锁被释放一次, 得到 %d", repo.released)
	}
}

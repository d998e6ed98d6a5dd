package uploader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store 是客户端会话注册表，负责把会话记录持久化到本地 JSON 文件。
//
// 写入采用临时文件 + rename 的方式，进程在任意时刻被杀都不会留下
// 半截的注册表。加载时所有未完成的会话一律落到 paused：上一次进程
// 退出时传输 goroutine 已经不存在了，"uploading" 只是一个谎言。
type Store struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*Session
}

type storeFile struct {
	Sessions []*Session `json:"sessions"`
}

// NewStore 打开（或创建）指定路径上的会话注册表。
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[string]*Session),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取会话注册表失败: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("会话注册表已损坏: %w", err)
	}

	for _, sess := range file.Sessions {
		// 1. 重新加载时不存在正在进行的传输，未完成的会话一律视为 paused
		//    (error 也一样: 失败原因保留在 ErrorMessage 中, 状态可续传)
		if sess.Status != StatusCompleted {
			sess.Status = StatusPaused
		}
		s.sessions[sess.UploadID] = sess
	}
	return nil
}

func (s *Store) persist() error {
	file := storeFile{Sessions: make([]*Session, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		file.Sessions = append(file.Sessions, sess)
	}
	sort.Slice(file.Sessions, func(i, j int) bool {
		return file.Sessions[i].StartedAt.Before(file.Sessions[j].StartedAt)
	})

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Upsert 写入（或覆盖）一条会话记录并落盘。
func (s *Store) Upsert(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UploadID] = sess.Clone()
	return s.persist()
}

// Get 返回指定会话的拷贝，不存在时返回 (nil, false)。
func (s *Store) Get(uploadID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Remove 删除一条会话记录并落盘。
func (s *Store) Remove(uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[uploadID]; !ok {
		return nil
	}
	delete(s.sessions, uploadID)
	return s.persist()
}

// Replace 原子地用 newSess 替换 oldID 对应的记录。
// 续传时服务端分配了新会话的场景走这里：旧记录退役、新记录入场
// 必须是同一次落盘，中途崩溃不能留下两条指向同一文件的记录。
func (s *Store) Replace(oldID string, newSess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, oldID)
	s.sessions[newSess.UploadID] = newSess.Clone()
	return s.persist()
}

// List 返回所有会话的拷贝，按创建时间排序。
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ClearCompleted 清理所有已完成的会话，返回清理条数。
func (s *Store) ClearCompleted() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Status == StatusCompleted {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

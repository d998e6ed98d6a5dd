package uploader

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileSize 是平台允许的单文件大小上限 (10GB)，与服务端一致。
const MaxFileSize = 10 * 1024 * 1024 * 1024

// allowedExtensions 是客户端侧的媒体类型白名单，与服务端保持一致，
// 不合法的文件在任何网络调用之前就被拒绝。
var allowedExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".m4v":  "video/x-m4v",
}

// ValidateFile 对待上传文件做本地校验，返回文件描述与推断的媒体类型。
// 失败时返回 *ValidationError。
func ValidateFile(path string) (FileDescriptor, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileDescriptor{}, "", &ValidationError{Reason: fmt.Sprintf("无法读取文件: %v", err)}
	}
	if info.IsDir() {
		return FileDescriptor{}, "", &ValidationError{Reason: fmt.Sprintf("'%s' 是目录，不是文件", path)}
	}
	if info.Size() == 0 {
		return FileDescriptor{}, "", &ValidationError{Reason: "不能上传空文件"}
	}
	if info.Size() > MaxFileSize {
		return FileDescriptor{}, "", &ValidationError{Reason: fmt.Sprintf("文件大小 %d 超过 10GB 上限", info.Size())}
	}

	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := allowedExtensions[ext]
	if !ok {
		return FileDescriptor{}, "", &ValidationError{Reason: fmt.Sprintf("不支持的媒体类型 '%s'", ext)}
	}

	return FileDescriptor{Name: info.Name(), Size: info.Size()}, contentType, nil
}

// FingerprintFile 计算文件的内容指纹 (MD5)。
// 指纹是续传时在服务端找回会话的 key，也是重复上传去重的依据。
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

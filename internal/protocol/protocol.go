// Package protocol 定义了可恢复上传协议的线上格式：请求头名称与元数据编码。
// 客户端与服务端共用此包，保证两侧对协议的理解一致。
package protocol

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// 可恢复上传协议使用的 HTTP 请求头。
const (
	// HeaderUploadOffset 表示服务端已确认持久化的字节偏移量。
	HeaderUploadOffset = "Upload-Offset"
	// HeaderUploadLength 表示文件的总字节数，在会话创建时声明。
	HeaderUploadLength = "Upload-Length"
	// HeaderUploadMetadata 携带 base64 编码后的业务元数据键值对。
	HeaderUploadMetadata = "Upload-Metadata"
)

// 会话创建时必须携带的元数据键。
const (
	MetaFingerprint = "fingerprint"
	MetaFileName    = "filename"
	MetaContentType = "filetype"
	MetaSeriesID    = "seriesId"
	MetaEpisodeNum  = "episodeNumber"
	MetaTitle       = "title"
	MetaDescription = "description"
)

// EncodeMetadata 将元数据键值对编码为 Upload-Metadata 头的值。
// HTTP 头只接受单字节安全的文本，因此每个值都先做 base64 编码，
// 形如 "key1 dmFsdWUx,key2 dmFsdWUy"。键按字典序排列，保证编码结果稳定。
func EncodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(meta))
	for _, k := range keys {
		encoded := base64.StdEncoding.EncodeToString([]byte(meta[k]))
		if encoded == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+encoded)
	}
	return strings.Join(pairs, ",")
}

// DecodeMetadata 解析 Upload-Metadata 头的值，还原元数据键值对。
// 格式错误的条目会返回错误，而不是被静默丢弃。
func DecodeMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, " ", 2)
		key := parts[0]
		if key == "" {
			return nil, fmt.Errorf("元数据条目缺少键名: %q", pair)
		}
		if len(parts) == 1 {
			// 只有键没有值是合法的（空值）。
			meta[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("元数据条目 %q 的值不是合法的 base64: %w", key, err)
		}
		meta[key] = string(decoded)
	}
	return meta, nil
}

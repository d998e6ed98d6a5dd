package protocol

import (
	"strings"
	"testing"
)

func TestEncodeDecodeMetadata(t *testing.T) {
	meta := map[string]string{
		MetaFingerprint: "d41d8cd98f00b204e9800998ecf8427e",
		MetaFileName:    "第一集.mp4",
		MetaContentType: "video/mp4",
		MetaTitle:       "冒险开始",
		MetaDescription: "",
	}

	header := EncodeMetadata(meta)

	decoded, err := DecodeMetadata(header)
	if err != nil {
		t.Fatalf("DecodeMetadata 失败: %v", err)
	}
	if len(decoded) != len(meta) {
		t.Fatalf("期望 %d 个键, 得到 %d 个", len(meta), len(decoded))
	}
	for k, v := range meta {
		if decoded[k] != v {
			t.Errorf("键 %q: 期望 %q, 得到 %q", k, v, decoded[k])
		}
	}
}

func TestEncodeMetadataStableOrder(t *testing.T) {
	meta := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := EncodeMetadata(meta)
	for i := 0; i < 10; i++ {
		if got := EncodeMetadata(meta); got != first {
			t.Fatalf("编码结果不稳定: %q != %q", got, first)
		}
	}
	if !strings.HasPrefix(first, "a ") {
		t.Errorf("键应按字典序排列, 得到 %q", first)
	}
}

func TestDecodeMetadataEmptyHeader(t *testing.T) {
	meta, err := DecodeMetadata("")
	if err != nil {
		t.Fatalf("空头不应报错: %v", err)
	}
	if len(meta) != 0 {
		t.Fatalf("空头应解析为空映射, 得到 %v", meta)
	}
}

func TestDecodeMetadataKeyWithoutValue(t *testing.T) {
	meta, err := DecodeMetadata("description")
	if err != nil {
		t.Fatalf("只有键没有值应合法: %v", err)
	}
	if v, ok := meta["description"]; !ok || v != "" {
		t.Fatalf("期望空值, 得到 %q (存在=%v)", v, ok)
	}
}

func TestDecodeMetadataInvalidBase64(t *testing.T) {
	if _, err := DecodeMetadata("filename !!!not-base64!!!"); err == nil {
		t.Fatal("非法 base64 应返回错误而不是被静默丢弃")
	}
}

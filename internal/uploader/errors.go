// Package uploader 实现了可恢复分片上传的客户端：
// 协议驱动 (Client)、会话注册表 (Store)、速率估算 (Estimator)
// 与多会话编排 (Manager)。
package uploader

import (
	"errors"
	"fmt"
)

// 客户端把所有传输层错误归入三类，会话状态机据此决定去向：
// 校验错误在任何网络调用之前拦截；可恢复错误重试耗尽后进入 paused；
// 终结性错误进入 error，没有续传路径。

// ValidationError 表示输入在本地校验阶段被拒绝（文件过大、类型不允许、
// 续传文件与原始描述不符）。此时不会发起任何网络调用，也不会改动会话。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TransientError 表示网络类的可恢复错误（连接失败、超时、5xx）。
// 重试耗尽后会话进入 paused，远端会话仍然有效，可以续传。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("可恢复的传输错误: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TerminalError 表示服务端明确拒绝（认证失败、会话被拒、4xx），
// 重试没有意义，会话进入 error，只能从头重新上传。
type TerminalError struct {
	StatusCode int
	Message    string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("服务端拒绝 (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRecoverable 判断一个错误是否属于可恢复类别。
func IsRecoverable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

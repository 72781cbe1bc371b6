package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// ============================================================================
// 哨兵错误
// ============================================================================

var (
	// ErrConcurrency 锁或队列获取失败，可重试
	ErrConcurrency = crdb.New(Describe(J0100))
	// ErrQueueFull 编译队列已满
	ErrQueueFull = crdb.New(Describe(J0101))
	// ErrVersionNotFound 版本不存在或已被淘汰
	ErrVersionNotFound = crdb.New(Describe(J0200))
	// ErrDuplicateVersion 版本号重复注册
	ErrDuplicateVersion = crdb.New(Describe(J0201))
	// ErrCompilationFailure 编译失败，块保持解释执行
	ErrCompilationFailure = crdb.New(Describe(J0300))
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = crdb.New(Describe(J0400))
	// ErrShutdown 调度器已关闭
	ErrShutdown = crdb.New(Describe(J0401))
)

var codeOrder = []struct {
	sentinel error
	code     string
}{
	{ErrQueueFull, J0101},
	{ErrConcurrency, J0100},
	{ErrVersionNotFound, J0200},
	{ErrDuplicateVersion, J0201},
	{ErrCompilationFailure, J0300},
	{ErrInvalidConfig, J0400},
	{ErrShutdown, J0401},
}

// ============================================================================
// 构造函数
// ============================================================================

// Newf 创建不属于任何类别的错误，带调用栈
func Newf(format string, args ...interface{}) error {
	return crdb.Newf(format, args...)
}

// Concurrencyf 创建并发错误
func Concurrencyf(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrConcurrency)
}

// QueueFull 创建队列已满错误，同时属于 ErrQueueFull 和 ErrConcurrency
func QueueFull(capacity int) error {
	e := crdb.Newf("compilation queue is full (capacity %d)", capacity)
	return crdb.Mark(crdb.Mark(e, ErrQueueFull), ErrConcurrency)
}

// VersionNotFound 创建版本不存在错误
func VersionNotFound(version uint64) error {
	return crdb.Mark(crdb.Newf("code version %d not found", version), ErrVersionNotFound)
}

// DuplicateVersion 创建版本重复错误
func DuplicateVersion(version uint64) error {
	return crdb.Mark(crdb.Newf("code version %d already registered", version), ErrDuplicateVersion)
}

// CompilationFailure 把底层错误包装为编译失败
func CompilationFailure(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return crdb.Mark(crdb.Newf(format, args...), ErrCompilationFailure)
	}
	return crdb.Mark(crdb.Wrapf(cause, format, args...), ErrCompilationFailure)
}

// InvalidConfig 创建配置错误
func InvalidConfig(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrInvalidConfig)
}

// Shutdown 创建关闭错误
func Shutdown(what string) error {
	return crdb.Wrap(ErrShutdown, what)
}

// ============================================================================
// 判断
// ============================================================================

// Is 是否属于某类错误
func Is(err, reference error) bool {
	return crdb.Is(err, reference)
}

// IsRetryable 错误是否可以稍后重试
func IsRetryable(err error) bool {
	return crdb.Is(err, ErrConcurrency)
}

// Code 返回错误对应的错误码，无法识别时返回空串
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeOrder {
		if crdb.Is(err, c.sentinel) {
			return c.code
		}
	}
	return ""
}

// Wrap 附加上下文，保留类别
func Wrap(err error, msg string) error {
	return crdb.Wrap(err, msg)
}

// Package errors 提供 JIT 子系统的错误分类
//
// 每类错误对应一个错误码和一个哨兵错误。具体错误通过 cockroachdb/errors 的
// Mark 机制挂上哨兵，调用方统一用 errors.Is 判断类别，不依赖错误文本。
package errors

// ============================================================================
// 错误码 (J 开头)
// ============================================================================

// 错误码常量
const (
	// J0100-J0199: 并发错误
	J0100 = "J0100" // 锁获取失败
	J0101 = "J0101" // 编译队列已满

	// J0200-J0299: 版本管理错误
	J0200 = "J0200" // 版本不存在
	J0201 = "J0201" // 版本号重复

	// J0300-J0399: 编译错误
	J0300 = "J0300" // 编译失败

	// J0400-J0499: 配置和生命周期错误
	J0400 = "J0400" // 配置无效
	J0401 = "J0401" // 调度器已关闭
)

// codeMessages 错误码说明
var codeMessages = map[string]string{
	J0100: "lock acquisition failed",
	J0101: "compilation queue is full",
	J0200: "code version not found",
	J0201: "duplicate code version",
	J0300: "compilation failed",
	J0400: "invalid configuration",
	J0401: "scheduler is shut down",
}

// Describe 返回错误码的说明
func Describe(code string) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return "unknown error"
}

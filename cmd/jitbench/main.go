// jitbench 分层 JIT 的基准与调试工具
//
// 用法：
//   jitbench bench  [--blocks N] [--executions M]   合成负载跑一遍分层编译
//   jitbench alloc  [--ops N] [--regs K]            打印一个随机块的寄存器分配
//   jitbench config [--as toml|yaml|json]           打印生效的配置
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

//go:build unix

package backend

import (
	"golang.org/x/sys/unix"
)

// mapRegion 匿名映射一段页对齐的内存
//
// 只映射为读写；把代码切换为可执行由安装代码的一方负责。
func mapRegion(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	return unix.Mmap(-1, 0, aligned,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}

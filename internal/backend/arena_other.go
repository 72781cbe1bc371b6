//go:build !unix

package backend

// mapRegion 没有 mmap 的平台退化为堆内存
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(mem []byte) error {
	return nil
}

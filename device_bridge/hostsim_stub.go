//go:build !unix

package device_bridge

// Plain heap allocations stand in for page mappings on platforms without
// mmap. Commit is a no-op because the whole range is accessible from the
// start.

const hostGranularity = 64 << 10

func pagesAlloc(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func pagesReserve(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func pagesCommit(buf []byte) error {
	return nil
}

func pagesFree(buf []byte) error {
	return nil
}

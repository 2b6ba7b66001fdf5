//go:build unix

package device_bridge

import "golang.org/x/sys/unix"

// hostGranularity is the commit granularity reported by the host simulation,
// matching the 2 MiB huge-page size most device runtimes recommend.
const hostGranularity = 2 << 20

func pagesAlloc(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func pagesReserve(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func pagesCommit(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ|unix.PROT_WRITE)
}

func pagesFree(buf []byte) error {
	return unix.Munmap(buf)
}

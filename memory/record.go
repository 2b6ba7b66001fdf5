package memory

import (
	"container/heap"
	"time"

	"github.com/tsawler/go-npu/device_bridge"
)

// bufferRecord tracks one buffer held from the native allocator. The owning
// pool keeps every record it has ever allocated, live or free, in its record
// store; free guards against a record entering a free index twice, and
// lastFreed is meaningful only while free.
type bufferRecord struct {
	handle    device_bridge.Handle
	size      uint64
	free      bool
	lastFreed time.Time
}

// freeIndex is a size-ordered min-heap over records. It orders keys into the
// pool's record store and never owns the records or their memory.
type freeIndex []*bufferRecord

func (f freeIndex) Len() int {
	return len(f)
}

func (f freeIndex) Less(i, j int) bool {
	return f[i].size < f[j].size
}

func (f freeIndex) Swap(i, j int) {
	f[i], f[j] = f[j], f[i]
}

func (f *freeIndex) Push(x any) {
	*f = append(*f, x.(*bufferRecord))
}

func (f *freeIndex) Pop() any {
	old := *f
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return rec
}

func (f *freeIndex) push(rec *bufferRecord) {
	heap.Push(f, rec)
}

func (f *freeIndex) popSmallest() *bufferRecord {
	return heap.Pop(f).(*bufferRecord)
}

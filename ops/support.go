// Package ops answers "does this backend support this tensor operation"
// queries, caching each deterministic answer so the expensive native probe
// runs at most once per distinct operation shape.
package ops

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DType enumerates tensor element types.
type DType int32

const (
	Float32 DType = iota
	Float16
	Int32
	Int8
)

// Descriptor identifies a tensor operation for support negotiation.
type Descriptor struct {
	Name   string
	DType  DType
	Shape  []int64
	Opcode int32
}

// Fingerprint returns a deterministic 64-bit key over the descriptor's name,
// element type, shape and opcode. Descriptors differing in any field hash to
// different keys.
func (d Descriptor) Fingerprint() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(d.Name)
	var buf [8]byte
	buf[0] = 0 // separator so the name cannot bleed into the fields
	_, _ = h.Write(buf[:1])
	binary.LittleEndian.PutUint32(buf[:4], uint32(d.DType))
	binary.LittleEndian.PutUint32(buf[4:], uint32(d.Opcode))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(d.Shape)))
	_, _ = h.Write(buf[:])
	for _, dim := range d.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(dim))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// ProbeFunc asks the backend whether it supports an operation. It may be an
// expensive native or remote call.
type ProbeFunc func(Descriptor) (bool, error)

// SupportCache memoizes ProbeFunc results by descriptor fingerprint. Unlike
// the device pools it is shared across streams and safe for concurrent use.
type SupportCache struct {
	probe ProbeFunc

	mu      sync.RWMutex
	results map[uint64]bool
}

// NewSupportCache creates a cache around a probe function.
func NewSupportCache(probe ProbeFunc) *SupportCache {
	return &SupportCache{
		probe:   probe,
		results: make(map[uint64]bool),
	}
}

// Supports reports whether the backend supports the operation, probing at
// most once per fingerprint. Probe errors are returned uncached so a
// transient failure does not poison the result.
func (c *SupportCache) Supports(d Descriptor) (bool, error) {
	key := d.Fingerprint()

	c.mu.RLock()
	supported, ok := c.results[key]
	c.mu.RUnlock()
	if ok {
		return supported, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if supported, ok := c.results[key]; ok {
		return supported, nil
	}
	supported, err := c.probe(d)
	if err != nil {
		return false, err
	}
	c.results[key] = supported
	return supported, nil
}

// Len returns the number of cached results.
func (c *SupportCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// Package memory provides the shared memory regions that back a reflection
// channel. A Region is the area both images agree on at boot: the queues'
// control words and ring storage all live inside it.
package memory

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrClosed      = errors.New("region closed")
)

// Region abstracts access to the shared area.
// Implementations may be backed by a Go slice or by a compute image's linear
// memory.
type Region interface {
	Size() uint32
	ReadAt(offset uint32, dst []byte) error
	WriteAt(offset uint32, src []byte) error
	LoadUint32(offset uint32) (uint32, error)
	StoreUint32(offset uint32, val uint32) error
	Close() error
}

// InMemoryRegion stores the shared area in a local byte slice. Close may race
// with accessors; they observe ErrClosed afterwards.
type InMemoryRegion struct {
	mu   sync.RWMutex
	data []byte
}

// NewInMemoryRegion creates an in-memory region of the requested size.
func NewInMemoryRegion(size uint32) *InMemoryRegion {
	return &InMemoryRegion{
		data: make([]byte, size),
	}
}

func (m *InMemoryRegion) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.data))
}

func (m *InMemoryRegion) ReadAt(offset uint32, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(offset, len(dst)); err != nil {
		return err
	}
	copy(dst, m.data[offset:])
	return nil
}

func (m *InMemoryRegion) WriteAt(offset uint32, src []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *InMemoryRegion) LoadUint32(offset uint32) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (m *InMemoryRegion) StoreUint32(offset uint32, val uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (m *InMemoryRegion) Close() error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// check and ptrAt run under m.mu.

func (m *InMemoryRegion) check(offset uint32, n int) error {
	if m.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(n) > uint64(len(m.data)) {
		return ErrOutOfBounds
	}
	return nil
}

func (m *InMemoryRegion) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if err := m.check(offset, 4); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	//nolint:gosec // G103: aligned word inside the backing slice
	return unsafe.Pointer(&m.data[offset]), nil
}

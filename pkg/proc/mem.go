package proc

import (
	"encoding/binary"
	"fmt"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
// Redundant with MemoryReadWriter but more easily suited to working with
// the standard io package.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is the memory access port of the examined process.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// MemoryPermissions describes the protection of a region allocated in the
// target.
type MemoryPermissions uint8

const (
	MemoryReadable MemoryPermissions = 1 << iota
	MemoryWritable
	MemoryExecutable
)

// MemoryAllocator grants scratch memory inside the target process.
type MemoryAllocator interface {
	// AllocateMemory reserves size bytes in the target with the given
	// protection and returns the region's address.
	AllocateMemory(size uint64, perms MemoryPermissions) (uint64, error)
	// DeallocateMemory releases a region previously returned by
	// AllocateMemory.
	DeallocateMemory(addr uint64) error
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReadWriter
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr <= (m.cacheAddr+uint64(len(m.cache)-size))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

func (m *memCache) WriteMemory(addr uint64, data []byte) (written int, err error) {
	return m.mem.WriteMemory(addr, data)
}

// CacheMemory returns a memory space that will cache reads of the
// [addr, addr+size) region. Used when a component is about to decode
// several adjacent words, like the fields of a query's return buffer.
func CacheMemory(mem MemoryReadWriter, addr uint64, size int) MemoryReadWriter {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		cache := make([]byte, size)
		if _, err := cacheMem.mem.ReadMemory(cache, addr); err != nil {
			return mem
		}
		return &memCache{addr, cache, mem}
	}
	cache := make([]byte, size)
	if _, err := mem.ReadMemory(cache, addr); err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// ReadUintRaw reads an unsigned integer of size bytes at addr, in the
// target's byte order. Short reads are reported as errors.
func ReadUintRaw(mem MemoryReader, addr uint64, size int) (uint64, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, fmt.Errorf("short read: %d bytes at %#x, expected %d", n, addr, size)
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	return 0, fmt.Errorf("invalid uint size %d", size)
}

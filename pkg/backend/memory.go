package backend

import (
	"errors"
	"sync"
)

var ErrOutOfRange = errors.New("access beyond end of backend")

type MemoryBackend struct {
	memory []byte
	lock   sync.Mutex
}

func NewMemoryBackend(memory []byte) *MemoryBackend {
	return &MemoryBackend{memory, sync.Mutex{}}
}

func (b *MemoryBackend) ReadAt(p []byte, off int64) (n int, err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(b.memory)) {
		return 0, ErrOutOfRange
	}

	return copy(p, b.memory[off:]), nil
}

func (b *MemoryBackend) WriteAt(p []byte, off int64) (n int, err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(b.memory)) {
		return 0, ErrOutOfRange
	}

	return copy(b.memory[off:], p), nil
}

func (b *MemoryBackend) Size() (int64, error) {
	return int64(len(b.memory)), nil
}

func (b *MemoryBackend) Sync() error {
	return nil
}

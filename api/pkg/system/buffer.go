package system

import (
	"sync"
)

// LimitedBuffer keeps the last maxSize bytes written to it. It is used to
// retain the tail of a child process's stderr so startup failures can be
// classified after the fact.
type LimitedBuffer struct {
	mu      sync.Mutex
	maxSize int
	data    []byte
}

func NewLimitedBuffer(maxSize int) *LimitedBuffer {
	return &LimitedBuffer{maxSize: maxSize}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.maxSize {
		b.data = b.data[len(b.data)-b.maxSize:]
	}
	return len(p), nil
}

func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *LimitedBuffer) String() string {
	return string(b.Bytes())
}

func (b *LimitedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

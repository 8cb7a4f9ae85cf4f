package buffer

import (
	"sync"
)

// ByteBuffer is an append-only byte accumulator with a read cursor. It is
// the unit queued on a connection's outbound FIFO and the scratch space the
// decoder consumes from. Not safe for concurrent use; every buffer is owned
// by exactly one connection.
type ByteBuffer struct {
	data []byte
	off  int
}

// NewByteBuffer creates an empty buffer.
func NewByteBuffer() *ByteBuffer {
	return &ByteBuffer{}
}

// NewByteBufferFrom creates a buffer seeded with a copy of b.
func NewByteBufferFrom(b []byte) *ByteBuffer {
	buf := &ByteBuffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// Append adds bytes to the end of the buffer.
func (b *ByteBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// AppendByte adds a single byte to the end of the buffer.
func (b *ByteBuffer) AppendByte(c byte) {
	b.data = append(b.data, c)
}

// AppendString adds a string to the end of the buffer.
func (b *ByteBuffer) AppendString(s string) {
	b.data = append(b.data, s...)
}

// Size returns the number of unread bytes.
func (b *ByteBuffer) Size() int {
	return len(b.data) - b.off
}

// Data returns the unread bytes. The slice aliases the buffer's storage and
// is invalidated by the next Append or Erase.
func (b *ByteBuffer) Data() []byte {
	return b.data[b.off:]
}

// Consume advances the read cursor by n bytes.
func (b *ByteBuffer) Consume(n int) {
	if n > b.Size() {
		n = b.Size()
	}
	b.off += n
	if b.off == len(b.data) {
		// fully consumed, reclaim the storage
		b.data = b.data[:0]
		b.off = 0
	}
}

// Erase removes the first n unread bytes, used after a partial socket write.
func (b *ByteBuffer) Erase(n int) {
	b.Consume(n)
}

// Reset discards all content but keeps the storage for reuse.
func (b *ByteBuffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
}

const readBufferSize = 8192

// readBufPool recycles the fixed 8 KiB inbound read buffers so that every
// connection read does not allocate.
var readBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

// GetReadBuffer returns an 8 KiB scratch buffer from the pool.
func GetReadBuffer() *[]byte {
	return readBufPool.Get().(*[]byte)
}

// PutReadBuffer returns a buffer obtained from GetReadBuffer to the pool.
func PutReadBuffer(buf *[]byte) {
	readBufPool.Put(buf)
}

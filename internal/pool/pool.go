// Package pool holds shared sync.Pool instances for the hot line path.
package pool

import (
	"bytes"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

// linePool recycles Line values between the source readers and the
// workers that consume them.
var linePool = sync.Pool{
	New: func() interface{} {
		return new(types.Line)
	},
}

// GetLine retrieves a cleared Line from the pool
func GetLine() *types.Line {
	line := linePool.Get().(*types.Line)
	line.Channel = ""
	line.Text = ""
	line.ReadAt = time.Time{}
	return line
}

// PutLine returns a Line to the pool. Callers must not retain the Line
// after putting it back; records copy the text they keep.
func PutLine(line *types.Line) {
	if line != nil {
		linePool.Put(line)
	}
}

// byteBufferPool recycles buffers for bulk request bodies and artifact
// compression.
var byteBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetByteBuffer retrieves a reset byte buffer from the pool
func GetByteBuffer() *bytes.Buffer {
	buf := byteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutByteBuffer returns a byte buffer to the pool. Buffers over 64KB
// are dropped so one oversized batch does not pin memory.
func PutByteBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() < 64*1024 {
		buf.Reset()
		byteBufferPool.Put(buf)
	}
}

package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/internal/buffer"
	"github.com/xmesh/meshcollect/internal/pool"
	"github.com/xmesh/meshcollect/pkg/types"
)

// ErrTimeout reports that no line arrived within the bounded wait. It is
// not a failure: the caller re-polls, and the wait bound doubles as the
// cancellation latency of the read loop.
var ErrTimeout = errors.New("no line available")

// ChannelError wraps a transport-level failure (device unplugged,
// listener closed, log stream severed) as opposed to simple inactivity.
type ChannelError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Source is one channel of line-oriented diagnostic text. NextLine blocks
// for at most the given timeout and returns ErrTimeout when no data is
// available, or a *ChannelError on transport failure. Open may be called
// again after Close so the owning worker can retry a failed transport.
type Source interface {
	// Name returns the channel identity lines are tagged with.
	Name() string

	// Type returns the adapter type (device, tail, tcp, pod).
	Type() string

	// Open establishes the transport and starts the reader.
	Open(ctx context.Context) error

	// NextLine returns the next decoded line, ErrTimeout after the
	// bounded wait, or *ChannelError on transport failure.
	NextLine(timeout time.Duration) (*types.Line, error)

	// Close releases the transport. Safe to call more than once.
	Close() error
}

// sanitize decodes one raw line: trailing CR/LF stripped, invalid UTF-8
// replaced with U+FFFD. Returns false for blank lines, which are
// swallowed inside the source.
func sanitize(raw string) (string, bool) {
	text := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return strings.ToValidUTF8(text, "�"), true
}

// base carries the reader-to-worker handoff shared by every adapter: a
// bounded ring buffer fed by the adapter's reader goroutines and drained
// by the worker's bounded NextLine. Open rebuilds all mutable state so a
// source can be reopened after a transport failure.
type base struct {
	channel    string
	kind       string
	bufferSize int

	mu     sync.Mutex
	ring   *buffer.RingBuffer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fatal  *ChannelError
}

func newBase(channel, kind string, bufferSize int) base {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return base{channel: channel, kind: kind, bufferSize: bufferSize}
}

func (b *base) Name() string { return b.channel }

func (b *base) Type() string { return b.kind }

// begin resets the handoff state for a fresh Open. The returned context
// bounds the adapter's reader goroutines; it is cancelled by teardown,
// not by the Open context, whose deadline covers only the dial.
func (b *base) begin() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, _ := buffer.NewRingBuffer(buffer.RingBufferConfig{
		Size:                 b.bufferSize,
		BackpressureStrategy: buffer.BackpressureDrop,
	})
	b.ring = ring
	b.fatal = nil
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b.ctx
}

// emit decodes and enqueues one raw line. Blank lines are swallowed;
// when the ring is full the oldest line is dropped (counted in the ring
// metrics) rather than stalling the transport read.
func (b *base) emit(raw string) {
	text, ok := sanitize(raw)
	if !ok {
		return
	}
	line := pool.GetLine()
	line.Channel = b.channel
	line.Text = text
	line.ReadAt = time.Now()
	b.mu.Lock()
	ring := b.ring
	b.mu.Unlock()
	if ring == nil {
		return
	}
	_ = ring.Enqueue(context.Background(), line)
}

// fail records a transport failure and closes the ring so the pending
// NextLine wakes up. Buffered lines remain readable; the error surfaces
// once they are drained.
func (b *base) fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal == nil {
		b.fatal = &ChannelError{Channel: b.channel, Op: op, Err: err}
	}
	if b.ring != nil {
		b.ring.Close()
	}
}

func (b *base) fatalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal != nil {
		return b.fatal
	}
	return nil
}

// NextLine drains buffered lines first so data read before a failure is
// never lost, then waits up to timeout for the reader to produce more.
func (b *base) NextLine(timeout time.Duration) (*types.Line, error) {
	b.mu.Lock()
	ring := b.ring
	b.mu.Unlock()

	if ring == nil {
		return nil, &ChannelError{Channel: b.channel, Op: "read", Err: errors.New("source not open")}
	}

	if line, ok := ring.TryDequeue(); ok {
		return line, nil
	}
	if err := b.fatalErr(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	line, err := ring.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if errors.Is(err, buffer.ErrBufferClosed) {
			if ferr := b.fatalErr(); ferr != nil {
				return nil, ferr
			}
			return nil, &ChannelError{Channel: b.channel, Op: "read", Err: errors.New("source closed")}
		}
		return nil, err
	}
	return line, nil
}

// Dropped returns how many lines the ring discarded under backpressure.
func (b *base) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return 0
	}
	return b.ring.Metrics().Dropped
}

// teardown cancels the readers, runs the transport closers so blocked
// reads return, waits for the readers, and closes the ring.
func (b *base) teardown(closers ...func()) {
	b.mu.Lock()
	cancel := b.cancel
	ring := b.ring
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, closeFn := range closers {
		closeFn()
	}
	b.wg.Wait()
	if ring != nil {
		ring.Close()
	}
}

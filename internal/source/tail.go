package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xmesh/meshcollect/internal/checkpoint"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/pkg/types"
)

// TailSource follows a growing log file, typically one written by a
// terminal program logging a serial console. New files are read from the
// end; a matching checkpoint resumes mid-file after a restart. Rotation
// is detected through fsnotify and the replacement file is read from the
// top.
type TailSource struct {
	base
	path        string
	checkpoints *checkpoint.Manager // nil when offset persistence is off
	logger      *logging.Logger

	mu      sync.Mutex
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	inode   uint64
	watcher *fsnotify.Watcher
	rotated chan struct{}
}

// NewTailSource creates a tail source for one channel. checkpoints may
// be nil to disable offset persistence.
func NewTailSource(channel, path string, bufferSize int, checkpoints *checkpoint.Manager, logger *logging.Logger) *TailSource {
	return &TailSource{
		base:        newBase(channel, "tail", bufferSize),
		path:        path,
		checkpoints: checkpoints,
		logger:      logger.WithComponent("source-tail").WithChannel(channel),
	}
}

// Open opens the file, seeks to the resume point and starts the reader
// and watcher loops.
func (t *TailSource) Open(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &ChannelError{Channel: t.channel, Op: "open", Err: err}
	}

	if err := t.openFile(true); err != nil {
		watcher.Close()
		return &ChannelError{Channel: t.channel, Op: "open", Err: err}
	}

	t.mu.Lock()
	t.watcher = watcher
	t.rotated = make(chan struct{}, 1)
	t.mu.Unlock()

	if err := watcher.Add(t.path); err != nil {
		t.logger.Warn().Err(err).Str("path", t.path).Msg("Failed to add file to watcher")
	}

	readCtx := t.begin()
	t.wg.Add(2)
	go t.readLoop(readCtx)
	go t.watchLoop(readCtx)

	return nil
}

// openFile opens the path and positions the read offset. With resume set
// a checkpoint matching the current inode wins, otherwise the file is
// read from the end. Rotated-in replacements are read from the top.
func (t *TailSource) openFile(resume bool) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	inode := getInode(stat)

	var offset int64
	if resume {
		if pos, ok := t.position(); ok && pos.Inode == inode {
			offset = pos.Offset
			t.logger.Info().Str("path", t.path).Int64("offset", offset).Msg("Resuming from checkpoint")
		} else {
			offset, err = file.Seek(0, io.SeekEnd)
			if err != nil {
				file.Close()
				return err
			}
			t.logger.Info().Str("path", t.path).Msg("Starting from end of file")
		}
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return err
	}

	t.mu.Lock()
	if t.file != nil {
		t.file.Close()
	}
	t.file = file
	t.reader = bufio.NewReader(file)
	t.offset = offset
	t.inode = inode
	t.mu.Unlock()

	t.updateCheckpoint()
	return nil
}

func (t *TailSource) position() (*types.FilePosition, bool) {
	if t.checkpoints == nil {
		return nil, false
	}
	return t.checkpoints.GetPosition(t.path)
}

func (t *TailSource) updateCheckpoint() {
	if t.checkpoints == nil {
		return
	}
	t.mu.Lock()
	offset, inode := t.offset, t.inode
	t.mu.Unlock()
	t.checkpoints.UpdatePosition(t.path, offset, inode)
}

// readLoop reads lines until the source is closed. EOF means wait:
// either for more data or for a rotation signal from the watcher.
// Partial lines are held until the trailing newline arrives.
func (t *TailSource) readLoop(ctx context.Context) {
	defer t.wg.Done()

	var pending string
	lines := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		reader := t.reader
		t.mu.Unlock()

		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			t.mu.Lock()
			t.offset += int64(len(chunk))
			t.mu.Unlock()
		}

		if err == nil {
			t.emit(pending + chunk)
			pending = ""
			lines++
			if lines%100 == 0 {
				t.updateCheckpoint()
			}
			continue
		}

		pending += chunk

		if errors.Is(err, io.EOF) {
			select {
			case <-t.rotated:
				t.handleRotation(ctx, &pending)
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		if pending != "" {
			t.emit(pending)
		}
		t.logger.Error().Err(err).Str("path", t.path).Msg("Error reading file")
		t.fail("read", err)
		return
	}
}

// handleRotation reopens the path after the old file was renamed or
// removed. A partial line from the old file is flushed first; the
// replacement may take a moment to appear, so opening retries until the
// context ends.
func (t *TailSource) handleRotation(ctx context.Context, pending *string) {
	if *pending != "" {
		t.emit(*pending)
		*pending = ""
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// Wait a bit for the new file to be created
		time.Sleep(100 * time.Millisecond)

		if err := t.openFile(false); err != nil {
			t.logger.Warn().Err(err).Str("path", t.path).Msg("Waiting for rotated file")
			continue
		}

		t.mu.Lock()
		watcher := t.watcher
		t.mu.Unlock()
		if watcher != nil {
			if err := watcher.Add(t.path); err != nil {
				t.logger.Warn().Err(err).Str("path", t.path).Msg("Failed to re-add file to watcher")
			}
		}

		t.logger.Info().Str("path", t.path).Msg("Reopened rotated file")
		return
	}
}

// watchLoop forwards rotation events to the read loop.
func (t *TailSource) watchLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent handles file system events.
func (t *TailSource) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
		// readLoop will pick up the new data on its next pass

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		t.logger.Info().Str("path", event.Name).Msg("File rotation detected")
		select {
		case t.rotated <- struct{}{}:
		default:
		}
	}
}

// Close persists the final offset and stops the loops.
func (t *TailSource) Close() error {
	t.mu.Lock()
	watcher := t.watcher
	t.watcher = nil
	t.mu.Unlock()

	t.teardown(func() {
		if watcher != nil {
			watcher.Close()
		}
	})

	t.updateCheckpoint()

	t.mu.Lock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.mu.Unlock()
	return nil
}

// getInode extracts the inode from FileInfo.
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}

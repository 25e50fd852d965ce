package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/internal/logging"
)

// DeviceSource reads newline-delimited diagnostic output from a serial
// device node such as /dev/ttyUSB0. The node is opened as a plain file;
// line settings (baud rate, raw mode) are the platform's business. A
// regular file works too, in which case EOF means "wait for more" the
// way a tail does, so captures can be replayed from disk.
type DeviceSource struct {
	base
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	file    *os.File
	regular bool
}

// NewDeviceSource creates a device source for one channel.
func NewDeviceSource(channel, path string, bufferSize int, logger *logging.Logger) *DeviceSource {
	return &DeviceSource{
		base:   newBase(channel, "device", bufferSize),
		path:   path,
		logger: logger.WithComponent("source-device").WithChannel(channel),
	}
}

// Open opens the device node and starts the reader.
func (d *DeviceSource) Open(ctx context.Context) error {
	file, err := os.Open(d.path)
	if err != nil {
		return &ChannelError{Channel: d.channel, Op: "open", Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return &ChannelError{Channel: d.channel, Op: "open", Err: err}
	}

	d.mu.Lock()
	d.file = file
	d.regular = info.Mode().IsRegular()
	d.mu.Unlock()

	readCtx := d.begin()
	d.wg.Add(1)
	go d.readLoop(readCtx, file)

	d.logger.Info().Str("path", d.path).Bool("regular", info.Mode().IsRegular()).Msg("Device opened")
	return nil
}

// readLoop reads lines until the device fails or the source is closed.
// Partial reads without a trailing newline are held until the rest of
// the line arrives, so slow writers never split a line in two.
func (d *DeviceSource) readLoop(ctx context.Context, file *os.File) {
	defer d.wg.Done()

	reader := bufio.NewReader(file)
	var pending string

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := reader.ReadString('\n')
		if err == nil {
			d.emit(pending + chunk)
			pending = ""
			continue
		}

		pending += chunk

		if errors.Is(err, io.EOF) {
			d.mu.Lock()
			regular := d.regular
			d.mu.Unlock()

			if regular {
				// Wait for more data
				time.Sleep(100 * time.Millisecond)
				continue
			}

			// EOF on a device node means the device went away.
			if pending != "" {
				d.emit(pending)
			}
			d.logger.Warn().Str("path", d.path).Msg("Device disconnected")
			d.fail("read", errors.New("device disconnected"))
			return
		}

		if ctx.Err() != nil {
			return
		}

		if pending != "" {
			d.emit(pending)
		}
		d.logger.Error().Err(err).Str("path", d.path).Msg("Device read failed")
		d.fail("read", err)
		return
	}
}

// Close stops the reader and releases the device.
func (d *DeviceSource) Close() error {
	d.mu.Lock()
	file := d.file
	d.file = nil
	d.mu.Unlock()

	d.teardown(func() {
		if file != nil {
			file.Close()
		}
	})
	return nil
}

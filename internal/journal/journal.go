package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

var ErrJournalClosed = errors.New("journal is closed")

const (
	defaultSegmentSize = 16 * 1024 * 1024
	defaultMaxSegments = 16
	segmentPrefix      = "journal-"
	segmentSuffix      = ".log"
)

// Config holds journal configuration.
type Config struct {
	Dir          string
	SegmentSize  int64
	MaxSegments  int
	SyncInterval time.Duration
}

// Journal is an append-only, segmented log of one channel's sanitized
// input lines, written before extraction so a session's raw input can be
// replayed or audited afterwards. Oldest segments are dropped once the
// retention cap is hit.
type Journal struct {
	channel string
	config  Config

	mu            sync.Mutex
	current       *segment
	segments      []*segment
	lastSegmentID uint64
	closed        bool
	closeCh       chan struct{}

	entries  uint64
	bytes    uint64
	rotated  uint64
	truncate uint64
}

// segment is a single journal segment file.
type segment struct {
	id       uint64
	path     string
	file     *os.File
	writer   *bufio.Writer
	size     int64
	readOnly bool
}

// Open opens (or resumes) the journal for one channel under
// cfg.Dir/<channel>/ and starts the periodic sync loop.
func Open(channel string, cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegments == 0 {
		cfg.MaxSegments = defaultMaxSegments
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Second
	}
	cfg.Dir = filepath.Join(cfg.Dir, channel)

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		channel: channel,
		config:  cfg,
		closeCh: make(chan struct{}),
	}

	if err := j.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	if j.current == nil {
		if err := j.rotate(); err != nil {
			return nil, fmt.Errorf("failed to create initial segment: %w", err)
		}
	}

	go j.syncLoop()

	return j, nil
}

// Append writes one line to the journal. Durability is bounded by the
// sync interval, not per append.
func (j *Journal) Append(line *types.Line) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	if j.current.size >= j.config.SegmentSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	n, err := j.current.writer.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}

	j.current.size += int64(n)
	j.entries++
	j.bytes += uint64(n)
	return nil
}

// ReadAll replays every journaled line in append order.
func (j *Journal) ReadAll() ([]*types.Line, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	// Flush so the current segment's tail is visible to the reader.
	if err := j.current.sync(); err != nil {
		return nil, err
	}

	var lines []*types.Line
	for _, seg := range j.segments {
		segLines, err := seg.readAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %d: %w", seg.id, err)
		}
		lines = append(lines, segLines...)
	}
	return lines, nil
}

// Sync flushes buffered appends to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.current.sync()
}

// Close flushes and closes every segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	j.closed = true
	close(j.closeCh)

	var firstErr error
	for _, seg := range j.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns journal statistics.
func (j *Journal) Metrics() Metrics {
	j.mu.Lock()
	defer j.mu.Unlock()

	return Metrics{
		Entries:   j.entries,
		Bytes:     j.bytes,
		Segments:  uint64(len(j.segments)),
		Rotations: j.rotated,
		Truncated: j.truncate,
	}
}

// rotate seals the current segment, opens the next one and prunes the
// oldest segments beyond the retention cap.
func (j *Journal) rotate() error {
	j.lastSegmentID++
	filename := fmt.Sprintf("%s%08d%s", segmentPrefix, j.lastSegmentID, segmentSuffix)
	path := filepath.Join(j.config.Dir, filename)

	seg, err := openSegment(j.lastSegmentID, path, false)
	if err != nil {
		return err
	}

	if j.current != nil {
		if err := j.current.sync(); err != nil {
			seg.close()
			return err
		}
		j.current.readOnly = true
	}

	j.current = seg
	j.segments = append(j.segments, seg)
	if j.lastSegmentID > 1 {
		j.rotated++
	}

	for len(j.segments) > j.config.MaxSegments {
		oldest := j.segments[0]
		if err := oldest.close(); err != nil {
			return fmt.Errorf("failed to close segment %d: %w", oldest.id, err)
		}
		if err := os.Remove(oldest.path); err != nil {
			return fmt.Errorf("failed to remove segment %d: %w", oldest.id, err)
		}
		j.segments = j.segments[1:]
		j.truncate++
	}
	return nil
}

// loadSegments resumes the journal from disk. Sealed segments open
// read-only; the newest reopens for appending.
func (j *Journal) loadSegments() error {
	entries, err := os.ReadDir(j.config.Dir)
	if err != nil {
		return err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), segmentPrefix) && strings.HasSuffix(entry.Name(), segmentSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		idStr := strings.TrimPrefix(name, segmentPrefix)
		idStr = strings.TrimSuffix(idStr, segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}

		path := filepath.Join(j.config.Dir, name)
		seg, err := openSegment(id, path, i < len(names)-1)
		if err != nil {
			return err
		}

		j.segments = append(j.segments, seg)
		if id > j.lastSegmentID {
			j.lastSegmentID = id
		}
	}

	if len(j.segments) > 0 {
		j.current = j.segments[len(j.segments)-1]
	}
	return nil
}

// syncLoop periodically flushes the journal to disk.
func (j *Journal) syncLoop() {
	ticker := time.NewTicker(j.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				j.current.sync()
			}
			j.mu.Unlock()
		case <-j.closeCh:
			return
		}
	}
}

func openSegment(id uint64, path string, readOnly bool) (*segment, error) {
	var file *os.File
	var err error

	if readOnly {
		file, err = os.OpenFile(path, os.O_RDONLY, 0644)
	} else {
		file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	seg := &segment{
		id:       id,
		path:     path,
		file:     file,
		size:     stat.Size(),
		readOnly: readOnly,
	}
	if !readOnly {
		seg.writer = bufio.NewWriter(file)
	}
	return seg, nil
}

func (s *segment) readAll() ([]*types.Line, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []*types.Line
	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		var line types.Line
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			// A torn tail write from a crash is not an error.
			continue
		}
		lines = append(lines, &line)
	}
	return lines, scanner.Err()
}

func (s *segment) sync() error {
	if s.readOnly || s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	return s.file.Close()
}

// Metrics holds journal statistics.
type Metrics struct {
	Entries   uint64
	Bytes     uint64
	Segments  uint64
	Rotations uint64
	Truncated uint64
}

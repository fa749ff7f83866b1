package client

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	queueHeaderSize = 16
	maxRecordSize   = 1 << 20
	queueLogName    = "commands.log"
	checkpointName  = "checkpoint"
)

var (
	errQueueClosed = errors.New("queue closed")
	crcTable       = crc32.MakeTable(crc32.Castagnoli)
)

// QueuedCommand is one command waiting for the connection to come back.
type QueuedCommand struct {
	Offset   uint64          `json:"offset"`
	Envelope domain.Envelope `json:"envelope"`
	QueuedAt time.Time       `json:"queuedAt"`
}

// Queue is the ordered offline command queue. Records are appended to a
// CRC-framed log; a checkpoint file remembers the last offset handed to the
// server. Without a directory the queue lives in memory only.
type Queue struct {
	dir    string
	logger *log.Logger

	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	nextOffset uint64
	committed  uint64
	pending    []QueuedCommand
	closed     bool
}

// newMemoryQueue returns a queue that keeps commands in memory only.
func newMemoryQueue(logger *log.Logger) *Queue {
	return &Queue{logger: logger, nextOffset: 1}
}

// OpenQueue opens (or creates) the queue stored in dir and loads every
// command that was not committed yet.
func OpenQueue(dir string, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	q := newMemoryQueue(logger)
	if dir == "" {
		return q, nil
	}
	q.dir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	checkpoint, err := q.readCheckpoint()
	if err != nil {
		return nil, err
	}
	q.committed = checkpoint
	q.nextOffset = checkpoint + 1
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, checkpointName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

// load replays the log. A torn or corrupt tail is truncated away.
func (q *Queue) load() error {
	f, err := os.OpenFile(filepath.Join(q.dir, queueLogName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(f)
	var pos int64
	for {
		start := pos
		hdr := make([]byte, queueHeaderSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				f.Close()
				return err
			}
			pos = start
			break
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 || length > maxRecordSize {
			q.logger.WithField("offset", offset).Warn("discarding torn offline queue tail")
			pos = start
			break
		}

		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil || crc32.Checksum(buf, crcTable) != crc {
			q.logger.WithField("offset", offset).Warn("discarding torn offline queue tail")
			pos = start
			break
		}
		var rec QueuedCommand
		if err := sonic.Unmarshal(buf, &rec); err != nil {
			f.Close()
			return fmt.Errorf("decode queued command %d: %w", offset, err)
		}
		if rec.Offset != offset {
			f.Close()
			return fmt.Errorf("queue offset mismatch: header=%d payload=%d", offset, rec.Offset)
		}
		if rec.Offset >= q.nextOffset {
			q.nextOffset = rec.Offset + 1
		}
		if rec.Offset > q.committed {
			q.pending = append(q.pending, rec)
		}
	}
	if err := f.Truncate(pos); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	q.file = f
	q.writer = bufio.NewWriter(f)
	return nil
}

// Enqueue appends env behind every command already queued.
func (q *Queue) Enqueue(env domain.Envelope, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	rec := QueuedCommand{Offset: q.nextOffset, Envelope: env, QueuedAt: at}
	if q.file != nil {
		if err := q.appendLocked(rec); err != nil {
			return err
		}
	}
	q.nextOffset++
	q.pending = append(q.pending, rec)
	return nil
}

func (q *Queue) appendLocked(rec QueuedCommand) error {
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	header := make([]byte, queueHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Offset)
	if _, err := q.writer.Write(header); err != nil {
		return err
	}
	if _, err := q.writer.Write(payload); err != nil {
		return err
	}
	if err := q.writer.Flush(); err != nil {
		return err
	}
	if err := q.file.Sync(); err != nil {
		return err
	}
	return nil
}

// Pending returns the queued commands in their original order.
func (q *Queue) Pending() []QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedCommand, len(q.pending))
	copy(out, q.pending)
	return out
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Commit forgets every command up to and including offset. Once nothing is
// pending the log is truncated.
func (q *Queue) Commit(offset uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if offset <= q.committed {
		return nil
	}
	i := 0
	for i < len(q.pending) && q.pending[i].Offset <= offset {
		i++
	}
	q.pending = q.pending[i:]
	q.committed = offset
	if q.file == nil {
		return nil
	}
	if err := q.writeCheckpointLocked(); err != nil {
		return err
	}
	if len(q.pending) == 0 {
		return q.compactLocked()
	}
	return nil
}

func (q *Queue) writeCheckpointLocked() error {
	path := filepath.Join(q.dir, checkpointName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(q.committed, 10)), 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// compactLocked empties the log. The checkpoint keeps offsets monotonic.
func (q *Queue) compactLocked() error {
	if err := q.file.Truncate(0); err != nil {
		return err
	}
	if _, err := q.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	q.writer.Reset(q.file)
	return nil
}

// Close flushes and closes the log file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.file == nil {
		return nil
	}
	if err := q.writer.Flush(); err != nil {
		q.file.Close()
		return err
	}
	return q.file.Close()
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

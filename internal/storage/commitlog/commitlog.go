package commitlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/pairdb/streamstate/internal/util"
	"go.uber.org/zap"
)

const segmentPattern = "commitlog-*.log"

// segmentFile is the active segment. Records are written at the tracked
// end offset, never through the file position.
type segmentFile interface {
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// CommitLog is a segmented append-only log of checksummed records. Every
// record is written in full before Append returns; with SyncWrites the
// segment is fsynced too. Acknowledged records are contiguous from the start
// of their segment.
type CommitLog struct {
	config      *Config
	dataDir     string
	currentFile segmentFile
	currentSize int64
	segmentID   uint64
	logger      *zap.Logger
	mu          sync.Mutex
	closed      bool
}

// Config holds commit log configuration
type Config struct {
	SegmentSize   int64
	SyncWrites    bool
	MaxRecordSize uint32
}

// Open opens the log in dataDir. New records go to a fresh segment numbered
// after every existing one, so replay order equals append order.
func Open(cfg *Config, dataDir string, logger *zap.Logger) (*CommitLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	segments, err := listSegments(dataDir)
	if err != nil {
		return nil, err
	}

	cl := &CommitLog{
		config:  cfg,
		dataDir: dataDir,
		logger:  logger,
	}
	if n := len(segments); n > 0 {
		cl.segmentID = segmentIDOf(segments[n-1])
	}

	if err := cl.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open commit log segment: %w", err)
	}
	return cl, nil
}

// Append writes one record
func (l *CommitLog) Append(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("commit log is closed")
	}

	frame := util.AppendFrame(nil, payload)
	if _, err := l.currentFile.WriteAt(frame, l.currentSize); err != nil {
		l.discardTail()
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if l.config.SyncWrites {
		if err := l.currentFile.Sync(); err != nil {
			l.discardTail()
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}
	l.currentSize += int64(len(frame))

	if l.config.SegmentSize > 0 && l.currentSize >= l.config.SegmentSize {
		l.logger.Info("Rotating commit log due to size",
			zap.Int64("size", l.currentSize),
			zap.Int64("threshold", l.config.SegmentSize))
		if err := l.openNewSegment(); err != nil {
			return fmt.Errorf("failed to rotate commit log: %w", err)
		}
	}
	return nil
}

// discardTail drops the bytes of a failed append so that later records are
// not written behind a torn frame. If the segment cannot be cut back, later
// records go to a fresh segment instead. Callers hold mu.
func (l *CommitLog) discardTail() {
	err := l.currentFile.Truncate(l.currentSize)
	if err == nil {
		return
	}
	l.logger.Warn("Failed to truncate torn commit log record, rotating",
		zap.Int64("size", l.currentSize),
		zap.Error(err))
	if err := l.openNewSegment(); err != nil {
		l.logger.Error("Failed to rotate commit log", zap.Error(err))
	}
}

// openNewSegment creates a new commit log segment; callers hold mu
func (l *CommitLog) openNewSegment() error {
	if l.currentFile != nil {
		if err := l.currentFile.Close(); err != nil {
			l.logger.Warn("Failed to close commit log segment", zap.Error(err))
		}
	}

	l.segmentID++
	segmentPath := filepath.Join(l.dataDir, fmt.Sprintf("commitlog-%020d.log", l.segmentID))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open commit log file: %w", err)
	}

	l.currentFile = file
	l.currentSize = 0

	l.logger.Info("Opened new commit log segment", zap.String("path", segmentPath))
	return nil
}

// Replay feeds every intact record, oldest first, to fn. A torn or corrupt
// record ends replay of its segment; records after it in that segment are
// not trusted.
func (l *CommitLog) Replay(ctx context.Context, fn func(payload []byte) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := listSegments(l.dataDir)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, path := range segments {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		count, err := l.replaySegment(path, fn)
		recovered += count
		if err != nil {
			return recovered, err
		}
	}

	l.logger.Info("Commit log replay completed",
		zap.Int("segments", len(segments)),
		zap.Int("records", recovered))
	return recovered, nil
}

func (l *CommitLog) replaySegment(path string, fn func([]byte) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	count := 0
	for {
		payload, err := util.ReadFrame(reader, l.config.MaxRecordSize)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			l.logger.Warn("Skipping damaged commit log tail",
				zap.String("segment", path),
				zap.Int("records_read", count),
				zap.Error(err))
			return count, nil
		}
		if err := fn(payload); err != nil {
			return count, err
		}
		count++
	}
}

// Segments returns the paths of all segments in replay order.
func (l *CommitLog) Segments() ([]string, error) {
	return listSegments(l.dataDir)
}

// Close closes the active segment
func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}

func listSegments(dataDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, segmentPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}
	// zero-padded ids sort lexically
	sort.Strings(files)
	return files, nil
}

func segmentIDOf(path string) uint64 {
	var id uint64
	if _, err := fmt.Sscanf(filepath.Base(path), "commitlog-%d.log", &id); err != nil {
		return 0
	}
	return id
}

package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"jihu_proxy/internal/utils"
)

// fileStampLayout is substituted for %s in the file template.
const fileStampLayout = "20060102T150405.000000"

// UsageLogger writes usage records as JSON lines from a single goroutine.
// Files rotate by size and only the newest maxFiles are kept.
type UsageLogger struct {
	fileTemplate  string // e.g. "/var/log/jihu-proxy/usage-%s.jsonl"
	maxSize       int64
	maxFiles      int
	flushInterval time.Duration
	logger        *utils.Logger

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	recCh  chan *UsageRecord
	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// UsageLoggerConfig configures NewUsageLogger.
type UsageLoggerConfig struct {
	FileTemplate  string // must contain one %s
	MaxSize       int64
	MaxFiles      int
	BufferSize    int
	FlushInterval time.Duration
}

// NewUsageLogger opens the first file and starts the writer goroutine.
func NewUsageLogger(cfg UsageLoggerConfig) (*UsageLogger, error) {
	if cfg.FileTemplate == "" {
		return nil, fmt.Errorf("usage log file template is empty")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 1
	}

	l := &UsageLogger{
		fileTemplate:  cfg.FileTemplate,
		maxSize:       cfg.MaxSize,
		maxFiles:      cfg.MaxFiles,
		flushInterval: cfg.FlushInterval,
		logger:        utils.NewLogger("usage-log"),
		recCh:         make(chan *UsageRecord, cfg.BufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Enqueue queues rec without blocking. A full queue drops the record.
func (l *UsageLogger) Enqueue(rec *UsageRecord) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("usage logger is shut down")
	}

	select {
	case l.recCh <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown drains the queue, flushes and closes the file.
func (l *UsageLogger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.doneCh)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentFile returns the path being written.
func (l *UsageLogger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentFile
}

func (l *UsageLogger) openFile() error {
	name := fmt.Sprintf(l.fileTemplate, time.Now().UTC().Format(fileStampLayout))
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat usage log: %w", err)
	}

	l.currentFile = name
	l.currentSize = fi.Size()
	l.file = file
	l.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded must be called with mu held.
func (l *UsageLogger) rotateIfNeeded(n int) error {
	if l.maxSize <= 0 || l.currentSize == 0 || l.currentSize+int64(n) <= l.maxSize {
		return nil
	}

	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := l.openFile(); err != nil {
		return err
	}
	return l.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond maxFiles. The stamp
// layout sorts lexically in time order.
func (l *UsageLogger) cleanupOldFiles() error {
	matches, err := filepath.Glob(fmt.Sprintf(l.fileTemplate, "*"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for i := 0; i < len(matches)-l.maxFiles; i++ {
		if matches[i] == l.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

func (l *UsageLogger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.recCh:
			l.write(rec)
		case <-ticker.C:
			l.mu.Lock()
			_ = l.writer.Flush()
			l.mu.Unlock()
		case <-l.doneCh:
			for {
				select {
				case rec := <-l.recCh:
					l.write(rec)
				default:
					l.mu.Lock()
					_ = l.writer.Flush()
					_ = l.file.Close()
					l.mu.Unlock()
					return
				}
			}
		}
	}
}

func (l *UsageLogger) write(rec *UsageRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("failed to encode usage record", "err", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(len(data)); err != nil {
		l.logger.Error("failed to rotate usage log", "err", err)
	}
	n, err := l.writer.Write(data)
	l.currentSize += int64(n)
	if err != nil {
		l.logger.Error("failed to write usage record", "err", err)
	}
}

// Package wal persists incoming evaluation batches before they touch the
// ledger, so a crash mid-ingest can be replayed.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BatchWAL appends raw evaluation batch payloads to a daily log file. Every
// append is fsynced before the ingest path acknowledges the batch.
type BatchWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry is one replayed WAL record.
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// NewBatchWAL creates or opens today's WAL file under dirPath.
func NewBatchWAL(dirPath string) (*BatchWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("batches-%s.wal", time.Now().Format("20060102")))
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &BatchWAL{file: file, path: walPath}, nil
}

// Path returns the active WAL file path.
func (w *BatchWAL) Path() string {
	return w.path
}

// Append writes one batch payload with fsync. The payload must not contain
// newlines; JSON-encoded batches never do.
func (w *BatchWAL) Append(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := fmt.Sprintf("%s|%d|%s\n", time.Now().Format(time.RFC3339Nano), len(body), body)
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the WAL
func (w *BatchWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all entries from a WAL file. Malformed lines are skipped:
// a torn final write must not block recovery of everything before it.
func Replay(walPath string) ([]Entry, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}
		length, err := strconv.Atoi(parts[1])
		if err != nil || length != len(parts[2]) {
			continue
		}

		entries = append(entries, Entry{
			Timestamp: timestamp,
			Body:      []byte(parts[2]),
		})
	}

	return entries, scanner.Err()
}

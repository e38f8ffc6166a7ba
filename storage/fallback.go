package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"cryptomon/logger"
	"cryptomon/models"
)

// FallbackLog is the append-only local spill target for batches whose storage
// writes exhausted their retries. Spilled batches are flagged for manual or
// asynchronous recovery; they are never retried by the running process.
type FallbackLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	spilled int64
	log     *logger.Log
}

// spillEntry is one line of the fallback log.
type spillEntry struct {
	SpilledAt time.Time     `json:"spilled_at"`
	Reason    string        `json:"reason"`
	Batch     *models.Batch `json:"batch"`
}

func NewFallbackLog(path string) *FallbackLog {
	return &FallbackLog{path: path, log: logger.GetLogger()}
}

// Spill appends the batch as one JSON line and syncs. The file is opened
// lazily so a healthy run never touches the fallback path.
func (f *FallbackLog) Spill(batch *models.Batch, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open fallback log: %w", err)
		}
		f.file = file
	}

	line, err := json.Marshal(spillEntry{SpilledAt: time.Now().UTC(), Reason: reason, Batch: batch})
	if err != nil {
		return fmt.Errorf("failed to encode spilled batch: %w", err)
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to fallback log: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync fallback log: %w", err)
	}

	f.spilled++
	f.log.WithComponent("fallback_log").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  len(batch.Records),
		"reason":   reason,
		"path":     f.path,
	}).Error("batch spilled to fallback log, flagged for recovery")
	return nil
}

// Spilled reports how many batches have been spilled since startup.
func (f *FallbackLog) Spilled() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spilled
}

// Recover reads back every spilled batch, for an operator tool or an async
// re-ingestion job.
func (f *FallbackLog) Recover() ([]*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open fallback log: %w", err)
	}
	defer file.Close()

	var batches []*models.Batch
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry spillEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt fallback entry: %w", err)
		}
		batches = append(batches, entry.Batch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan fallback log: %w", err)
	}
	return batches, nil
}

func (f *FallbackLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

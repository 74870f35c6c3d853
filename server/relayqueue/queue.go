// Package relayqueue spools filtered messages whose reinjection failed
// temporarily and retries them in the background.
//
// Each message is a pair of files, <id>.json with the envelope and retry
// state and <id>.msg with the message bytes, that moves between the pending,
// processing and failed directories. Files are written through a temp file
// and rename so a crash never leaves a half written entry.
package relayqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/pkg/retry"
)

// QueuedMessage is the metadata stored next to a spooled message.
type QueuedMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors"`
}

// DiskQueue manages a disk-based queue for relay messages
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	schedule      retry.Schedule
	now           func() time.Time
	mu            sync.Mutex
}

// NewDiskQueue creates the spool directories under basePath.
func NewDiskQueue(basePath string, maxAttempts int, schedule retry.Schedule) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if len(schedule) == 0 {
		schedule = retry.DefaultSchedule
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		schedule:      schedule,
		now:           time.Now,
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Enqueue spools a message for immediate retry and returns its ID.
func (q *DiskQueue) Enqueue(from string, to []string, messageBytes []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New().String()
	now := q.now()
	metadata := QueuedMessage{
		ID:        id,
		From:      from,
		To:        to,
		QueuedAt:  now,
		NextRetry: now,
		Errors:    []string{},
	}

	// Body first: a metadata file is only visible once its body exists.
	messagePath := filepath.Join(q.pendingDir, id+".msg")
	if err := writeDataAtomic(messagePath, messageBytes); err != nil {
		metrics.RelayQueueOperations.WithLabelValues("enqueue", "error").Inc()
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	metadataPath := filepath.Join(q.pendingDir, id+".json")
	if err := writeFileAtomic(metadataPath, metadata); err != nil {
		os.Remove(messagePath)
		metrics.RelayQueueOperations.WithLabelValues("enqueue", "error").Inc()
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	metrics.RelayQueueOperations.WithLabelValues("enqueue", "success").Inc()
	logger.Info("RelayQueue: Enqueued message", "id", id, "from", from, "recipients", len(to))
	return id, nil
}

// AcquireNext moves the next message that is due into processing. It returns
// nil, nil, nil when nothing is due.
func (q *DiskQueue) AcquireNext() (*QueuedMessage, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		metrics.RelayQueueOperations.WithLabelValues("acquire", "error").Inc()
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := q.now()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		metadataPath := filepath.Join(q.pendingDir, entry.Name())
		var metadata QueuedMessage
		if err := readMetadata(metadataPath, &metadata); err != nil {
			logger.Error("RelayQueue: Failed to read metadata", "entry", entry.Name(), "error", err)
			continue
		}
		if now.Before(metadata.NextRetry) {
			continue
		}

		messagePath := filepath.Join(q.pendingDir, metadata.ID+".msg")
		messageBytes, err := os.ReadFile(messagePath)
		if err != nil {
			logger.Error("RelayQueue: Failed to read message", "id", metadata.ID, "error", err)
			continue
		}

		if err := q.move(metadata.ID, q.pendingDir, q.processingDir); err != nil {
			logger.Error("RelayQueue: Failed to move message to processing", "id", metadata.ID, "error", err)
			continue
		}

		metrics.RelayQueueOperations.WithLabelValues("acquire", "success").Inc()
		return &metadata, messageBytes, nil
	}
	return nil, nil, nil
}

// MarkSuccess removes a delivered message.
func (q *DiskQueue) MarkSuccess(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ext := range []string{".json", ".msg"} {
		if err := os.Remove(filepath.Join(q.processingDir, messageID+ext)); err != nil && !os.IsNotExist(err) {
			metrics.RelayQueueOperations.WithLabelValues("mark_success", "error").Inc()
			return fmt.Errorf("failed to remove %s: %w", ext, err)
		}
	}
	metrics.RelayQueueOperations.WithLabelValues("mark_success", "success").Inc()
	logger.Info("RelayQueue: Delivered queued message", "id", messageID)
	return nil
}

// MarkFailure records a temporary failure. The message goes back to pending
// with the next backoff delay, or to failed once maxAttempts is reached.
func (q *DiskQueue) MarkFailure(messageID string, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadata, err := q.recordAttempt(messageID, errorMsg)
	if err != nil {
		metrics.RelayQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		return err
	}

	if metadata.Attempts >= q.maxAttempts {
		logger.Error("RelayQueue: Message exceeded max attempts, moving to failed", "id", messageID, "max_attempts", q.maxAttempts)
		return q.finish(metadata, q.failedDir, "mark_failure")
	}

	metadata.NextRetry = q.now().Add(q.schedule.After(metadata.Attempts))

	logger.Info("RelayQueue: Delivery failed, will retry", "id", messageID,
		"attempt", metadata.Attempts, "max_attempts", q.maxAttempts,
		"retry_at", metadata.NextRetry.Format(time.RFC3339), "error", errorMsg)
	return q.finish(metadata, q.pendingDir, "mark_failure")
}

// MarkPermanentFailure parks a message the next hop refused in failed.
func (q *DiskQueue) MarkPermanentFailure(messageID string, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	metadata, err := q.recordAttempt(messageID, errorMsg)
	if err != nil {
		metrics.RelayQueueOperations.WithLabelValues("mark_permanent_failure", "error").Inc()
		return err
	}
	logger.Error("RelayQueue: Permanent delivery failure, moving to failed", "id", messageID, "error", errorMsg)
	return q.finish(metadata, q.failedDir, "mark_permanent_failure")
}

// Release returns a message to pending without counting an attempt.
func (q *DiskQueue) Release(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.move(messageID, q.processingDir, q.pendingDir); err != nil {
		metrics.RelayQueueOperations.WithLabelValues("release", "error").Inc()
		return err
	}
	metrics.RelayQueueOperations.WithLabelValues("release", "success").Inc()
	return nil
}

// RecoverProcessing moves entries left in processing by a previous run back
// to pending. Call it before starting the worker.
func (q *DiskQueue) RecoverProcessing() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read processing directory: %w", err)
	}
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		if err := q.move(id, q.processingDir, q.pendingDir); err != nil {
			logger.Error("RelayQueue: Failed to recover message", "id", id, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Warn("RelayQueue: Recovered interrupted deliveries", "count", recovered)
	}
	return recovered, nil
}

// GetStats returns queue statistics
func (q *DiskQueue) GetStats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pending, err = countDir(q.pendingDir); err != nil {
		return 0, 0, 0, err
	}
	if processing, err = countDir(q.processingDir); err != nil {
		return 0, 0, 0, err
	}
	if failed, err = countDir(q.failedDir); err != nil {
		return 0, 0, 0, err
	}
	return pending, processing, failed, nil
}

func (q *DiskQueue) recordAttempt(messageID, errorMsg string) (*QueuedMessage, error) {
	var metadata QueuedMessage
	if err := readMetadata(filepath.Join(q.processingDir, messageID+".json"), &metadata); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	now := q.now()
	metadata.Attempts++
	metadata.LastAttempt = now
	metadata.Errors = append(metadata.Errors, fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), errorMsg))
	return &metadata, nil
}

// finish writes updated metadata into dir and moves the body after it.
func (q *DiskQueue) finish(metadata *QueuedMessage, dir, operation string) error {
	srcMeta := filepath.Join(q.processingDir, metadata.ID+".json")
	srcMsg := filepath.Join(q.processingDir, metadata.ID+".msg")
	dstMeta := filepath.Join(dir, metadata.ID+".json")
	dstMsg := filepath.Join(dir, metadata.ID+".msg")

	if err := os.Rename(srcMsg, dstMsg); err != nil {
		metrics.RelayQueueOperations.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("failed to move message: %w", err)
	}
	if err := writeFileAtomic(dstMeta, metadata); err != nil {
		os.Rename(dstMsg, srcMsg)
		metrics.RelayQueueOperations.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	os.Remove(srcMeta)
	metrics.RelayQueueOperations.WithLabelValues(operation, "success").Inc()
	return nil
}

func (q *DiskQueue) move(id, from, to string) error {
	srcMsg, dstMsg := filepath.Join(from, id+".msg"), filepath.Join(to, id+".msg")
	srcMeta, dstMeta := filepath.Join(from, id+".json"), filepath.Join(to, id+".json")

	if err := os.Rename(srcMsg, dstMsg); err != nil {
		return err
	}
	if err := os.Rename(srcMeta, dstMeta); err != nil {
		os.Rename(dstMsg, srcMsg)
		return err
	}
	return nil
}

func writeFileAtomic(path string, data any) error {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return writeDataAtomic(path, jsonBytes)
}

func writeDataAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readMetadata(path string, metadata *QueuedMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, metadata)
}

func countDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count, nil
}

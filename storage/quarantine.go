package storage

import (
	"context"
	"fmt"

	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/pkg/retry"
)

// Object kinds, used as the first key segment.
const (
	KindAttachment = "attachments"
	KindMessage    = "messages"
)

// Quarantine stores filtered content for later review.
type Quarantine struct {
	s3          *S3Storage
	attachments bool
	messages    bool
	retry       retry.Policy
}

// NewQuarantine connects to the configured bucket. It returns nil when
// quarantine is disabled; a nil *Quarantine is valid and stores nothing.
func NewQuarantine(cfg config.QuarantineConfig) (*Quarantine, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s3, err := New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if err := s3.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	logger.Info("Quarantine enabled", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket,
		"attachments", cfg.Attachments, "messages", cfg.Messages)
	return newQuarantine(s3, cfg.Attachments, cfg.Messages), nil
}

func newQuarantine(s3 *S3Storage, attachments, messages bool) *Quarantine {
	return &Quarantine{
		s3:          s3,
		attachments: attachments,
		messages:    messages,
		retry:       retry.DefaultPolicy(),
	}
}

// StoresAttachments reports whether removed attachments are kept.
func (q *Quarantine) StoresAttachments() bool {
	return q != nil && q.attachments
}

// StoresMessages reports whether rejected messages are kept.
func (q *Quarantine) StoresMessages() bool {
	return q != nil && q.messages
}

// StoreAttachment uploads decoded attachment content and returns its key.
func (q *Quarantine) StoreAttachment(ctx context.Context, content []byte) (string, error) {
	return q.store(ctx, KindAttachment, content, "application/octet-stream")
}

// StoreMessage uploads a complete message and returns its key.
func (q *Quarantine) StoreMessage(ctx context.Context, raw []byte) (string, error) {
	return q.store(ctx, KindMessage, raw, "message/rfc822")
}

// Get returns the plaintext of a quarantined object.
func (q *Quarantine) Get(ctx context.Context, key string) ([]byte, error) {
	return q.s3.Get(ctx, key)
}

func (q *Quarantine) store(ctx context.Context, kind string, content []byte, contentType string) (string, error) {
	key := helpers.NewQuarantineKey(kind, helpers.HashContent(content))

	exists, err := q.s3.Exists(ctx, key)
	if err != nil {
		logger.Debug("Quarantine: stat failed, uploading anyway", "key", key, "error", err)
	}
	if exists {
		metrics.QuarantinedObjects.WithLabelValues(kind, "duplicate").Inc()
		return key, nil
	}

	err = retry.Do(ctx, q.retry, func(ctx context.Context) error {
		if err := q.s3.Put(ctx, key, content, contentType); err != nil {
			if isPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		metrics.QuarantinedObjects.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("%w: %s: %v", consts.ErrQuarantineUploadFailed, key, err)
	}

	metrics.QuarantinedObjects.WithLabelValues(kind, "stored").Inc()
	return key, nil
}

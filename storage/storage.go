// Package storage keeps quarantined attachments and messages in S3-compatible
// object storage.
//
// Objects are content addressed: the key is derived from the BLAKE3 hash of
// the plaintext, so the same payload seen in many messages is uploaded once.
// When encryption is enabled, payloads are sealed client-side with
// AES-256-GCM before upload; the key is a 64 character hex string from
// config.toml.
//
//	q, err := storage.NewQuarantine(cfg.Quarantine)
//	if err != nil {
//		log.Fatal(err)
//	}
//	key, err := q.StoreAttachment(ctx, content)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectAPI is the part of *minio.Client the quarantine uses.
type objectAPI interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

type S3Storage struct {
	Client        objectAPI
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Quarantine: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// EnableEncryption enables client-side encryption for uploads.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Quarantine: client-side encryption enabled")
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("STAT").Observe(time.Since(start).Seconds())
	}()

	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		metrics.S3OperationsTotal.WithLabelValues("STAT", "success").Inc()
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == http.StatusNotFound {
		metrics.S3OperationsTotal.WithLabelValues("STAT", "not_found").Inc()
		return false, nil
	}

	metrics.S3OperationsTotal.WithLabelValues("STAT", "error").Inc()
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads data under key, sealing it first when encryption is enabled.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()

	payload := data
	if s.Encrypt {
		sealed, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		payload = sealed
		contentType = "application/octet-stream"
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType, SendContentMd5: true})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", classifyS3Error(err)).Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return err
}

// Get downloads and, when needed, decrypts the object stored under key.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, err
	}
	defer object.Close()

	data, err := s.readObject(object)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, err
	}
	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return data, nil
}

func (s *S3Storage) readObject(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	if !s.Encrypt {
		return data, nil
	}
	plain, err := s.decryptData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return plain, nil
}

// encryptData encrypts data using AES-256-GCM. The nonce is prepended.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *S3Storage) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "success"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "NoSuchBucket"):
		return "no_bucket"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	switch classifyS3Error(err) {
	case "access_denied", "no_bucket", "canceled":
		return true
	}
	return false
}

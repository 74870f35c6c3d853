package consts

import "errors"

var (
	ErrNotZip            = errors.New("not a zip container")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrEncrypted         = errors.New("encrypted entry")
	ErrDepthExceeded     = errors.New("archive nesting depth exceeded")
	ErrBudgetExceeded    = errors.New("decompressed size budget exceeded")

	ErrMalformedMessage = errors.New("malformed message")
	ErrMessageDeleted   = errors.New("message deleted")
	ErrNoSuchAttachment = errors.New("no such attachment")

	ErrRelayNotConfigured = errors.New("relay not configured")

	ErrQuarantineUploadFailed = errors.New("quarantine upload failed")
)

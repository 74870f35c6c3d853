package helpers

import "fmt"

// NewQuarantineKey constructs the object key for quarantined content. The
// two character fan-out keeps listings of a single prefix small.
func NewQuarantineKey(kind, hash string) string {
	if len(hash) < 2 {
		return fmt.Sprintf("%s/%s", kind, hash)
	}
	return fmt.Sprintf("%s/%s/%s", kind, hash[:2], hash)
}

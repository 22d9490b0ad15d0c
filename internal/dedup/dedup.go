package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Deduper absorbs provider retry storms: delivering the same logical event
// more than once within the retention window must apply it at most once.
// Seen and Mark are split so a digest is only recorded after the event has
// been applied; a retransmission of an event whose apply failed is not a
// duplicate.
type Deduper interface {
	// Seen reports whether digest was marked within the retention window.
	Seen(ctx context.Context, digest string) (bool, error)
	// Mark records digest for the retention window.
	Mark(ctx context.Context, digest string) error
}

// Digest identifies a logical event: same external call id, kind, and
// normalized payload always produce the same digest regardless of how the
// provider spelled the field names on the wire.
func Digest(externalCallID, kind, normalizedPayload string) string {
	h := sha256.New()
	h.Write([]byte(externalCallID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(normalizedPayload))
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultRetention is long enough to absorb provider retry storms without
// retaining events forever.
const DefaultRetention = 2 * time.Hour

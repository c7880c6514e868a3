package cache

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/abelbrown/digest/internal/store"
)

// ChunkHash computes the content hash of a chunk from its member messages.
// Members must be ordered by message id ascending; deleted members do not
// contribute. The hash changes iff live membership, any member's version,
// or any member's text changes.
func ChunkHash(members []store.Message) string {
	h := xxhash.New()
	var buf [8]byte
	for _, m := range members {
		if m.Deleted {
			continue
		}
		binary.BigEndian.PutUint64(buf[:], uint64(m.MessageID))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(m.Version))
		h.Write(buf[:])
		h.WriteString(m.Text)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// BucketStart truncates a timestamp to its bucket boundary.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	return ts.UTC().Truncate(width)
}

// BucketKeyFor encodes a bucket start as its key: decimal unix seconds.
func BucketKeyFor(ts time.Time, width time.Duration) string {
	return strconv.FormatInt(BucketStart(ts, width).Unix(), 10)
}

// ParseBucketKey decodes a bucket key back to its start time.
func ParseBucketKey(key string) (time.Time, error) {
	sec, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bucket key %q: %w", key, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// SummaryKey builds the composite summary cache key.
func SummaryKey(sourceID int64, bucketKey, modelVersion, promptVersion, lang string) string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", sourceID, bucketKey, modelVersion, promptVersion, lang)
}

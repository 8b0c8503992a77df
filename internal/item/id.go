package item

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewID returns the ULID for an item captured at capturedAt.
//
// When the source identifies its message (chat id and message id), the
// entropy is derived from that identity so the same message always maps to
// the same id and a re-delivered capture is detected as a duplicate.
// Otherwise the entropy is random.
func NewID(capturedAt time.Time, meta SourceMeta) (string, error) {
	ts := ulid.Timestamp(capturedAt)

	if meta.MessageID != "" {
		sum := blake3.Sum256([]byte(meta.ChatID + ":" + meta.MessageID))
		id, err := ulid.New(ts, bytes.NewReader(sum[:]))
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}

	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ts, entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IDTime extracts the capture time embedded in an id.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

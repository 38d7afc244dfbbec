// internal/util/id.go
// ULID helper used for connection ids, metrics snapshot ids and other keys
// that benefit from lexicographic time ordering.  A process-global monotonic
// entropy source seeded from crypto/rand keeps generation cheap after init.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy *ulid.MonotonicEntropy

func init() {
	var seed int64
	_ = binaryRead(rand.Reader, &seed)
	entropy = ulid.Monotonic(mrand.New(mrand.NewSource(seed)), 0)
}

// NewID returns a new ULID string or error.
func NewID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustID panics on entropy read failure (rare).
func MustID() string {
	s, err := NewID()
	if err != nil {
		panic(err)
	}
	return s
}

func binaryRead(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}

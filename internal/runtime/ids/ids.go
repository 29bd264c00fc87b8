// Package ids generates the identifiers used across holdflow: ULIDs for
// mediator messages, UUIDs for events and short prefixed ids for runs and
// audit records.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	RunPrefix   = "run_"
	AuditPrefix = "audit_"

	shortHexLen = 12
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID returns a random UUID in canonical form.
func NewUUID() string {
	return uuid.NewString()
}

// NewRunID returns "run_" followed by 12 hex characters.
func NewRunID() string {
	return RunPrefix + shortHex()
}

// NewAuditID returns "audit_" followed by 12 hex characters.
func NewAuditID() string {
	return AuditPrefix + shortHex()
}

// HashHex returns the first n hex characters of the SHA-256 digest of data.
// n is clamped to the digest length.
func HashHex(data []byte, n int) string {
	sum := sha256.Sum256(data)
	full := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortHexLen]
}
